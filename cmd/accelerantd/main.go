// Command accelerantd is the subsystem's daemon entrypoint: it loads a
// dataset manifest, resolves every dataset's secrets, starts the
// Accelerated Table Registry (which in turn starts one Refresher per
// dataset), and serves health and metrics over HTTP until signaled to
// stop. A single kong.Parse plus one run(cli, logger) error function,
// generalized to a long-running process rather than a single-shot
// CLI invocation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	_ "github.com/block/accelerant/pkg/accelerator/fileengine"
	_ "github.com/block/accelerant/pkg/accelerator/memengine"
	"github.com/block/accelerant/pkg/cache"
	"github.com/block/accelerant/pkg/checkpoint"
	"github.com/block/accelerant/pkg/config"
	_ "github.com/block/accelerant/pkg/connector/httpapi"
	_ "github.com/block/accelerant/pkg/connector/sqldb"
	"github.com/block/accelerant/pkg/registry"
	"github.com/block/accelerant/pkg/retention"
	"github.com/block/accelerant/pkg/secrets"
	"github.com/block/accelerant/pkg/telemetry"
)

type cli struct {
	Manifest   string `arg:"" help:"Path to the dataset manifest YAML file."`
	ListenAddr string `help:"Address to serve /healthz and /metrics on." default:":8080"`
}

func main() {
	var c cli
	kong.Parse(&c)

	logger := logrus.New()
	if err := run(c, logger); err != nil {
		logger.WithError(err).Fatal("accelerantd exited with an error")
	}
}

func run(c cli, logger *logrus.Logger) error {
	specs, err := config.Load(c.Manifest)
	if err != nil {
		return fmt.Errorf("accelerantd: load manifest: %w", err)
	}

	resolver := secrets.NewEnvResolver()
	for i, spec := range specs {
		params, err := secrets.ResolveParams(resolver, spec.Params)
		if err != nil {
			return fmt.Errorf("accelerantd: dataset %s: %w", spec.Name, err)
		}
		specs[i].Params = params
	}

	checkpoints := checkpoint.NewMemStore()
	invalidator := cache.NewLRU()
	reg := registry.New(logger, checkpoints, invalidator)

	metricsRegistry := prometheus.NewRegistry()
	sink := telemetry.MultiSink{telemetry.NewPrometheusSink(metricsRegistry), telemetry.NewHistory(50)}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := reg.Load(ctx, specs); err != nil {
		return fmt.Errorf("accelerantd: load datasets: %w", err)
	}

	retain := retention.New(logger)
	defer retain.Close()
	for _, name := range reg.List() {
		at, ok := reg.Get(name)
		if !ok {
			continue
		}
		at.Refresher.SetSink(sink)
		retain.Register(ctx, name, at.Spec, at.Accelerator)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: c.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown did not complete cleanly")
	}

	for _, name := range reg.List() {
		if at, ok := reg.Get(name); ok {
			at.Refresher.Close()
		}
	}
	return nil
}
