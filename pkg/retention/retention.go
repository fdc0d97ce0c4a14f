// Package retention implements the per-dataset periodic row expiry
// (C10): for any dataset whose acceleration policy sets both a
// retention check interval and a retention period, a goroutine wakes on
// that interval and deletes rows older than the period through the
// accelerator's delete capability. One ticker-driven goroutine per
// table, stopped via Close.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/siddontang/loggers"

	"github.com/block/accelerant/pkg/accelerator"
	"github.com/block/accelerant/pkg/dataset"
)

// Enforcer runs one retention goroutine per registered dataset.
type Enforcer struct {
	logger loggers.Advanced

	mu    sync.Mutex
	stops []context.CancelFunc
	wg    sync.WaitGroup
}

// New returns an empty Enforcer.
func New(logger loggers.Advanced) *Enforcer {
	return &Enforcer{logger: logger}
}

// Register starts a retention goroutine for name if its acceleration
// block sets both RetentionCheckInterval and RetentionPeriod; otherwise
// it is a no-op, per §4.8.
func (e *Enforcer) Register(ctx context.Context, name dataset.Name, spec dataset.Spec, acc accelerator.TableProvider) {
	if spec.Acceleration == nil {
		return
	}
	interval := spec.Acceleration.RetentionCheckInterval
	period := spec.Acceleration.RetentionPeriod
	if interval == nil || period == nil || *interval <= 0 || *period <= 0 {
		return
	}
	if spec.TimeColumn == "" {
		e.errorf("retention configured for %s but no time_column set, skipping", name)
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.stops = append(e.stops, cancel)
	e.mu.Unlock()

	e.wg.Add(1)
	go e.sweep(sweepCtx, name, spec.TimeColumn, spec.TimeFormat, *interval, *period, acc)
}

// Close cancels every running retention goroutine and waits for them to
// exit.
func (e *Enforcer) Close() {
	e.mu.Lock()
	stops := append([]context.CancelFunc(nil), e.stops...)
	e.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	e.wg.Wait()
}

func (e *Enforcer) sweep(ctx context.Context, name dataset.Name, timeColumn string, timeFormat dataset.TimeFormat, interval, period time.Duration, acc accelerator.TableProvider) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.enforceOnce(ctx, name, timeColumn, timeFormat, period, acc); err != nil {
				e.errorf("retention sweep failed for %s: %s", name, err)
			}
		}
	}
}

func (e *Enforcer) enforceOnce(ctx context.Context, name dataset.Name, timeColumn string, timeFormat dataset.TimeFormat, period time.Duration, acc accelerator.TableProvider) error {
	writer, err := acc.Writer(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-period)
	deleted, err := writer.DeleteWhere(ctx, timeColumn, coerceCutoff(cutoff, timeFormat))
	if err != nil {
		_ = writer.Rollback(ctx)
		return err
	}
	if err := writer.Commit(ctx); err != nil {
		return err
	}
	if deleted > 0 {
		e.logf("retention deleted %d rows from %s older than %s", deleted, name, cutoff)
	}
	return nil
}

// coerceCutoff renders cutoff in the same representation the time
// column is stored in, mirroring refresh.coerceTime's reverse
// direction: a DeleteWhere comparison against a mismatched
// representation (a time.Time cutoff against a UnixSeconds int64
// column, say) silently matches nothing.
func coerceCutoff(cutoff time.Time, format dataset.TimeFormat) any {
	switch format {
	case dataset.TimeFormatUnixSeconds:
		return cutoff.Unix()
	case dataset.TimeFormatUnixMillis:
		return cutoff.UnixMilli()
	default:
		return cutoff
	}
}

func (e *Enforcer) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Infof(format, args...)
	}
}

func (e *Enforcer) errorf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Errorf(format, args...)
	}
}
