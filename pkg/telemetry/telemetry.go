// Package telemetry reports refresh activity: a pluggable Sink
// interface with a SetSink/NoopSink-default shape, a concrete
// Prometheus sink, and an in-memory ring buffer of recent refresh
// events per dataset (supplemented from original_source's
// task_history.rs).
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/block/accelerant/pkg/dataset"
)

// Event is one refresh attempt's outcome, recorded for both the sink
// and the history ring buffer.
type Event struct {
	Dataset     dataset.Name
	Mode        dataset.RefreshMode
	Success     bool
	RowsWritten int64
	Duration    time.Duration
	Err         error
	At          time.Time
}

// Sink is the pluggable reporting surface: every long-running
// component accepts one, defaulting to NoopSink when the caller
// doesn't care.
type Sink interface {
	RecordRefresh(Event)
}

// NoopSink discards everything; it is the default for components that
// never had SetSink called.
type NoopSink struct{}

func (NoopSink) RecordRefresh(Event) {}

// PrometheusSink reports refresh outcomes as a last-refresh-time gauge
// and success/failure counters, labeled by dataset.
type PrometheusSink struct {
	lastRefreshTime *prometheus.GaugeVec
	refreshTotal    *prometheus.CounterVec
	rowsWrittenTotal *prometheus.CounterVec
}

// NewPrometheusSink constructs and registers the metric vectors against
// reg. Passing a fresh prometheus.NewRegistry() in tests keeps them
// isolated from the default global registry.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		lastRefreshTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "accelerant_last_refresh_time_ms",
			Help: "Unix time in milliseconds of the last refresh attempt, per dataset.",
		}, []string{"dataset", "success"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accelerant_refresh_total",
			Help: "Count of refresh attempts, per dataset and outcome.",
		}, []string{"dataset", "success"}),
		rowsWrittenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accelerant_rows_written_total",
			Help: "Cumulative rows written to a dataset's accelerator.",
		}, []string{"dataset"}),
	}
	reg.MustRegister(s.lastRefreshTime, s.refreshTotal, s.rowsWrittenTotal)
	return s
}

func successLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

// RecordRefresh implements Sink.
func (s *PrometheusSink) RecordRefresh(e Event) {
	label := successLabel(e.Success)
	s.lastRefreshTime.WithLabelValues(e.Dataset.String(), label).Set(float64(e.At.UnixMilli()))
	s.refreshTotal.WithLabelValues(e.Dataset.String(), label).Inc()
	if e.Success {
		s.rowsWrittenTotal.WithLabelValues(e.Dataset.String()).Add(float64(e.RowsWritten))
	}
}

// History is a fixed-capacity, in-memory ring buffer of recent refresh
// events per dataset, supplementing the distillation's dropped
// task_history.rs: a debug/health endpoint can list the last N attempts
// for a dataset without standing up an external metrics backend.
type History struct {
	capacity int

	mu     sync.Mutex
	events map[dataset.Name][]Event
}

// NewHistory returns a History retaining up to capacity events per
// dataset.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 20
	}
	return &History{capacity: capacity, events: make(map[dataset.Name][]Event)}
}

// RecordRefresh implements Sink, so History can be composed alongside
// a PrometheusSink via MultiSink.
func (h *History) RecordRefresh(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.events[e.Dataset], e)
	if len(list) > h.capacity {
		list = list[len(list)-h.capacity:]
	}
	h.events[e.Dataset] = list
}

// Recent returns the most recent events recorded for a dataset, oldest
// first.
func (h *History) Recent(name dataset.Name) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events[name]...)
}

// MultiSink fans one Event out to every wrapped Sink, letting a
// Refresher report to Prometheus and History simultaneously without
// either depending on the other.
type MultiSink []Sink

func (m MultiSink) RecordRefresh(e Event) {
	for _, s := range m {
		s.RecordRefresh(e)
	}
}
