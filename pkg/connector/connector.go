// Package connector defines the capability interfaces the core consumes
// from data-connector adapters, plus a closed factory registry keyed
// by connector tag so new connector kinds register themselves via
// init() without the core importing them directly.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// ErrRateLimited is returned (wrapped, via fmt.Errorf's %w) by a
// connector when the upstream source signaled backpressure (e.g. an
// HTTP 429), letting the refresh task classify it as a distinct kind
// rather than a generic connection error.
var ErrRateLimited = errors.New("connector: rate limited")

// Query is the plan handed to a connector by a refresh task: either a raw
// SQL string (Full mode, optionally wrapped by refresh_sql) or a
// time-bounded predicate (Append mode).
type Query struct {
	SQL string
}

// RecordReader streams Arrow record batches from a connector. Callers
// must call Release when done with a batch and Close the reader.
type RecordReader interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (arrow.Record, error) // io.EOF when exhausted
	Close() error
}

// ChangeKind distinguishes the three operations a Changes-mode stream
// may deliver.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// ChangeRecord is a single change-data-capture event.
type ChangeRecord struct {
	Kind ChangeKind
	Row  arrow.Record // single-row record; schema matches the table
}

// ChangesStream delivers an ordered sequence of ChangeRecords. Only
// connectors for Changes-mode datasets need implement it.
type ChangesStream interface {
	Schema() *arrow.Schema
	Next(ctx context.Context) (*ChangeRecord, error) // io.EOF when the stream closes cleanly
	Close() error
}

// TableProvider is the capability surface a connector exposes for one
// dataset: schema resolution without streaming data, and a query/scan
// entry point.
type TableProvider interface {
	Schema(ctx context.Context) (*arrow.Schema, error)
	Scan(ctx context.Context, q Query) (RecordReader, error)
}

// Connector is the factory-level capability a data-connector adapter
// registers under a source tag (e.g. "mysrc", "s3", "github").
type Connector interface {
	// ReadProvider resolves a read-only TableProvider. Always available.
	ReadProvider(ctx context.Context, path string, params map[string]string) (TableProvider, error)
	// ReadWriteProvider resolves a writable TableProvider. Only called
	// for ReadWrite-mode datasets; ok=false means this connector has no
	// write path for this path.
	ReadWriteProvider(ctx context.Context, path string, params map[string]string) (provider TableProvider, ok bool, err error)
	// ChangesStream opens a change-data-capture stream, if supported.
	ChangesStream(ctx context.Context, path string, params map[string]string) (ChangesStream, error)
}

// Factory constructs a Connector for a given source tag.
type Factory func(params map[string]string) (Connector, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds a connector factory under a source tag. Call from an
// adapter's init() or composition root.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// New resolves a connector factory by source tag. Unknown kinds fail
// with a list of the kinds actually registered.
func New(kind string, params map[string]string) (Connector, error) {
	mu.RLock()
	f, ok := factories[kind]
	known := knownKindsLocked()
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown connector kind %q (available: %v)", kind, known)
	}
	return f(params)
}

func knownKindsLocked() []string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
