// Package accelerator defines the capability interface local columnar
// engines implement to serve as a dataset's accelerator, plus a closed
// factory registry keyed by engine name, mirroring pkg/connector.
package accelerator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// ParameterSpec describes one engine-specific configuration parameter,
// surfaced so manifest validation can report unknown/missing params
// before a dataset is admitted.
type ParameterSpec struct {
	Name        string
	Required    bool
	Description string
}

// TableOptions carries the physical-constraint hints a dataset declares:
// a primary key and secondary indexes. Engines that support them apply
// them as real constraints; engines that don't still record them as
// metadata so Append-mode de-duplication-by-upsert remains possible.
type TableOptions struct {
	PrimaryKey []string
	Indexes    [][]string
}

// ChangeKind mirrors connector.ChangeKind without importing it, keeping
// accelerator a leaf package like connector.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// Writer is the mutation surface a refresh task drives: insert/replace
// batches, apply single change records, truncate for a Full-mode swap,
// and delete for retention.
type Writer interface {
	// InsertBatch appends or upserts (engine-specific, see Store.Upserts)
	// the rows in rec.
	InsertBatch(ctx context.Context, rec arrow.Record) error
	// ApplyChange applies a single Changes-mode insert/update/delete.
	ApplyChange(ctx context.Context, kind ChangeKind, row arrow.Record) error
	// Truncate empties the table, used by Full-mode before a fresh load
	// and discarded (never committed) if the load fails.
	Truncate(ctx context.Context) error
	// DeleteWhere deletes rows matching a predicate over column col,
	// used by the retention enforcer.
	DeleteWhere(ctx context.Context, col string, lessThan any) (int64, error)
	// MaxValue returns the current maximum value of col, used by
	// Append-mode to compute its lower watermark.
	MaxValue(ctx context.Context, col string) (any, bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TableProvider is a writable local table: it can be scanned like a
// connector.TableProvider and also mutated through a Writer.
type TableProvider interface {
	Schema(ctx context.Context) (*arrow.Schema, error)
	Writer(ctx context.Context) (Writer, error)
}

// Store is the per-engine capability surface.
type Store interface {
	Name() string
	Prefix() string
	Parameters() []ParameterSpec

	// ValidFileExtensions returns the accepted file extensions. Memory
	// engines return nil.
	ValidFileExtensions() []string
	// FilePath returns the on-disk path for dataset's local artifact.
	// File engines only; memory engines return an error.
	FilePath(dataset string) (string, error)

	// IsInitialized reports whether a usable local artifact already
	// exists for dataset. Memory engines always return true.
	IsInitialized(dataset string) bool
	// Init idempotently creates the local artifact.
	Init(ctx context.Context, dataset string) error

	// CreateExternalTable returns a provider that is readable, writable
	// and supports deletion, creating the physical table if needed.
	CreateExternalTable(ctx context.Context, dataset string, schema *arrow.Schema, opts TableOptions) (TableProvider, error)

	// Upserts reports whether this engine de-duplicates Append-mode
	// writes by primary key. The core never mandates one behavior, but
	// every engine must document and report its own.
	Upserts() bool
}

// Factory constructs a Store from engine_params.
type Factory func(params map[string]string) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds an accelerator engine factory under its name.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// New resolves an accelerator engine factory by name. Unknown names fail
// with the list of names actually registered.
func New(name string, params map[string]string) (Store, error) {
	mu.RLock()
	f, ok := factories[name]
	known := make([]string, 0, len(factories))
	for k := range factories {
		known = append(known, k)
	}
	mu.RUnlock()
	if !ok {
		sort.Strings(known)
		return nil, fmt.Errorf("unknown accelerator engine %q (available: %v)", name, known)
	}
	return f(params)
}
