// Package memengine is an in-process accelerator engine that holds a
// dataset's materialized rows as Arrow record batches in memory. It is
// always initialized and never upserts on Append (see Store.Upserts).
package memengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/block/accelerant/pkg/accelerator"
)

func init() {
	accelerator.Register("memory", func(map[string]string) (accelerator.Store, error) {
		return New(), nil
	})
}

// Store is the in-memory accelerator.Store implementation.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

func (s *Store) Name() string   { return "memory" }
func (s *Store) Prefix() string { return "memory" }
func (s *Store) Parameters() []accelerator.ParameterSpec { return nil }
func (s *Store) ValidFileExtensions() []string            { return nil }

func (s *Store) FilePath(dataset string) (string, error) {
	return "", fmt.Errorf("memory engine has no file path for %s", dataset)
}

// IsInitialized is always true for memory engines.
func (s *Store) IsInitialized(dataset string) bool { return true }

// Init is a no-op: memory tables are created lazily by CreateExternalTable.
func (s *Store) Init(ctx context.Context, dataset string) error { return nil }

func (s *Store) Upserts() bool { return false }

func (s *Store) CreateExternalTable(ctx context.Context, dataset string, schema *arrow.Schema, opts accelerator.TableOptions) (accelerator.TableProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[dataset]
	if !ok {
		t = &table{schema: schema, opts: opts}
		s.tables[dataset] = t
	}
	return t, nil
}

type table struct {
	mu      sync.RWMutex
	schema  *arrow.Schema
	opts    accelerator.TableOptions
	batches []arrow.Record
}

func (t *table) Schema(ctx context.Context) (*arrow.Schema, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema, nil
}

func (t *table) Writer(ctx context.Context) (accelerator.Writer, error) {
	return &writer{t: t}, nil
}

// writer buffers pending inserts and a pending truncate so Full-mode
// swaps are atomic: the pending batches only replace t.batches on
// Commit. Deletes (ApplyChange with ChangeDelete, DeleteWhere) act on
// the stored batches immediately and are not undone by Rollback.
type writer struct {
	t         *table
	truncated bool
	pending   []arrow.Record
	deletes   int64
}

func (w *writer) InsertBatch(ctx context.Context, rec arrow.Record) error {
	if !schemaCompatible(w.t.schema, rec.Schema()) {
		return fmt.Errorf("schema mismatch: accelerator=%s incoming=%s", w.t.schema, rec.Schema())
	}
	rec.Retain()
	w.pending = append(w.pending, rec)
	return nil
}

func (w *writer) ApplyChange(ctx context.Context, kind accelerator.ChangeKind, row arrow.Record) error {
	switch kind {
	case accelerator.ChangeDelete:
		return w.applyDelete(row)
	default:
		return w.InsertBatch(ctx, row)
	}
}

// applyDelete removes every stored row whose primary-key columns match
// row, a single-row record carrying the deleted key (falling back to
// matching on every column when the dataset declares no primary key).
func (w *writer) applyDelete(row arrow.Record) error {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()

	keyCols := w.t.opts.PrimaryKey
	if len(keyCols) == 0 {
		keyCols = schemaColumnNames(w.t.schema)
	}
	idxs := make([]int, 0, len(keyCols))
	for _, name := range keyCols {
		fi := w.t.schema.FieldIndices(name)
		if len(fi) == 0 {
			return fmt.Errorf("memengine: delete key column %q not found", name)
		}
		idxs = append(idxs, fi[0])
	}
	keyVals := make([]any, len(idxs))
	for i, fi := range idxs {
		keyVals[i] = valueAt(row.Column(fi), 0)
	}

	var kept []arrow.Record
	var removed int64
	for _, rec := range w.t.batches {
		keepMask, n := filterMatchingKey(rec, idxs, keyVals)
		removed += n
		if keepMask != nil {
			kept = append(kept, keepMask)
		}
	}
	for _, old := range w.t.batches {
		old.Release()
	}
	w.t.batches = kept
	w.deletes += removed
	return nil
}

func (w *writer) Truncate(ctx context.Context) error {
	w.truncated = true
	return nil
}

func (w *writer) DeleteWhere(ctx context.Context, col string, lessThan any) (int64, error) {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	idx := w.t.schema.FieldIndices(col)
	if len(idx) == 0 {
		return 0, fmt.Errorf("column %q not found", col)
	}
	fieldIdx := idx[0]
	var kept []arrow.Record
	var deleted int64
	for _, rec := range w.t.batches {
		keepMask, removed := filterLess(rec, fieldIdx, lessThan)
		deleted += removed
		if keepMask != nil {
			kept = append(kept, keepMask)
		}
	}
	for _, old := range w.t.batches {
		old.Release()
	}
	w.t.batches = kept
	return deleted, nil
}

func (w *writer) MaxValue(ctx context.Context, col string) (any, bool, error) {
	w.t.mu.RLock()
	defer w.t.mu.RUnlock()
	idx := w.t.schema.FieldIndices(col)
	if len(idx) == 0 {
		return nil, false, fmt.Errorf("column %q not found", col)
	}
	fieldIdx := idx[0]
	var max any
	found := false
	for _, rec := range w.t.batches {
		v, ok := columnMax(rec, fieldIdx)
		if !ok {
			continue
		}
		if !found || compareAny(v, max) > 0 {
			max = v
			found = true
		}
	}
	return max, found, nil
}

func (w *writer) Commit(ctx context.Context) error {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	if w.truncated {
		for _, old := range w.t.batches {
			old.Release()
		}
		w.t.batches = nil
	}
	w.t.batches = append(w.t.batches, w.pending...)
	w.pending = nil
	return nil
}

func (w *writer) Rollback(ctx context.Context) error {
	for _, rec := range w.pending {
		rec.Release()
	}
	w.pending = nil
	return nil
}

func schemaCompatible(a, b *arrow.Schema) bool {
	if a.NumFields() != b.NumFields() {
		return false
	}
	for i := range a.Fields() {
		af, bf := a.Field(i), b.Field(i)
		if af.Name != bf.Name || !arrow.TypeEqual(af.Type, bf.Type) {
			return false
		}
	}
	return true
}

func filterLess(rec arrow.Record, fieldIdx int, lessThan any) (arrow.Record, int64) {
	col := rec.Column(fieldIdx)
	var removed int64
	keepRows := make([]bool, rec.NumRows())
	anyKept := false
	for i := 0; i < int(rec.NumRows()); i++ {
		v := valueAt(col, i)
		if compareAny(v, lessThan) < 0 {
			removed++
			continue
		}
		keepRows[i] = true
		anyKept = true
	}
	if !anyKept {
		return nil, removed
	}
	if removed == 0 {
		rec.Retain()
		return rec, 0
	}
	indices := make([]int, 0, rec.NumRows())
	for i, keep := range keepRows {
		if keep {
			indices = append(indices, i)
		}
	}
	return takeRows(rec, indices), removed
}

// filterMatchingKey splits rec into the rows whose values at idxs equal
// keyVals (removed) and everything else (kept, returned as a new
// record, or nil if nothing survives). A value valueAt cannot extract
// never matches, so such rows are kept.
func filterMatchingKey(rec arrow.Record, idxs []int, keyVals []any) (arrow.Record, int64) {
	var removed int64
	keepRows := make([]bool, rec.NumRows())
	anyKept := false
	for i := 0; i < int(rec.NumRows()); i++ {
		match := true
		for j, fi := range idxs {
			v := valueAt(rec.Column(fi), i)
			if v == nil || compareAny(v, keyVals[j]) != 0 {
				match = false
				break
			}
		}
		if match {
			removed++
			continue
		}
		keepRows[i] = true
		anyKept = true
	}
	if !anyKept {
		return nil, removed
	}
	if removed == 0 {
		rec.Retain()
		return rec, 0
	}
	indices := make([]int, 0, rec.NumRows())
	for i, keep := range keepRows {
		if keep {
			indices = append(indices, i)
		}
	}
	return takeRows(rec, indices), removed
}

func schemaColumnNames(schema *arrow.Schema) []string {
	names := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		names[i] = f.Name
	}
	return names
}

// takeRows builds a new record containing only the given row indices.
// It is a simple, allocation-heavy implementation adequate for the
// in-memory engine's modest scale.
func takeRows(rec arrow.Record, indices []int) arrow.Record {
	pool := memory.DefaultAllocator
	cols := make([]arrow.Array, rec.NumCols())
	for c := 0; c < int(rec.NumCols()); c++ {
		b := array.NewBuilder(pool, rec.Column(c).DataType())
		defer b.Release()
		for _, i := range indices {
			appendValue(b, rec.Column(c), i)
		}
		cols[c] = b.NewArray()
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecord(rec.Schema(), cols, int64(len(indices)))
}
