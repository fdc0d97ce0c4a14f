// Package checkpoint persists each dataset's last successful refresh
// time and federated schema fingerprint in a sibling table that lives
// inside the accelerator, so a restart can resume incremental refresh
// without a full reload.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
)

// Row is one dataset's persisted checkpoint state.
type Row struct {
	DatasetName       string
	LastRefresh       time.Time
	SchemaFingerprint string
}

// Store is how the Refresher persists and resumes a dataset's
// checkpoint. Two implementations exist: SQLStore (backed by a reserved
// table inside an engine's *sql.DB, for fileengine) and MemStore (an
// in-process map, for memengine datasets which have no backing *sql.DB
// of their own).
type Store interface {
	Write(ctx context.Context, row Row) error
	Read(ctx context.Context, datasetName string) (Row, bool, error)
}

// SQLStore persists Rows in a reserved table inside a *sql.DB shared
// with an accelerator engine.
type SQLStore struct {
	db        *sql.DB
	tableName string
}

const defaultTableName = "_accelerant_checkpoints"

// NewSQLStore prepares the reserved checkpoint table on db, creating it
// if absent. tableName defaults to "_accelerant_checkpoints" when empty.
func NewSQLStore(ctx context.Context, db *sql.DB, tableName string) (*SQLStore, error) {
	if tableName == "" {
		tableName = defaultTableName
	}
	s := &SQLStore{db: db, tableName: tableName}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
		dataset_name TEXT PRIMARY KEY,
		last_refresh TIMESTAMP,
		schema_fingerprint TEXT
	)`, s.tableName)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("checkpoint: create table: %w", err)
	}
	return s, nil
}

// Write upserts a dataset's checkpoint row.
func (s *SQLStore) Write(ctx context.Context, row Row) error {
	query := fmt.Sprintf(`INSERT INTO "%s" (dataset_name, last_refresh, schema_fingerprint)
		VALUES (?, ?, ?)
		ON CONFLICT(dataset_name) DO UPDATE SET
			last_refresh = excluded.last_refresh,
			schema_fingerprint = excluded.schema_fingerprint`, s.tableName)
	_, err := s.db.ExecContext(ctx, query, row.DatasetName, row.LastRefresh, row.SchemaFingerprint)
	if err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", row.DatasetName, err)
	}
	return nil
}

// Read returns a dataset's checkpoint row, or found=false if none exists.
func (s *SQLStore) Read(ctx context.Context, datasetName string) (Row, bool, error) {
	query := fmt.Sprintf(`SELECT dataset_name, last_refresh, schema_fingerprint FROM "%s" WHERE dataset_name = ?`, s.tableName)
	row := s.db.QueryRowContext(ctx, query, datasetName)
	var r Row
	if err := row.Scan(&r.DatasetName, &r.LastRefresh, &r.SchemaFingerprint); err != nil {
		if err == sql.ErrNoRows {
			return Row{}, false, nil
		}
		return Row{}, false, fmt.Errorf("checkpoint: read %s: %w", datasetName, err)
	}
	return r, true, nil
}

// MemStore is a process-lifetime-only Store, used for memengine
// datasets where there is no durable *sql.DB to attach a reserved
// table to: resuming after a restart simply treats the dataset as a
// first run again.
type MemStore struct {
	mu   sync.Mutex
	rows map[string]Row
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]Row)}
}

func (s *MemStore) Write(ctx context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.DatasetName] = row
	return nil
}

func (s *MemStore) Read(ctx context.Context, datasetName string) (Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[datasetName]
	return r, ok, nil
}

// Fingerprint computes a stable hash of a schema's column name:type
// pairs, sorted by name, so that field reordering alone never trips
// Invariant 6's structural (not byte-equal) schema comparison.
func Fingerprint(schema *arrow.Schema) string {
	pairs := make([]string, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		pairs = append(pairs, f.Name+":"+f.Type.String())
	}
	sort.Strings(pairs)
	h := fnv.New64a()
	for _, p := range pairs {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}
