// Package fileengine is a file-backed accelerator engine using SQLite
// as the physical store, grounded on the original Rust runtime's
// DuckDB/SQLite accelerator adapters (see DESIGN.md).
package fileengine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	_ "github.com/mattn/go-sqlite3"

	"github.com/block/accelerant/pkg/accelerator"
)

func init() {
	accelerator.Register("sqlite", func(params map[string]string) (accelerator.Store, error) {
		dir := params["data_dir"]
		if dir == "" {
			dir = "./accelerant-data"
		}
		return New(dir), nil
	})
}

// Store is a SQLite-backed, file-per-dataset accelerator engine.
type Store struct {
	dataDir string

	mu   sync.Mutex
	open map[string]*sql.DB
}

// New constructs a Store rooted at dataDir. dataDir is created lazily,
// on first Init call.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir, open: make(map[string]*sql.DB)}
}

func (s *Store) Name() string   { return "sqlite" }
func (s *Store) Prefix() string { return "sqlite" }

func (s *Store) Parameters() []accelerator.ParameterSpec {
	return []accelerator.ParameterSpec{
		{Name: "data_dir", Required: false, Description: "directory holding one SQLite file per dataset"},
	}
}

func (s *Store) ValidFileExtensions() []string { return []string{".db", ".sqlite"} }

// Upserts reports that this engine de-duplicates Append-mode writes by
// primary key when one is declared (see the Open Question in §9): it
// uses INSERT OR REPLACE whenever TableOptions.PrimaryKey is non-empty.
func (s *Store) Upserts() bool { return true }

func (s *Store) FilePath(dataset string) (string, error) {
	return filepath.Join(s.dataDir, sanitize(dataset)+".db"), nil
}

func (s *Store) IsInitialized(dataset string) bool {
	path, err := s.FilePath(dataset)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

func (s *Store) Init(ctx context.Context, dataset string) error {
	path, err := s.FilePath(dataset)
	if err != nil {
		return err
	}
	ext := filepath.Ext(path)
	if !containsExt(s.ValidFileExtensions(), ext) {
		return fmt.Errorf("fileengine: invalid extension %q for dataset %s", ext, dataset)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("fileengine: %s is a directory, not a file", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fileengine: create data dir: %w", err)
	}
	db, err := s.dbFor(dataset)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *Store) dbFor(dataset string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.open[dataset]; ok {
		return db, nil
	}
	path, err := s.FilePath(dataset)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// SQLite only supports one writer at a time; the Runner already
	// serializes writes per dataset (§5), so a single connection here
	// is sufficient and avoids SQLITE_BUSY under concurrent readers.
	db.SetMaxOpenConns(1)
	s.open[dataset] = db
	return db, nil
}

// DB returns the dataset's backing *sql.DB, opening it if necessary.
// Exposed so callers needing a sibling table in the same file (for
// example checkpoint.SQLStore) can share the connection rather than
// opening the SQLite file twice.
func (s *Store) DB(dataset string) (*sql.DB, error) {
	return s.dbFor(dataset)
}

func (s *Store) CreateExternalTable(ctx context.Context, dataset string, schema *arrow.Schema, opts accelerator.TableOptions) (accelerator.TableProvider, error) {
	db, err := s.dbFor(dataset)
	if err != nil {
		return nil, err
	}
	tableName := sanitize(dataset)
	ddl, err := createTableDDL(tableName, schema, opts)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("fileengine: create table %s: %w", tableName, err)
	}
	for i, idx := range opts.Indexes {
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%d ON %s (%s)",
			tableName, i, tableName, strings.Join(quoteAll(idx), ", "))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("fileengine: create index on %s: %w", tableName, err)
		}
	}
	return &table{db: db, name: tableName, schema: schema, opts: opts, upserts: len(opts.PrimaryKey) > 0}, nil
}

func containsExt(exts []string, ext string) bool {
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func sanitize(dataset string) string {
	return strings.NewReplacer(".", "_", "/", "_", "-", "_").Replace(dataset)
}

func quoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = `"` + c + `"`
	}
	return out
}
