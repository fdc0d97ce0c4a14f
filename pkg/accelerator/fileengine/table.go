package fileengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/block/accelerant/pkg/accelerator"
)

type table struct {
	db      *sql.DB
	name    string
	schema  *arrow.Schema
	opts    accelerator.TableOptions
	upserts bool
}

func (t *table) Schema(ctx context.Context) (*arrow.Schema, error) {
	return t.schema, nil
}

func (t *table) Writer(ctx context.Context) (accelerator.Writer, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fileengine: begin transaction: %w", err)
	}
	return &writer{t: t, tx: tx}, nil
}

type writer struct {
	t  *table
	tx *sql.Tx
}

func (w *writer) insertStmt(numCols int) string {
	cols := make([]string, numCols)
	placeholders := make([]string, numCols)
	for i, f := range w.t.schema.Fields() {
		cols[i] = fmt.Sprintf("%q", f.Name)
		placeholders[i] = "?"
	}
	verb := "INSERT INTO"
	if w.t.upserts {
		verb = "INSERT OR REPLACE INTO"
	}
	return fmt.Sprintf("%s %q (%s) VALUES (%s)", verb, w.t.name, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
}

func (w *writer) InsertBatch(ctx context.Context, rec arrow.Record) error {
	stmt, err := w.tx.PrepareContext(ctx, w.insertStmt(int(rec.NumCols())))
	if err != nil {
		return fmt.Errorf("fileengine: prepare insert: %w", err)
	}
	defer stmt.Close()
	for row := 0; row < int(rec.NumRows()); row++ {
		args := make([]any, rec.NumCols())
		for col := 0; col < int(rec.NumCols()); col++ {
			args[col] = scalarAt(rec.Column(col), row)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("fileengine: insert row %d: %w", row, err)
		}
	}
	return nil
}

func (w *writer) ApplyChange(ctx context.Context, kind accelerator.ChangeKind, row arrow.Record) error {
	switch kind {
	case accelerator.ChangeDelete:
		if len(w.t.opts.PrimaryKey) == 0 {
			return fmt.Errorf("fileengine: delete change requires a primary key on %s", w.t.name)
		}
		return w.deleteByKey(ctx, row)
	default:
		return w.InsertBatch(ctx, row)
	}
}

func (w *writer) deleteByKey(ctx context.Context, row arrow.Record) error {
	where := make([]string, 0, len(w.t.opts.PrimaryKey))
	args := make([]any, 0, len(w.t.opts.PrimaryKey))
	for _, key := range w.t.opts.PrimaryKey {
		idx := w.t.schema.FieldIndices(key)
		if len(idx) == 0 {
			return fmt.Errorf("fileengine: primary key column %q not in schema", key)
		}
		where = append(where, fmt.Sprintf("%q = ?", key))
		args = append(args, scalarAt(row.Column(idx[0]), 0))
	}
	stmt := fmt.Sprintf("DELETE FROM %q WHERE %s", w.t.name, strings.Join(where, " AND "))
	_, err := w.tx.ExecContext(ctx, stmt, args...)
	return err
}

func (w *writer) Truncate(ctx context.Context) error {
	_, err := w.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q", w.t.name))
	return err
}

func (w *writer) DeleteWhere(ctx context.Context, col string, lessThan any) (int64, error) {
	stmt := fmt.Sprintf("DELETE FROM %q WHERE %q < ?", w.t.name, col)
	res, err := w.tx.ExecContext(ctx, stmt, lessThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (w *writer) MaxValue(ctx context.Context, col string) (any, bool, error) {
	row := w.tx.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(%q) FROM %q", col, w.t.name))
	var v sql.NullString
	if err := row.Scan(&v); err != nil {
		return nil, false, err
	}
	if !v.Valid {
		return nil, false, nil
	}
	return v.String, true, nil
}

func (w *writer) Commit(ctx context.Context) error {
	return w.tx.Commit()
}

func (w *writer) Rollback(ctx context.Context) error {
	return w.tx.Rollback()
}

func scalarAt(col arrow.Array, row int) any {
	if col.IsNull(row) {
		return nil
	}
	return fmt.Sprintf("%v", col.ValueStr(row))
}
