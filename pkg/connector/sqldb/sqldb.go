// Package sqldb is a connector.Connector for relational databases
// reachable over database/sql. It is registered under the "mysql" tag
// and speaks MySQL-family wire protocol via go-sql-driver/mysql.
//
// A fixed set of session variables is pinned on every connection so
// that timestamp and charset handling is consistent between what the
// source database holds and what lands in the accelerator, and a
// fixed set of MySQL error numbers (lock wait timeout, deadlock,
// connection failure or loss, read-only) gates a retry. Retries are
// driven by cenkalti/backoff/v4, the module's standard retry mechanism
// (see pkg/refresh/task.go).
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/block/accelerant/pkg/connector"
)

func init() {
	connector.Register("mysql", NewConnector)
}

// config is the subset of connection settings relevant to a read
// path, plus the DSN; it arrives as a single manifest param since
// connectors are configured generically.
type config struct {
	dsn          string
	maxOpenConns int
	batchSize    int
}

func parseConfig(params map[string]string) (config, error) {
	cfg := config{
		dsn:          params["dsn"],
		maxOpenConns: 10,
		batchSize:    2048,
	}
	if cfg.dsn == "" {
		return config{}, fmt.Errorf("sqldb: missing required param %q", "dsn")
	}
	if v, ok := params["max_open_conns"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return config{}, fmt.Errorf("sqldb: max_open_conns: %w", err)
		}
		cfg.maxOpenConns = n
	}
	if v, ok := params["batch_size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return config{}, fmt.Errorf("sqldb: batch_size: %w", err)
		}
		cfg.batchSize = n
	}
	return cfg, nil
}

// mysqlConnector is a connector.Connector backed by a single
// *sql.DB connection pool shared across every path/table it is asked
// to resolve a provider for.
type mysqlConnector struct {
	db  *sql.DB
	cfg config
}

// NewConnector opens (but does not ping) a connection pool for the
// given manifest params. It is registered under the "mysql" connector
// kind.
func NewConnector(params map[string]string) (connector.Connector, error) {
	cfg, err := parseConfig(params)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.maxOpenConns)
	db.SetConnMaxLifetime(3 * time.Minute)
	return &mysqlConnector{db: db, cfg: cfg}, nil
}

func (c *mysqlConnector) ReadProvider(ctx context.Context, path string, params map[string]string) (connector.TableProvider, error) {
	return &tableProvider{db: c.db, cfg: c.cfg, table: path}, nil
}

// ReadWriteProvider is unsupported: accelerated tables never write
// back to the source database, only to the accelerator store.
func (c *mysqlConnector) ReadWriteProvider(ctx context.Context, path string, params map[string]string) (connector.TableProvider, bool, error) {
	return nil, false, nil
}

func (c *mysqlConnector) ChangesStream(ctx context.Context, path string, params map[string]string) (connector.ChangesStream, error) {
	return nil, fmt.Errorf("sqldb: changes stream not supported for %q, use the binlog connector", path)
}

type tableProvider struct {
	db    *sql.DB
	cfg   config
	table string
}

func (p *tableProvider) Schema(ctx context.Context) (*arrow.Schema, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", p.table))
	if err != nil {
		return nil, fmt.Errorf("sqldb: schema query: %w", err)
	}
	defer rows.Close()
	return schemaFromColumnTypes(rows)
}

func (p *tableProvider) Scan(ctx context.Context, q connector.Query) (connector.RecordReader, error) {
	sqlText := q.SQL
	if sqlText == "" {
		sqlText = fmt.Sprintf("SELECT * FROM %s", p.table)
	}
	var conn *sql.Conn
	var rows *sql.Rows
	err := withRetry(ctx, func() error {
		var connErr, queryErr error
		conn, connErr = p.db.Conn(ctx)
		if connErr != nil {
			return connErr
		}
		if stdErr := standardizeConn(ctx, conn); stdErr != nil {
			conn.Close()
			return stdErr
		}
		rows, queryErr = conn.QueryContext(ctx, sqlText)
		if queryErr != nil {
			conn.Close()
			return queryErr
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqldb: scan %q: %w", p.table, err)
	}
	schema, err := schemaFromColumnTypes(rows)
	if err != nil {
		rows.Close()
		conn.Close()
		return nil, err
	}
	return &rowsReader{conn: conn, rows: rows, schema: schema, batchSize: p.cfg.batchSize}, nil
}

// rowsReader adapts a *sql.Rows cursor into connector.RecordReader,
// materializing one Arrow record per batchSize rows consumed. It owns
// the dedicated *sql.Conn the rows were opened on (standardizeConn
// pins session variables per-connection) and releases it back to the
// pool on Close.
type rowsReader struct {
	conn      *sql.Conn
	rows      *sql.Rows
	schema    *arrow.Schema
	batchSize int
}

func (r *rowsReader) Schema() *arrow.Schema { return r.schema }

func (r *rowsReader) Next(ctx context.Context) (arrow.Record, error) {
	pool := memory.DefaultAllocator
	builders := make([]array.Builder, len(r.schema.Fields()))
	for i, f := range r.schema.Fields() {
		builders[i] = array.NewBuilder(pool, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	dest := make([]any, len(r.schema.Fields()))
	for i := range dest {
		dest[i] = newScanDest(r.schema.Field(i).Type)
	}

	var n int
	for n < r.batchSize {
		if !r.rows.Next() {
			if err := r.rows.Err(); err != nil {
				return nil, err
			}
			break
		}
		if err := r.rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("sqldb: scan row: %w", err)
		}
		for i, d := range dest {
			appendScanned(builders[i], d)
		}
		n++
	}
	if n == 0 {
		return nil, io.EOF
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecord(r.schema, cols, int64(n)), nil
}

func (r *rowsReader) Close() error {
	rowsErr := r.rows.Close()
	connErr := r.conn.Close()
	if rowsErr != nil {
		return rowsErr
	}
	return connErr
}

// schemaFromColumnTypes maps *sql.Rows column metadata to an Arrow
// schema, using the narrow type set the accelerator engines already
// support (int64/float64/string/timestamp); anything else is widened
// to string rather than dropped.
func schemaFromColumnTypes(rows *sql.Rows) (*arrow.Schema, error) {
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("sqldb: column types: %w", err)
	}
	fields := make([]arrow.Field, len(cts))
	for i, ct := range cts {
		nullable := true
		if n, ok := ct.Nullable(); ok {
			nullable = n
		}
		fields[i] = arrow.Field{Name: ct.Name(), Type: arrowTypeFor(ct.DatabaseTypeName()), Nullable: nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowTypeFor(dbType string) arrow.DataType {
	switch strings.ToUpper(dbType) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT", "YEAR":
		return arrow.PrimitiveTypes.Int64
	case "FLOAT", "DOUBLE", "DECIMAL", "NUMERIC":
		return arrow.PrimitiveTypes.Float64
	case "DATETIME", "TIMESTAMP":
		return arrow.FixedWidthTypes.Timestamp_us
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	default:
		return arrow.BinaryTypes.String
	}
}

func newScanDest(t arrow.DataType) any {
	switch t.ID() {
	case arrow.INT64:
		return new(sql.NullInt64)
	case arrow.FLOAT64:
		return new(sql.NullFloat64)
	case arrow.TIMESTAMP, arrow.DATE32:
		return new(sql.NullTime)
	default:
		return new(sql.NullString)
	}
}

func appendScanned(b array.Builder, d any) {
	switch v := d.(type) {
	case *sql.NullInt64:
		if v.Valid {
			b.(*array.Int64Builder).Append(v.Int64)
		} else {
			b.AppendNull()
		}
	case *sql.NullFloat64:
		if v.Valid {
			b.(*array.Float64Builder).Append(v.Float64)
		} else {
			b.AppendNull()
		}
	case *sql.NullTime:
		if !v.Valid {
			b.AppendNull()
			return
		}
		switch bb := b.(type) {
		case *array.TimestampBuilder:
			bb.Append(arrow.Timestamp(v.Time.UnixMicro()))
		case *array.Date32Builder:
			bb.Append(arrow.Date32FromTime(v.Time))
		}
	case *sql.NullString:
		if v.Valid {
			b.(*array.StringBuilder).Append(v.String)
		} else {
			b.AppendNull()
		}
	}
}

// standardizeConn pins session variables on every connection so that
// reading a source table for acceleration observes the same time zone
// and character set regardless of server defaults.
func standardizeConn(ctx context.Context, conn *sql.Conn) error {
	for _, stmt := range []string{
		"SET time_zone='+00:00'",
		"SET sql_mode=''",
		"SET NAMES 'utf8mb4'",
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqldb: standardize conn: %w", err)
		}
	}
	return nil
}

// MySQL error numbers treated as transient: lock wait timeout (1205),
// deadlock (1213), can't connect (2003), connection lost (2013), and
// the two read-only errors (1290, 1836).
var retryableErrNumbers = map[uint16]bool{
	1205: true,
	1213: true,
	2003: true,
	2013: true,
	1290: true,
	1836: true,
}

func isRetryable(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return retryableErrNumbers[mysqlErr.Number]
	}
	return false
}

func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
