package fileengine

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/block/accelerant/pkg/accelerator"
)

// sqlTypeFor maps an Arrow physical type onto the nearest SQLite storage
// class. SQLite's type affinity system makes this lossy by design: it is
// only used to pick a sensible column affinity, not to enforce width.
func sqlTypeFor(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return "INTEGER"
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return "REAL"
	case arrow.STRING, arrow.LARGE_STRING:
		return "TEXT"
	case arrow.TIMESTAMP:
		return "TIMESTAMP"
	case arrow.DATE32, arrow.DATE64:
		return "DATE"
	case arrow.BOOL:
		return "BOOLEAN"
	default:
		return "BLOB"
	}
}

func createTableDDL(tableName string, schema *arrow.Schema, opts accelerator.TableOptions) (string, error) {
	if schema.NumFields() == 0 {
		return "", fmt.Errorf("fileengine: schema for %s has no columns", tableName)
	}
	cols := make([]string, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		cols = append(cols, fmt.Sprintf("%q %s", f.Name, sqlTypeFor(f.Type)))
	}
	if len(opts.PrimaryKey) > 0 {
		cols = append(cols, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoteAll(opts.PrimaryKey), ", ")))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", tableName, strings.Join(cols, ", ")), nil
}
