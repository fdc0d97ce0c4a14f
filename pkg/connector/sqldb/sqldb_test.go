package sqldb

import (
	"context"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/block/accelerant/pkg/connector"
)

func TestArrowTypeForMapsKnownMySQLTypes(t *testing.T) {
	require.Equal(t, arrow.PrimitiveTypes.Int64, arrowTypeFor("BIGINT"))
	require.Equal(t, arrow.PrimitiveTypes.Float64, arrowTypeFor("decimal"))
	require.Equal(t, arrow.FixedWidthTypes.Timestamp_us, arrowTypeFor("DATETIME"))
	require.Equal(t, arrow.FixedWidthTypes.Date32, arrowTypeFor("DATE"))
	require.Equal(t, arrow.BinaryTypes.String, arrowTypeFor("JSON"))
}

func TestParseConfigRequiresDSN(t *testing.T) {
	_, err := parseConfig(map[string]string{})
	require.Error(t, err)

	cfg, err := parseConfig(map[string]string{"dsn": "user:pass@tcp(127.0.0.1:3306)/db", "batch_size": "16"})
	require.NoError(t, err)
	require.Equal(t, 16, cfg.batchSize)
}

func TestTableProviderScanReadsRowsIntoArrowBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SET time_zone").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET sql_mode").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SET NAMES").WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow("1", "first").
		AddRow("2", "second")
	mock.ExpectQuery("SELECT \\* FROM orders").WillReturnRows(rows)

	p := &tableProvider{db: db, cfg: config{batchSize: 10}, table: "orders"}
	reader, err := p.Scan(context.Background(), connector.Query{})
	require.NoError(t, err)
	defer reader.Close()

	rec, err := reader.Next(context.Background())
	require.NoError(t, err)
	defer rec.Release()
	require.Equal(t, int64(2), rec.NumRows())

	_, err = reader.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, mock.ExpectationsWereMet())
}
