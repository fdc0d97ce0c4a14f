package refresh

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/block/accelerant/pkg/accelerator"
	"github.com/block/accelerant/pkg/accelerator/memengine"
	"github.com/block/accelerant/pkg/connector"
	"github.com/block/accelerant/pkg/dataset"
	"github.com/block/accelerant/pkg/federated"
)

var testSchema = arrow.NewSchema([]arrow.Field{{Name: "t", Type: arrow.PrimitiveTypes.Int64}}, nil)

type fakeReader struct {
	schema *arrow.Schema
	batch  arrow.Record
	served bool
}

func (f *fakeReader) Schema() *arrow.Schema { return f.schema }
func (f *fakeReader) Next(ctx context.Context) (arrow.Record, error) {
	if f.served || f.batch == nil {
		return nil, io.EOF
	}
	f.served = true
	f.batch.Retain()
	return f.batch, nil
}
func (f *fakeReader) Close() error { return nil }

type fakeProvider struct {
	schema *arrow.Schema
	rows   []int64
}

func (p *fakeProvider) Schema(ctx context.Context) (*arrow.Schema, error) { return p.schema, nil }
func (p *fakeProvider) Scan(ctx context.Context, q connector.Query) (connector.RecordReader, error) {
	if len(p.rows) == 0 {
		return &fakeReader{schema: p.schema}, nil
	}
	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(p.rows, nil)
	col := b.NewArray()
	defer col.Release()
	rec := array.NewRecord(p.schema, []arrow.Array{col}, int64(len(p.rows)))
	return &fakeReader{schema: p.schema, batch: rec}, nil
}

type fakeConnector struct{ provider *fakeProvider }

func (c *fakeConnector) ReadProvider(ctx context.Context, path string, params map[string]string) (connector.TableProvider, error) {
	return c.provider, nil
}
func (c *fakeConnector) ReadWriteProvider(ctx context.Context, path string, params map[string]string) (connector.TableProvider, bool, error) {
	return nil, false, nil
}
func (c *fakeConnector) ChangesStream(ctx context.Context, path string, params map[string]string) (connector.ChangesStream, error) {
	return nil, nil
}

func newFederated(t *testing.T, rows []int64) *federated.Table {
	t.Helper()
	provider := &fakeProvider{schema: testSchema, rows: rows}
	connector.Register("fakesrc-"+t.Name(), func(map[string]string) (connector.Connector, error) {
		return &fakeConnector{provider: provider}, nil
	})
	return federated.New(dataset.From{Source: "fakesrc-" + t.Name(), Path: "t"}, nil)
}

func TestTaskFullHappyPath(t *testing.T) {
	ctx := context.Background()
	fed := newFederated(t, []int64{1, 2, 3})
	store := memengine.New()
	provider, err := store.CreateExternalTable(ctx, "ds", testSchema, accelerator.TableOptions{})
	require.NoError(t, err)

	task := &Task{}
	out, err := task.Run(ctx, Input{
		Federated:   fed,
		Accelerator: provider,
		Policy:      Snapshot{Mode: dataset.RefreshFull},
		FirstRun:    true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), out.RowsWritten)
}

func TestTaskAppendEmptyWindowIsNotError(t *testing.T) {
	ctx := context.Background()
	fed := newFederated(t, nil)
	store := memengine.New()
	provider, err := store.CreateExternalTable(ctx, "ds", testSchema, accelerator.TableOptions{})
	require.NoError(t, err)

	task := &Task{}
	out, err := task.Run(ctx, Input{
		Federated:   fed,
		Accelerator: provider,
		Policy:      Snapshot{Mode: dataset.RefreshAppend, TimeColumn: "t", AppendOverlap: 3 * time.Second},
		FirstRun:    true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), out.RowsWritten)
}

func TestTaskSchemaMismatchIsFatalButNonCorrupting(t *testing.T) {
	ctx := context.Background()
	badSchema := arrow.NewSchema([]arrow.Field{{Name: "t", Type: arrow.BinaryTypes.String}}, nil)
	fed := newFederated(t, nil)
	provider := &fakeProvider{schema: badSchema}
	connector.Register("fakesrc-"+t.Name()+"-mismatch", func(map[string]string) (connector.Connector, error) {
		return &fakeConnector{provider: provider}, nil
	})
	fed = federated.New(dataset.From{Source: "fakesrc-" + t.Name() + "-mismatch", Path: "t"}, nil)

	store := memengine.New()
	accProvider, err := store.CreateExternalTable(ctx, "ds", testSchema, accelerator.TableOptions{})
	require.NoError(t, err)
	w, err := accProvider.Writer(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(ctx))
	b := array.NewInt64Builder(memory.DefaultAllocator)
	b.AppendValues([]int64{1}, nil)
	col := b.NewArray()
	rec := array.NewRecord(testSchema, []arrow.Array{col}, 1)
	require.NoError(t, w.InsertBatch(ctx, rec))
	require.NoError(t, w.Commit(ctx))
	rec.Release()
	col.Release()
	b.Release()

	task := &Task{}
	_, err = task.Run(ctx, Input{
		Federated:   fed,
		Accelerator: accProvider,
		Policy:      Snapshot{Mode: dataset.RefreshFull},
		FirstRun:    true,
	})
	require.Error(t, err)

	w2, err := accProvider.Writer(ctx)
	require.NoError(t, err)
	max, found, err := w2.MaxValue(ctx, "t")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), max)
}
