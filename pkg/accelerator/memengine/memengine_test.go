package memengine

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/block/accelerant/pkg/accelerator"
)

func buildRecord(t *testing.T, schema *arrow.Schema, values []int64) arrow.Record {
	t.Helper()
	pool := memory.DefaultAllocator
	b := array.NewInt64Builder(pool)
	defer b.Release()
	b.AppendValues(values, nil)
	col := b.NewArray()
	defer col.Release()
	return array.NewRecord(schema, []arrow.Array{col}, int64(len(values)))
}

func TestMemEngineFullSwap(t *testing.T) {
	ctx := context.Background()
	schema := arrow.NewSchema([]arrow.Field{{Name: "t", Type: arrow.PrimitiveTypes.Int64}}, nil)
	store := New()
	require.True(t, store.IsInitialized("ds"))
	require.NoError(t, store.Init(ctx, "ds"))

	provider, err := store.CreateExternalTable(ctx, "ds", schema, accelerator.TableOptions{})
	require.NoError(t, err)

	w, err := provider.Writer(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(ctx))
	rec := buildRecord(t, schema, []int64{1, 2, 3})
	defer rec.Release()
	require.NoError(t, w.InsertBatch(ctx, rec))
	require.NoError(t, w.Commit(ctx))

	max, ok, err := w.MaxValue(ctx, "t")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), max)

	deleted, err := w.DeleteWhere(ctx, "t", int64(2))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
}

func TestMemEngineApplyChangeDeleteRemovesMatchingRow(t *testing.T) {
	ctx := context.Background()
	schema := arrow.NewSchema([]arrow.Field{{Name: "t", Type: arrow.PrimitiveTypes.Int64}}, nil)
	store := New()
	provider, err := store.CreateExternalTable(ctx, "ds", schema, accelerator.TableOptions{PrimaryKey: []string{"t"}})
	require.NoError(t, err)

	w, err := provider.Writer(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Truncate(ctx))
	rec := buildRecord(t, schema, []int64{1, 2, 3})
	defer rec.Release()
	require.NoError(t, w.InsertBatch(ctx, rec))
	require.NoError(t, w.Commit(ctx))

	w2, err := provider.Writer(ctx)
	require.NoError(t, err)
	del := buildRecord(t, schema, []int64{2})
	defer del.Release()
	require.NoError(t, w2.ApplyChange(ctx, accelerator.ChangeDelete, del))
	require.NoError(t, w2.Commit(ctx))

	w3, err := provider.Writer(ctx)
	require.NoError(t, err)
	max, ok, err := w3.MaxValue(ctx, "t")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(3), max)
	deleted, err := w3.DeleteWhere(ctx, "t", int64(3))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted, "row 2 should already be gone, leaving only row 1 and 3")
}

func TestMemEngineRollbackDiscardsPending(t *testing.T) {
	ctx := context.Background()
	schema := arrow.NewSchema([]arrow.Field{{Name: "t", Type: arrow.PrimitiveTypes.Int64}}, nil)
	store := New()
	provider, err := store.CreateExternalTable(ctx, "ds", schema, accelerator.TableOptions{})
	require.NoError(t, err)

	w, err := provider.Writer(ctx)
	require.NoError(t, err)
	rec := buildRecord(t, schema, []int64{1, 2})
	defer rec.Release()
	require.NoError(t, w.InsertBatch(ctx, rec))
	require.NoError(t, w.Rollback(ctx))

	w2, err := provider.Writer(ctx)
	require.NoError(t, err)
	_, found, err := w2.MaxValue(ctx, "t")
	require.NoError(t, err)
	require.False(t, found)
}
