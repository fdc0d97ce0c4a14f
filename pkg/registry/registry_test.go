package registry

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/block/accelerant/pkg/accelerator/fileengine"
	_ "github.com/block/accelerant/pkg/accelerator/memengine"
	"github.com/block/accelerant/pkg/checkpoint"
	"github.com/block/accelerant/pkg/connector"
	"github.com/block/accelerant/pkg/dataset"
)

var registryTestSchema = arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)

type onceReader struct {
	schema *arrow.Schema
	rec    arrow.Record
	served bool
}

func (r *onceReader) Schema() *arrow.Schema { return r.schema }
func (r *onceReader) Next(ctx context.Context) (arrow.Record, error) {
	if r.served {
		return nil, io.EOF
	}
	r.served = true
	r.rec.Retain()
	return r.rec, nil
}
func (r *onceReader) Close() error { return nil }

type provider struct {
	schema *arrow.Schema
	rec    arrow.Record
}

func (p *provider) Schema(ctx context.Context) (*arrow.Schema, error) { return p.schema, nil }
func (p *provider) Scan(ctx context.Context, q connector.Query) (connector.RecordReader, error) {
	return &onceReader{schema: p.schema, rec: p.rec}, nil
}

type conn struct{ provider *provider }

func (c *conn) ReadProvider(ctx context.Context, path string, params map[string]string) (connector.TableProvider, error) {
	return c.provider, nil
}
func (c *conn) ReadWriteProvider(ctx context.Context, path string, params map[string]string) (connector.TableProvider, bool, error) {
	return nil, false, nil
}
func (c *conn) ChangesStream(ctx context.Context, path string, params map[string]string) (connector.ChangesStream, error) {
	return nil, nil
}

func registerFixtureConnector(t *testing.T, tag string) {
	t.Helper()
	b := array.NewInt64Builder(memory.DefaultAllocator)
	b.AppendValues([]int64{1}, nil)
	col := b.NewArray()
	rec := array.NewRecord(registryTestSchema, []arrow.Array{col}, 1)
	t.Cleanup(func() { rec.Release(); col.Release(); b.Release() })
	connector.Register(tag, func(map[string]string) (connector.Connector, error) {
		return &conn{provider: &provider{schema: registryTestSchema, rec: rec}}, nil
	})
}

func TestRegistryLoadOrdersByDependsOn(t *testing.T) {
	ctx := context.Background()
	registerFixtureConnector(t, "regtest-"+t.Name())

	base := dataset.Spec{
		Name:         dataset.Name{Table: "base"},
		From:         "regtest-" + t.Name() + "://base",
		Acceleration: &dataset.Acceleration{Enabled: true, RefreshMode: dataset.RefreshFull},
	}
	dependent := dataset.Spec{
		Name:         dataset.Name{Table: "dependent"},
		From:         "regtest-" + t.Name() + "://dependent",
		Acceleration: &dataset.Acceleration{Enabled: true, RefreshMode: dataset.RefreshFull},
		DependsOn:    []dataset.Name{base.Name},
	}

	reg := New(nil, nil, nil)
	require.NoError(t, reg.Load(ctx, []dataset.Spec{dependent, base}))
	defer func() {
		for _, n := range reg.List() {
			reg.Remove(n)
		}
	}()

	require.Len(t, reg.List(), 2)
	at, ok := reg.Get(base.Name)
	require.True(t, ok)
	select {
	case <-at.Refresher.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("base never became ready")
	}
}

func TestRegistryWiresDurableCheckpointForFileEngine(t *testing.T) {
	ctx := context.Background()
	registerFixtureConnector(t, "regtest-"+t.Name())
	dataDir := t.TempDir()

	spec := dataset.Spec{
		Name: dataset.Name{Table: "filebacked"},
		From: "regtest-" + t.Name() + "://filebacked",
		Acceleration: &dataset.Acceleration{
			Enabled:      true,
			Mode:         dataset.AccelerationFile,
			Engine:       "sqlite",
			EngineParams: map[string]string{"data_dir": dataDir},
			RefreshMode:  dataset.RefreshFull,
		},
	}

	reg := New(nil, checkpoint.NewMemStore(), nil)
	require.NoError(t, reg.Load(ctx, []dataset.Spec{spec}))
	at, ok := reg.Get(spec.Name)
	require.True(t, ok)
	select {
	case <-at.Refresher.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("filebacked never became ready")
	}
	reg.Remove(spec.Name)

	// A fresh Store pointed at the same data_dir sees the checkpoint
	// row the first registry's Refresher wrote on success - proving the
	// dataset's durable checkpoint lives in its own SQLite file rather
	// than in the (now-discarded) in-process MemStore passed to New.
	store := fileengine.New(dataDir)
	db, err := store.DB(spec.Name.String())
	require.NoError(t, err)
	sqlStore, err := checkpoint.NewSQLStore(ctx, db, "")
	require.NoError(t, err)
	_, found, err := sqlStore.Read(ctx, spec.Name.String())
	require.NoError(t, err)
	require.True(t, found, "file-engine dataset's checkpoint should be durable, not only in the registry's MemStore")
}

func TestRegistryLoadDetectsCycle(t *testing.T) {
	ctx := context.Background()
	a := dataset.Spec{Name: dataset.Name{Table: "a"}, DependsOn: []dataset.Name{{Table: "b"}}}
	b := dataset.Spec{Name: dataset.Name{Table: "b"}, DependsOn: []dataset.Name{{Table: "a"}}}

	reg := New(nil, nil, nil)
	err := reg.Load(ctx, []dataset.Spec{a, b})
	require.Error(t, err)
	var cycleErr *ErrDependencyCycle
	require.ErrorAs(t, err, &cycleErr)
}
