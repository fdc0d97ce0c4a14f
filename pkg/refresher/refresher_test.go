package refresher

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/block/accelerant/pkg/accelerator"
	"github.com/block/accelerant/pkg/accelerator/memengine"
	"github.com/block/accelerant/pkg/cache"
	"github.com/block/accelerant/pkg/checkpoint"
	"github.com/block/accelerant/pkg/connector"
	"github.com/block/accelerant/pkg/dataset"
	"github.com/block/accelerant/pkg/federated"
	"github.com/block/accelerant/pkg/runner"
)

var refresherTestSchema = arrow.NewSchema([]arrow.Field{{Name: "t", Type: arrow.PrimitiveTypes.Int64}}, nil)

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

func newFederatedFixture(t *testing.T) *federated.Table {
	t.Helper()
	b := array.NewInt64Builder(memory.DefaultAllocator)
	b.AppendValues([]int64{1, 2}, nil)
	col := b.NewArray()
	rec := array.NewRecord(refresherTestSchema, []arrow.Array{col}, 2)
	t.Cleanup(func() { rec.Release(); col.Release(); b.Release() })

	connector.Register("refreshertest-"+t.Name(), func(map[string]string) (connector.Connector, error) {
		return &conn{provider: &provider{schema: refresherTestSchema, rec: rec}}, nil
	})
	return federated.New(dataset.From{Source: "refreshertest-" + t.Name(), Path: "t"}, nil)
}

func TestRefresherBecomesReadyAfterFirstLoad(t *testing.T) {
	ctx := context.Background()
	fed := newFederatedFixture(t)
	store := memengine.New()
	acc, err := store.CreateExternalTable(ctx, "ds", refresherTestSchema, accelerator.TableOptions{})
	require.NoError(t, err)

	spec := dataset.Spec{
		Name:         dataset.Name{Table: "ds"},
		Acceleration: &dataset.Acceleration{Enabled: true, RefreshMode: dataset.RefreshFull},
	}
	checkpoints := checkpoint.NewMemStore()
	invalidator := cache.NewLRU()

	r := New(spec.Name, spec, fed, acc, checkpoints, invalidator, nil)
	r.Start(ctx)
	defer r.Close()

	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("refresher never became ready")
	}
	require.Equal(t, stateReady, r.getState())

	row, found, err := checkpoints.Read(ctx, "ds")
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, row.SchemaFingerprint)
}

func TestRefresherSynchronizeWithHandsOffAndTerminates(t *testing.T) {
	ctx := context.Background()
	fed := newFederatedFixture(t)
	store := memengine.New()
	acc, err := store.CreateExternalTable(ctx, "ds", refresherTestSchema, accelerator.TableOptions{})
	require.NoError(t, err)

	spec := dataset.Spec{
		Name:         dataset.Name{Table: "ds"},
		Acceleration: &dataset.Acceleration{Enabled: true, RefreshMode: dataset.RefreshFull},
	}

	r := New(spec.Name, spec, fed, acc, nil, nil, nil)
	target := &fakeHandoff{}
	r.SynchronizeWith(target)
	r.Start(ctx)
	defer r.Close()

	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("refresher never became ready")
	}

	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.followers) == 1
	}, time.Second, 10*time.Millisecond)
}

type fakeHandoff struct {
	mu        sync.Mutex
	followers []string
}

func (f *fakeHandoff) AddFollower(fl runner.Follower) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followers = append(f.followers, fl.Name.String())
}
