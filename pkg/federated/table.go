// Package federated provides a one-shot, lazily-resolved handle onto a
// remote TableProvider. It never rebinds in place: a reconfigured
// dataset gets a brand new Table from the owning registry.
package federated

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/block/accelerant/pkg/connector"
	"github.com/block/accelerant/pkg/dataset"
)

// Table is a lazy handle onto a remote connector.TableProvider.
type Table struct {
	sourceTag string
	path      string
	params    map[string]string

	once       sync.Once
	conn       connector.Connector
	resolved   connector.TableProvider
	resolveErr error
}

// New constructs a Table for the given parsed "from" and param set. No
// connector work happens until Schema or Provider is first called.
func New(from dataset.From, params map[string]string) *Table {
	return &Table{sourceTag: from.Source, path: from.Path, params: params}
}

// SourceTag returns the connector source tag this table resolves
// against, used for telemetry labeling.
func (t *Table) SourceTag() string { return t.sourceTag }

func (t *Table) resolve(ctx context.Context) (connector.TableProvider, error) {
	t.once.Do(func() {
		c, err := connector.New(t.sourceTag, t.params)
		if err != nil {
			t.resolveErr = fmt.Errorf("federated: resolve connector %q: %w", t.sourceTag, err)
			return
		}
		t.conn = c
		provider, err := c.ReadProvider(ctx, t.path, t.params)
		if err != nil {
			t.resolveErr = fmt.Errorf("federated: resolve provider for %q: %w", t.path, err)
			return
		}
		t.resolved = provider
	})
	return t.resolved, t.resolveErr
}

// Path returns the parsed path component this table resolves against,
// used to build default query text (e.g. "SELECT * FROM <path>").
func (t *Table) Path() string { return t.path }

// ChangesStream opens a change-data-capture stream for Changes-mode
// datasets, resolving the underlying connector first if necessary.
func (t *Table) ChangesStream(ctx context.Context) (connector.ChangesStream, error) {
	if _, err := t.resolve(ctx); err != nil {
		return nil, err
	}
	return t.conn.ChangesStream(ctx, t.path, t.params)
}

// ReadWriteProvider resolves a writable provider for ReadWrite-mode
// datasets, if the connector offers one.
func (t *Table) ReadWriteProvider(ctx context.Context) (connector.TableProvider, bool, error) {
	if _, err := t.resolve(ctx); err != nil {
		return nil, false, err
	}
	return t.conn.ReadWriteProvider(ctx, t.path, t.params)
}

// Schema resolves the remote schema through the connector provider's
// Schema call. Whether that streams data depends on the connector: the
// mysql connector issues a LIMIT 0 query, while the graphql connector
// fetches the full response and infers the schema from its rows.
func (t *Table) Schema(ctx context.Context) (*arrow.Schema, error) {
	provider, err := t.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return provider.Schema(ctx)
}

// Provider returns the resolved connector.TableProvider, resolving it
// on first call if necessary.
func (t *Table) Provider(ctx context.Context) (connector.TableProvider, error) {
	return t.resolve(ctx)
}
