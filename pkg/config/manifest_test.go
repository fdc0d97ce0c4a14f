package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/block/accelerant/pkg/dataset"
)

const sampleManifest = `
datasets:
  - name: sales.orders
    from: mysql://orders
    time_column: created_at
    time_format: timestamp
    acceleration:
      enabled: true
      mode: memory
      refresh_mode: append
      refresh_check_interval: 30s
      append_overlap: 5s
  - name: sales.orders_view
    from: sink
    depends_on:
      - sales.orders
    acceleration:
      enabled: true
      mode: memory
      refresh_mode: full
`

func TestParseManifest(t *testing.T) {
	specs, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)
	require.Len(t, specs, 2)

	orders := specs[0]
	require.Equal(t, dataset.Name{Schema: "sales", Table: "orders"}, orders.Name)
	require.Equal(t, dataset.RefreshAppend, orders.Acceleration.RefreshMode)
	require.Equal(t, dataset.TimeFormatTimestamp, orders.TimeFormat)

	view := specs[1]
	require.Equal(t, []dataset.Name{orders.Name}, view.DependsOn)
}

func TestParseManifestRejectsUnknownRefreshMode(t *testing.T) {
	_, err := Parse([]byte(`
datasets:
  - name: bad
    from: mysql://bad
    acceleration:
      enabled: true
      mode: memory
      refresh_mode: nonsense
`))
	require.Error(t, err)
}
