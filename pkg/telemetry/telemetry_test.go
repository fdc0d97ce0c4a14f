package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/block/accelerant/pkg/dataset"
)

func TestHistoryRingBufferCapsAndOrders(t *testing.T) {
	h := NewHistory(2)
	name := dataset.Name{Table: "orders"}

	for i := 0; i < 3; i++ {
		h.RecordRefresh(Event{Dataset: name, RowsWritten: int64(i), At: time.Now()})
	}

	recent := h.Recent(name)
	require.Len(t, recent, 2)
	require.Equal(t, int64(1), recent[0].RowsWritten)
	require.Equal(t, int64(2), recent[1].RowsWritten)
}

func TestPrometheusSinkRecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	name := dataset.Name{Table: "orders"}

	sink.RecordRefresh(Event{Dataset: name, Success: true, RowsWritten: 5, At: time.Now()})

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestMultiSinkFansOutToAll(t *testing.T) {
	h1 := NewHistory(5)
	h2 := NewHistory(5)
	multi := MultiSink{h1, h2}
	name := dataset.Name{Table: "orders"}

	multi.RecordRefresh(Event{Dataset: name, At: time.Now()})

	require.Len(t, h1.Recent(name), 1)
	require.Len(t, h2.Recent(name), 1)
}
