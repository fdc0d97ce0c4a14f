package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/block/accelerant/pkg/dataset"
)

func TestLRUInvalidationBumpsEpoch(t *testing.T) {
	ctx := context.Background()
	c := NewLRU()
	name := dataset.Name{Table: "orders"}

	before := c.Epoch(name)

	tick := before.at
	timeNow = func() time.Time { tick = tick.Add(time.Second); return tick }
	defer func() { timeNow = time.Now }()

	require.NoError(t, c.InvalidateForTable(ctx, name))
	after := c.Epoch(name)

	require.False(t, after.Valid(before))
}
