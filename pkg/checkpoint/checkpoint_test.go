package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"
)

func TestMemStoreWriteRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, found, err := s.Read(ctx, "orders")
	require.NoError(t, err)
	require.False(t, found)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Write(ctx, Row{DatasetName: "orders", LastRefresh: now, SchemaFingerprint: "abc"}))

	row, found, err := s.Read(ctx, "orders")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "abc", row.SchemaFingerprint)
	require.True(t, now.Equal(row.LastRefresh))
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)
	b := arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithType(t *testing.T) {
	a := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.BinaryTypes.String}}, nil)
	require.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
