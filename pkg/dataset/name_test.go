package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	n, err := ParseName("orders")
	require.NoError(t, err)
	assert.Equal(t, Name{Table: "orders"}, n)
	assert.Equal(t, "orders", n.String())

	n, err = ParseName("app.orders")
	require.NoError(t, err)
	assert.Equal(t, Name{Schema: "app", Table: "orders"}, n)
	assert.Equal(t, "app.orders", n.String())

	_, err = ParseName("cat.app.orders")
	require.ErrorIs(t, err, ErrCatalogSegmentNotAllowed)

	_, err = ParseName("9orders")
	require.Error(t, err)
}

func TestParseFrom(t *testing.T) {
	cases := []struct {
		raw  string
		want From
	}{
		{"mysrc://t", From{Source: "mysrc", Path: "t"}},
		{"mysrc:t", From{Source: "mysrc", Path: "t"}},
		{"mysrc/t", From{Source: "mysrc", Path: "t"}},
		{"", From{Source: SinkNamespace}},
		{"sink", From{Source: SinkNamespace}},
		{"orders", From{Source: DefaultRemoteNamespace, Path: "orders"}},
	}
	for _, c := range cases {
		got := ParseFrom(c.raw)
		assert.Equal(t, c.want, got, "from=%q", c.raw)
	}
}
