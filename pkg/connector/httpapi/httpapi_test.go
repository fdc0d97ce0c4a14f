package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/block/accelerant/pkg/connector"
)

func TestTableProviderScanWalksJSONPathAndBuildsRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		resp := map[string]any{
			"data": map[string]any{
				"repository": map[string]any{
					"issues": []map[string]any{
						{"id": "1", "title": "first", "count": float64(3)},
						{"id": "2", "title": "second", "count": float64(5)},
					},
				},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := NewConnector(map[string]string{"auth_token": "secret-token"})
	require.NoError(t, err)

	provider, err := c.ReadProvider(context.Background(), srv.URL, map[string]string{
		"query":     "{ repository { issues { id title count } } }",
		"json_path": "repository.issues",
	})
	require.NoError(t, err)

	schema, err := provider.Schema(context.Background())
	require.NoError(t, err)
	require.Len(t, schema.Fields(), 3)

	reader, err := provider.Scan(context.Background(), connector.Query{})
	require.NoError(t, err)
	defer reader.Close()

	rec, err := reader.Next(context.Background())
	require.NoError(t, err)
	defer rec.Release()
	require.Equal(t, int64(2), rec.NumRows())

	_, err = reader.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestFetchRowsReturnsGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"errors": []map[string]any{{"message": "field not found"}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := NewConnector(nil)
	require.NoError(t, err)
	provider, err := c.ReadProvider(context.Background(), srv.URL, map[string]string{
		"query":     "{ bad }",
		"json_path": "bad",
	})
	require.NoError(t, err)

	_, err = provider.Schema(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "field not found")
}
