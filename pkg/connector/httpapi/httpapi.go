// Package httpapi is a connector.Connector for GraphQL HTTP endpoints.
// It is registered under the "graphql" tag.
//
// Grounded on original_source/crates/runtime/src/dataconnector/graphql.rs
// and original_source/crates/data_components/src/graphql/builder.rs: a
// single POST of {"query": ...}, a json_path used to walk down to the
// rows array in the response body, and Basic/Bearer auth selected from
// params. Reimplemented with stdlib net/http + encoding/json rather
// than a third-party GraphQL client; see DESIGN.md for why.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cenkalti/backoff/v4"

	"github.com/block/accelerant/pkg/connector"
)

func init() {
	connector.Register("graphql", NewConnector)
}

type auth struct {
	kind  string // "basic", "bearer", or "" for none
	user  string
	pass  string
	token string
}

type graphQLConnector struct {
	client   *http.Client
	endpoint string
	auth     auth
}

// NewConnector builds a GraphQL connector. Recognized params: "query"
// (required, the GraphQL document), "json_path" (required, dot-
// separated path to the rows array within the response body),
// "auth_token" (bearer auth), "auth_user"/"auth_pass" (basic auth),
// "timeout" (Go duration string, default 30s).
func NewConnector(params map[string]string) (connector.Connector, error) {
	timeout := 30 * time.Second
	if v, ok := params["timeout"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("httpapi: timeout: %w", err)
		}
		timeout = d
	}
	a := auth{}
	switch {
	case params["auth_token"] != "":
		a.kind = "bearer"
		a.token = params["auth_token"]
	case params["auth_user"] != "":
		a.kind = "basic"
		a.user = params["auth_user"]
		a.pass = params["auth_pass"]
	}
	return &graphQLConnector{
		client: &http.Client{Timeout: timeout},
		auth:   a,
	}, nil
}

func (c *graphQLConnector) ReadProvider(ctx context.Context, path string, params map[string]string) (connector.TableProvider, error) {
	query, ok := params["query"]
	if !ok {
		return nil, fmt.Errorf("httpapi: missing required param %q", "query")
	}
	jsonPath, ok := params["json_path"]
	if !ok {
		return nil, fmt.Errorf("httpapi: missing required param %q", "json_path")
	}
	return &tableProvider{c: c, endpoint: path, query: query, jsonPath: jsonPath}, nil
}

// ReadWriteProvider is unsupported: GraphQL endpoints are always
// treated as read-only sources.
func (c *graphQLConnector) ReadWriteProvider(ctx context.Context, path string, params map[string]string) (connector.TableProvider, bool, error) {
	return nil, false, nil
}

func (c *graphQLConnector) ChangesStream(ctx context.Context, path string, params map[string]string) (connector.ChangesStream, error) {
	return nil, fmt.Errorf("httpapi: changes stream not supported for %q", path)
}

type tableProvider struct {
	c        *graphQLConnector
	endpoint string
	query    string
	jsonPath string
}

func (p *tableProvider) Schema(ctx context.Context) (*arrow.Schema, error) {
	rows, err := p.fetchRows(ctx)
	if err != nil {
		return nil, err
	}
	return inferSchema(rows)
}

func (p *tableProvider) Scan(ctx context.Context, q connector.Query) (connector.RecordReader, error) {
	rows, err := p.fetchRows(ctx)
	if err != nil {
		return nil, err
	}
	schema, err := inferSchema(rows)
	if err != nil {
		return nil, err
	}
	return &rowSliceReader{rows: rows, schema: schema}, nil
}

// graphqlError mirrors the "errors" array the GraphQL spec puts at the
// top level of a response body, reported alongside HTTP 200.
type graphqlError struct {
	Message string `json:"message"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

func (p *tableProvider) fetchRows(ctx context.Context) ([]map[string]any, error) {
	body, err := json.Marshal(map[string]string{"query": p.query})
	if err != nil {
		return nil, fmt.Errorf("httpapi: marshal query: %w", err)
	}

	var raw []byte
	err = withRetry(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		applyAuth(req, p.c.auth)

		resp, doErr := p.c.client.Do(req)
		if doErr != nil {
			return doErr // network errors are retryable
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("httpapi: upstream returned %d: %w", resp.StatusCode, connector.ErrRateLimited)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("httpapi: upstream returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("httpapi: upstream returned %d: %s", resp.StatusCode, string(data)))
		}
		raw = data
		return nil
	})
	if err != nil {
		return nil, err
	}

	var parsed graphqlResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("httpapi: decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("httpapi: graphql error: %s", parsed.Errors[0].Message)
	}

	var cursor any = map[string]any{}
	if err := json.Unmarshal(parsed.Data, &cursor); err != nil {
		return nil, fmt.Errorf("httpapi: decode data: %w", err)
	}
	for _, key := range strings.Split(p.jsonPath, ".") {
		obj, ok := cursor.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("httpapi: json_path segment %q: not an object", key)
		}
		cursor, ok = obj[key]
		if !ok {
			return nil, fmt.Errorf("httpapi: json_path segment %q not found", key)
		}
	}

	switch v := cursor.(type) {
	case []any:
		rows := make([]map[string]any, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("httpapi: row is not an object")
			}
			rows = append(rows, obj)
		}
		return rows, nil
	case map[string]any:
		return []map[string]any{v}, nil
	case nil:
		return nil, fmt.Errorf("httpapi: json_path %q resolved to null", p.jsonPath)
	default:
		return nil, fmt.Errorf("httpapi: json_path %q resolved to a primitive value", p.jsonPath)
	}
}

func applyAuth(req *http.Request, a auth) {
	switch a.kind {
	case "basic":
		req.SetBasicAuth(a.user, a.pass)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

func withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(op, policy)
}

// inferSchema builds an Arrow schema from the union of keys observed
// across rows, typing each field from its first non-null occurrence.
// Numbers become float64, booleans bool, everything else string -
// GraphQL responses carry no column typing of their own beyond what
// JSON itself expresses.
func inferSchema(rows []map[string]any) (*arrow.Schema, error) {
	order := make([]string, 0)
	seen := make(map[string]arrow.DataType)
	for _, row := range rows {
		for k, v := range row {
			if _, ok := seen[k]; ok {
				continue
			}
			if v == nil {
				continue
			}
			order = append(order, k)
			seen[k] = arrowTypeForValue(v)
		}
	}
	fields := make([]arrow.Field, len(order))
	for i, name := range order {
		fields[i] = arrow.Field{Name: name, Type: seen[name], Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowTypeForValue(v any) arrow.DataType {
	switch v.(type) {
	case float64:
		return arrow.PrimitiveTypes.Float64
	case bool:
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

// rowSliceReader hands back the entire result set as a single Arrow
// record; GraphQL responses are not paginated by this connector so
// there is exactly one batch to stream.
type rowSliceReader struct {
	rows     []map[string]any
	schema   *arrow.Schema
	consumed bool
}

func (r *rowSliceReader) Schema() *arrow.Schema { return r.schema }

func (r *rowSliceReader) Next(ctx context.Context) (arrow.Record, error) {
	if r.consumed {
		return nil, io.EOF
	}
	r.consumed = true
	if len(r.rows) == 0 {
		return nil, io.EOF
	}

	pool := memory.DefaultAllocator
	builders := make([]array.Builder, len(r.schema.Fields()))
	for i, f := range r.schema.Fields() {
		builders[i] = array.NewBuilder(pool, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range r.rows {
		for i, f := range r.schema.Fields() {
			appendJSONValue(builders[i], f.Type, row[f.Name])
		}
	}

	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecord(r.schema, cols, int64(len(r.rows))), nil
}

func (r *rowSliceReader) Close() error { return nil }

func appendJSONValue(b array.Builder, t arrow.DataType, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch bb := b.(type) {
	case *array.Float64Builder:
		if f, ok := v.(float64); ok {
			bb.Append(f)
			return
		}
	case *array.BooleanBuilder:
		if bv, ok := v.(bool); ok {
			bb.Append(bv)
			return
		}
	case *array.StringBuilder:
		bb.Append(stringify(v))
		return
	}
	b.AppendNull()
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
