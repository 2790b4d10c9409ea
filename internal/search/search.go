// Package search adapts Elasticsearch to the ingest pipeline.
//
// Every write is an update with doc_as_upsert keyed by the document id, and every
// delete targets explicit ids, so any call can be repeated safely.
//
// Index lifecycle:
//   - EnsureIndex creates an index with keyword mappings for the fields that
//     reconciliation and term lookups match on exactly.
//   - Bulk sends one batch of upserts and deletes as NDJSON.
//   - SearchAllIDs scrolls through every id tagged with a source.
//   - DeleteByIDs removes one chunk of stale ids with delete-by-query.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/prometheus/client_golang/prometheus"

	"search-ingest/internal/ingest"
	"search-ingest/internal/metrics"
)

// Operation timeouts. Each call gets its own deadline on top of the run's.
const (
	writeTimeout  = 2 * time.Minute
	searchTimeout = 1 * time.Minute
	deleteTimeout = 5 * time.Minute // delete-by-query over 10k ids can be slow
)

const (
	scrollKeepAlive = time.Minute
	scrollPageSize  = 10000
)

var _ ingest.Index = (*Client)(nil)

// Client wraps the Elasticsearch client with ingest-level operations.
type Client struct {
	es         *elasticsearch.Client
	termsIndex string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*settings)

type settings struct {
	transport  http.RoundTripper
	termsIndex string
	logger     *slog.Logger
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *settings) { s.transport = rt }
}

// WithTermsIndex names the index that gets the term mapping. Default "terms".
func WithTermsIndex(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.termsIndex = name
		}
	}
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates an Elasticsearch client pointed at the given URL.
func New(url string, opts ...Option) (*Client, error) {
	s := settings{
		termsIndex: ingest.DefaultTermsIndex,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}

	cfg := elasticsearch.Config{
		Addresses: []string{url},
		Transport: s.transport,
	}
	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("search: create client: %w", err)
	}
	return &Client{
		es:         es,
		termsIndex: s.termsIndex,
		logger:     s.logger.With("component", "search"),
	}, nil
}

func termsMapping() map[string]any {
	return map[string]any{
		"source": map[string]any{"type": "keyword"},
		"index":  map[string]any{"type": "keyword"},
		"field":  map[string]any{"type": "keyword"},
		"value":  map[string]any{"type": "text", "fields": map[string]any{"keyword": map[string]any{"type": "keyword"}}},
	}
}

// EnsureIndex creates index when it does not exist yet.
func (c *Client) EnsureIndex(ctx context.Context, index string) error {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.SearchRequestDuration.WithLabelValues("ensure_index"))
	defer timer.ObserveDuration()

	res, err := c.es.Indices.Exists([]string{index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("search: index exists request: %w", err)
	}
	res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("search: index exists [%s]", res.Status())
	}

	properties := map[string]any{
		ingest.SourceField: map[string]any{"type": "keyword"},
		"id":               map[string]any{"type": "keyword"},
	}
	if index == c.termsIndex {
		properties = termsMapping()
	}
	body, err := json.Marshal(map[string]any{"mappings": map[string]any{"properties": properties}})
	if err != nil {
		return err
	}

	res, err = c.es.Indices.Create(index,
		c.es.Indices.Create.WithBody(bytes.NewReader(body)),
		c.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("search: create index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		// Another run created it between the two calls.
		if bytes.Contains(body, []byte("resource_already_exists_exception")) {
			return nil
		}
		return fmt.Errorf("search: create index error [%s]: %s", res.Status(), body)
	}
	c.logger.Info("index created", "index", index)
	return nil
}

type bulkResponse struct {
	Errors bool                                `json:"errors"`
	Items  []map[string]bulkResponseItemResult `json:"items"`
}

type bulkResponseItemResult struct {
	Index  string `json:"_index"`
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// Bulk sends ops as one bulk request. A rejected item fails the whole call.
func (c *Client) Bulk(ctx context.Context, ops []ingest.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	body, err := EncodeBulk(ops)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.SearchRequestDuration.WithLabelValues("bulk"))
	defer timer.ObserveDuration()

	res, err := c.es.Bulk(bytes.NewReader(body), c.es.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("search: bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("search: bulk error [%s]: %s", res.Status(), body)
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("search: decode bulk response: %w", err)
	}
	if !br.Errors {
		return nil
	}

	failed := 0
	var first string
	for _, item := range br.Items {
		for action, r := range item {
			if r.Error == nil && (r.Status < 300 || (action == "delete" && r.Status == http.StatusNotFound)) {
				continue
			}
			failed++
			if first == "" {
				first = fmt.Sprintf("%s %s/%s [%d]", action, r.Index, r.ID, r.Status)
				if r.Error != nil {
					first += ": " + r.Error.Type + ": " + r.Error.Reason
				}
			}
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("search: bulk: %d of %d operations failed, first: %s", failed, len(ops), first)
}

// EncodeBulk renders ops as an NDJSON bulk body.
func EncodeBulk(ops []ingest.Operation) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]any{"_index": op.Index, "_id": op.ID}
		switch op.Action {
		case ingest.ActionDelete:
			if err := enc.Encode(map[string]any{"delete": meta}); err != nil {
				return nil, err
			}
		case ingest.ActionUpdate:
			if err := enc.Encode(map[string]any{"update": meta}); err != nil {
				return nil, err
			}
			if err := enc.Encode(map[string]any{"doc": op.Doc, "doc_as_upsert": true}); err != nil {
				return nil, fmt.Errorf("search: encode %s/%s: %w", op.Index, op.ID, err)
			}
		default:
			return nil, fmt.Errorf("search: unknown bulk action %q", op.Action)
		}
	}
	return buf.Bytes(), nil
}

type scrollResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchAllIDs returns the id of every document in index whose field equals value.
func (c *Client) SearchAllIDs(ctx context.Context, index, field, value string) ([]string, error) {
	timer := prometheus.NewTimer(metrics.SearchRequestDuration.WithLabelValues("search_ids"))
	defer timer.ObserveDuration()

	query, err := json.Marshal(map[string]any{
		"_source": false,
		"sort":    []string{"_doc"},
		"query":   map[string]any{"term": map[string]any{field: value}},
	})
	if err != nil {
		return nil, err
	}

	page, err := c.scrollPage(ctx, func(ctx context.Context) (*esapi.Response, error) {
		return c.es.Search(
			c.es.Search.WithContext(ctx),
			c.es.Search.WithIndex(index),
			c.es.Search.WithBody(bytes.NewReader(query)),
			c.es.Search.WithSize(scrollPageSize),
			c.es.Search.WithScroll(scrollKeepAlive),
		)
	})
	if err != nil {
		return nil, err
	}

	scrollID := page.ScrollID
	defer func() { c.clearScroll(scrollID) }()

	var ids []string
	for len(page.Hits.Hits) > 0 {
		for _, hit := range page.Hits.Hits {
			ids = append(ids, hit.ID)
		}
		if scrollID == "" {
			break
		}

		id := scrollID
		page, err = c.scrollPage(ctx, func(ctx context.Context) (*esapi.Response, error) {
			return c.es.Scroll(
				c.es.Scroll.WithContext(ctx),
				c.es.Scroll.WithScrollID(id),
				c.es.Scroll.WithScroll(scrollKeepAlive),
			)
		})
		if err != nil {
			return nil, err
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
	}
	return ids, nil
}

func (c *Client) scrollPage(ctx context.Context, do func(context.Context) (*esapi.Response, error)) (*scrollResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	res, err := do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: scroll request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search: scroll error [%s]: %s", res.Status(), body)
	}

	var page scrollResponse
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("search: decode scroll page: %w", err)
	}
	return &page, nil
}

func (c *Client) clearScroll(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := c.es.ClearScroll(
		c.es.ClearScroll.WithContext(ctx),
		c.es.ClearScroll.WithScrollID(id),
	)
	if err != nil {
		c.logger.Warn("clear scroll failed", "error", err)
		return
	}
	res.Body.Close()
}

// DeleteByIDs removes the given ids from index.
func (c *Client) DeleteByIDs(ctx context.Context, index string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"query": map[string]any{"ids": map[string]any{"values": ids}},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.SearchRequestDuration.WithLabelValues("delete_ids"))
	defer timer.ObserveDuration()

	res, err := c.es.DeleteByQuery([]string{index}, bytes.NewReader(body),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return fmt.Errorf("search: delete request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("search: delete error [%s]: %s", res.Status(), body)
	}

	var out struct {
		Deleted  int               `json:"deleted"`
		Failures []json.RawMessage `json:"failures"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("search: decode delete response: %w", err)
	}
	if len(out.Failures) > 0 {
		return fmt.Errorf("search: delete: %d failures, first: %s", len(out.Failures), out.Failures[0])
	}
	return nil
}

// ErrIndexNotFound is returned by Count for a missing index.
var ErrIndexNotFound = errors.New("search: index not found")

// Count returns how many documents in index have field equal to value.
// An empty field counts every document.
func (c *Client) Count(ctx context.Context, index, field, value string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.SearchRequestDuration.WithLabelValues("count"))
	defer timer.ObserveDuration()

	opts := []func(*esapi.CountRequest){
		c.es.Count.WithContext(ctx),
		c.es.Count.WithIndex(index),
	}
	if field != "" {
		query, err := json.Marshal(map[string]any{"query": map[string]any{"term": map[string]any{field: value}}})
		if err != nil {
			return 0, err
		}
		opts = append(opts, c.es.Count.WithBody(bytes.NewReader(query)))
	}

	res, err := c.es.Count(opts...)
	if err != nil {
		return 0, fmt.Errorf("search: count request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return 0, ErrIndexNotFound
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("search: count error [%s]: %s", res.Status(), body)
	}

	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("search: decode count: %w", err)
	}
	return out.Count, nil
}
