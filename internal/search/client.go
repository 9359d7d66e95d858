// Package search wraps the OpenSearch-compatible backend behind a small
// client used by the ingestion pipeline and the admin tooling.
//
// Design principles:
//   - One client per process, constructed in main and passed as a handle.
//   - Transport-level retries are disabled; the bounded retry policy for
//     single-document indexing lives here where it can be metered.
//   - Works against OpenSearch and Elasticsearch 7.x wire-compatible APIs.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"go.uber.org/zap"

	"github.com/Sebastian25gb/nubla-siem/internal/metrics"
)

const (
	// DefaultTimeout bounds every backend round trip.
	DefaultTimeout = 30 * time.Second
	// DefaultRetries is the total number of single-document index attempts.
	DefaultRetries = 3
	// DefaultRetryBackoff is the base sleep between attempts; attempt n
	// sleeps base × (n+1).
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Config carries the backend connection settings.
type Config struct {
	Host         string
	Username     string
	Password     string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	c.Host = NormalizeURL(c.Host)
	return c
}

// NormalizeURL turns the accepted host spellings into a full URL:
// bare host → http://host:9200, host:port → http://host:port, and
// anything already carrying a scheme passes through unchanged.
func NormalizeURL(host string) string {
	h := strings.TrimRight(strings.TrimSpace(host), "/")
	if h == "" {
		return "http://localhost:9200"
	}
	if strings.Contains(h, "://") {
		return h
	}
	if strings.Contains(h, ":") {
		return "http://" + h
	}
	return "http://" + h + ":9200"
}

// Client is the process-wide handle to the search backend.
type Client struct {
	os      *opensearch.Client
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewClient builds the backend client and probes it with an Info call so a
// dead backend fails the process at startup instead of on the first event.
func NewClient(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()

	osc, err := opensearch.NewClient(opensearch.Config{
		Addresses:    []string{cfg.Host},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build search client for %s: %w", cfg.Host, err)
	}

	c := &Client{os: osc, cfg: cfg, metrics: m, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	info, err := c.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe search backend %s: %w", cfg.Host, err)
	}
	logger.Info("search backend connected",
		zap.String("host", cfg.Host),
		zap.String("cluster", info.ClusterName),
		zap.String("version", info.Version.Number))
	return c, nil
}

// ClusterInfo is the subset of GET / the pipeline cares about.
type ClusterInfo struct {
	Name        string `json:"name"`
	ClusterName string `json:"cluster_name"`
	Version     struct {
		Number       string `json:"number"`
		Distribution string `json:"distribution"`
	} `json:"version"`
}

// Info fetches the root endpoint.
func (c *Client) Info(ctx context.Context) (*ClusterInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := opensearchapi.InfoRequest{}.Do(ctx, c.os)
	if err != nil {
		return nil, fmt.Errorf("info: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, responseError("info", resp)
	}
	var info ClusterInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode info response: %w", err)
	}
	return &info, nil
}

// Ping reports backend liveness.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := opensearchapi.PingRequest{}.Do(ctx, c.os)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return responseError("ping", resp)
	}
	return nil
}

// IndexOptions tune a single-document index request.
type IndexOptions struct {
	Pipeline string
	Refresh  string
}

// Index writes one document with bounded retries. Retries counts total
// attempts; every failed attempt except the last sleeps backoff × (attempt+1)
// and increments the retry counter, the last returns the error as-is.
func (c *Client) Index(ctx context.Context, index string, doc any, opts IndexOptions) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document for %s: %w", index, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		lastErr = c.indexOnce(ctx, index, body, opts)
		if lastErr == nil {
			return nil
		}
		if attempt == c.cfg.Retries-1 {
			break
		}
		c.metrics.IndexRetries.Inc()
		c.logger.Warn("index attempt failed, retrying",
			zap.String("index", index),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))

		backoff := c.cfg.RetryBackoff * time.Duration(attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("index into %s after %d attempts: %w", index, c.cfg.Retries, lastErr)
}

func (c *Client) indexOnce(ctx context.Context, index string, body []byte, opts IndexOptions) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := opensearchapi.IndexRequest{
		Index:    index,
		Body:     bytes.NewReader(body),
		Pipeline: opts.Pipeline,
		Refresh:  opts.Refresh,
	}.Do(ctx, c.os)
	c.metrics.IndexLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return responseError("index "+index, resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// BulkItem is the outcome of one action inside a bulk response.
type BulkItem struct {
	Index  string
	Status int
	Err    string
}

// Failed reports whether the action was rejected by the backend.
func (it BulkItem) Failed() bool { return it.Status >= 300 || it.Status == 0 }

// BulkResult summarizes a bulk round trip.
type BulkResult struct {
	Took   int
	Errors bool
	Items  []BulkItem
}

// Bulk submits an NDJSON payload. The caller is responsible for
// interpreting per-item outcomes; a non-nil error means the whole request
// failed and nothing was indexed.
func (c *Client) Bulk(ctx context.Context, ndjson []byte, pipeline string) (*BulkResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := opensearchapi.BulkRequest{
		Body:     bytes.NewReader(ndjson),
		Pipeline: pipeline,
	}.Do(ctx, c.os)
	c.metrics.IndexLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("bulk: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, responseError("bulk", resp)
	}

	var raw struct {
		Took   int  `json:"took"`
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Index  string `json:"_index"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	result := &BulkResult{Took: raw.Took, Errors: raw.Errors, Items: make([]BulkItem, 0, len(raw.Items))}
	for _, item := range raw.Items {
		// Each entry has a single key named after the action (always
		// "index" for this pipeline).
		for _, outcome := range item {
			it := BulkItem{Index: outcome.Index, Status: outcome.Status}
			if outcome.Error != nil {
				it.Err = outcome.Error.Type + ": " + outcome.Error.Reason
			}
			result.Items = append(result.Items, it)
		}
	}
	return result, nil
}

// ── alias administration ──────────────────────────────────────────────────

// AliasIndex is one concrete index behind an alias.
type AliasIndex struct {
	Index      string `json:"index"`
	WriteIndex bool   `json:"is_write_index"`
}

// AliasState is the resolved view of one alias.
type AliasState struct {
	Alias      string       `json:"alias"`
	Indices    []AliasIndex `json:"indices"`
	WriteIndex string       `json:"write_index,omitempty"`
}

// Alias resolves alias to its concrete indices and write index.
func (c *Client) Alias(ctx context.Context, alias string) (*AliasState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := opensearchapi.IndicesGetAliasRequest{Name: []string{alias}}.Do(ctx, c.os)
	if err != nil {
		return nil, fmt.Errorf("get alias %s: %w", alias, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return nil, fmt.Errorf("alias %s not found", alias)
	}
	if resp.IsError() {
		return nil, responseError("get alias "+alias, resp)
	}

	var raw map[string]struct {
		Aliases map[string]struct {
			IsWriteIndex bool `json:"is_write_index"`
		} `json:"aliases"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode alias response: %w", err)
	}

	state := &AliasState{Alias: alias}
	for index, entry := range raw {
		meta, ok := entry.Aliases[alias]
		if !ok {
			continue
		}
		state.Indices = append(state.Indices, AliasIndex{Index: index, WriteIndex: meta.IsWriteIndex})
		if meta.IsWriteIndex {
			state.WriteIndex = index
		}
	}
	sort.Slice(state.Indices, func(i, j int) bool { return state.Indices[i].Index < state.Indices[j].Index })
	return state, nil
}

// UpdateAliases applies an atomic set of alias actions
// (add/remove/remove_index objects per the _aliases API).
func (c *Client) UpdateAliases(ctx context.Context, actions []map[string]any) error {
	body, err := json.Marshal(map[string]any{"actions": actions})
	if err != nil {
		return fmt.Errorf("encode alias actions: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := opensearchapi.IndicesUpdateAliasesRequest{Body: bytes.NewReader(body)}.Do(ctx, c.os)
	if err != nil {
		return fmt.Errorf("update aliases: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return responseError("update aliases", resp)
	}
	return nil
}

// Count returns the number of documents under index (a name or alias).
func (c *Client) Count(ctx context.Context, index string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := opensearchapi.CountRequest{Index: []string{index}}.Do(ctx, c.os)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", index, err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return 0, responseError("count "+index, resp)
	}
	var raw struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return raw.Count, nil
}

// IndexExists reports whether the concrete index (or alias) exists.
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := opensearchapi.IndicesExistsRequest{Index: []string{index}}.Do(ctx, c.os)
	if err != nil {
		return false, fmt.Errorf("index exists %s: %w", index, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case 200:
		return true, nil
	case 404:
		return false, nil
	default:
		return false, responseError("index exists "+index, resp)
	}
}

// Mapping fetches the raw mapping document for index.
func (c *Client) Mapping(ctx context.Context, index string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := opensearchapi.IndicesGetMappingRequest{Index: []string{index}}.Do(ctx, c.os)
	if err != nil {
		return nil, fmt.Errorf("get mapping %s: %w", index, err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return nil, responseError("get mapping "+index, resp)
	}
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode mapping response: %w", err)
	}
	return raw, nil
}

// CreateIndex creates a concrete index; body (settings/mappings/aliases)
// may be nil.
func (c *Client) CreateIndex(ctx context.Context, index string, body map[string]any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode index body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := opensearchapi.IndicesCreateRequest{Index: index, Body: reader}.Do(ctx, c.os)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return responseError("create index "+index, resp)
	}
	return nil
}

// responseError turns a non-2xx backend response into an error carrying a
// trimmed body snippet.
func responseError(op string, resp *opensearchapi.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return fmt.Errorf("%s: backend returned %s", op, resp.Status())
	}
	return fmt.Errorf("%s: backend returned %s: %s", op, resp.Status(), msg)
}
