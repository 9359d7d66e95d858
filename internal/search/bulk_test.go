package search

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Sebastian25gb/nubla-siem/internal/metrics"
)

type fakeBulkClient struct {
	mu        sync.Mutex
	payloads  [][]byte
	pipelines []string
	bulkFn    func(ndjson []byte) (*BulkResult, error)
}

var _ BulkClient = (*fakeBulkClient)(nil)

func (f *fakeBulkClient) Bulk(_ context.Context, ndjson []byte, pipeline string) (*BulkResult, error) {
	cp := append([]byte(nil), ndjson...)
	f.mu.Lock()
	f.payloads = append(f.payloads, cp)
	f.pipelines = append(f.pipelines, pipeline)
	f.mu.Unlock()

	if f.bulkFn != nil {
		return f.bulkFn(cp)
	}
	// Default: every action succeeds.
	n := bytes.Count(cp, []byte("\n")) / 2
	items := make([]BulkItem, n)
	for i := range items {
		items[i] = BulkItem{Index: "logs-test", Status: 201}
	}
	return &BulkResult{Took: 1, Items: items}, nil
}

func (f *fakeBulkClient) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeBulkClient) payload(i int) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.payloads[i]), f.pipelines[i]
}

func buildBulkIndexer(t *testing.T, client BulkClient, cfg BulkConfig) (*BulkIndexer, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewBulkIndexer(client, cfg, m, zaptest.NewLogger(t)), m
}

func TestBulkIndexerFlushesOnSize(t *testing.T) {
	fake := &fakeBulkClient{}
	// The interval is effectively off; only the size trigger can fire.
	b, m := buildBulkIndexer(t, fake, BulkConfig{MaxItems: 2, MaxInterval: time.Hour, Pipeline: "tenant-router"})
	b.Start()

	require.NoError(t, b.Add("logs-acme", "acme", map[string]string{"tenant_id": "acme"}))
	require.NoError(t, b.Add("logs-globex", "globex", map[string]string{"tenant_id": "globex"}))

	require.Eventually(t, func() bool { return fake.flushCount() == 1 }, time.Second, 5*time.Millisecond)
	b.Close()

	require.Equal(t, 1, fake.flushCount(), "closing an empty buffer must not flush again")
	payload, pipeline := fake.payload(0)
	assert.Equal(t, "tenant-router", pipeline)

	lines := strings.Split(strings.TrimRight(payload, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"index":{"_index":"logs-acme"}}`, lines[0])
	assert.JSONEq(t, `{"tenant_id":"acme"}`, lines[1])
	assert.JSONEq(t, `{"index":{"_index":"logs-globex"}}`, lines[2])
	assert.JSONEq(t, `{"tenant_id":"globex"}`, lines[3])

	assert.Equal(t, float64(1), testutil.ToFloat64(m.BulkFlushes))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsIndexed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsIndexedByTenant.WithLabelValues("acme")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsIndexedByTenant.WithLabelValues("globex")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.BufferSize))
}

func TestBulkIndexerFlushesOnInterval(t *testing.T) {
	fake := &fakeBulkClient{}
	b, m := buildBulkIndexer(t, fake, BulkConfig{MaxItems: 100, MaxInterval: 20 * time.Millisecond})
	b.Start()

	require.NoError(t, b.Add("logs-acme", "acme", map[string]string{"tenant_id": "acme"}))

	require.Eventually(t, func() bool { return fake.flushCount() == 1 }, time.Second, 5*time.Millisecond)
	b.Close()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsIndexed))
}

func TestBulkIndexerCloseFlushesRemainder(t *testing.T) {
	fake := &fakeBulkClient{}
	b, m := buildBulkIndexer(t, fake, BulkConfig{MaxItems: 100, MaxInterval: time.Hour})
	b.Start()

	for _, tenant := range []string{"acme", "acme", "globex"} {
		require.NoError(t, b.Add("logs-"+tenant, tenant, map[string]string{"tenant_id": tenant}))
	}
	b.Close()

	require.Equal(t, 1, fake.flushCount())
	payload, _ := fake.payload(0)
	assert.Equal(t, 6, strings.Count(payload, "\n"))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.EventsIndexed))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsIndexedByTenant.WithLabelValues("acme")))
}

func TestBulkIndexerDropsBatchOnRequestFailure(t *testing.T) {
	fake := &fakeBulkClient{bulkFn: func([]byte) (*BulkResult, error) {
		return nil, errors.New("backend unreachable")
	}}
	b, m := buildBulkIndexer(t, fake, BulkConfig{MaxItems: 2, MaxInterval: time.Hour})
	b.Start()

	require.NoError(t, b.Add("logs-acme", "acme", map[string]string{"tenant_id": "acme"}))
	require.NoError(t, b.Add("logs-acme", "acme", map[string]string{"tenant_id": "acme"}))
	b.Close()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsIndexFailed))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EventsIndexed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BulkFlushes))
}

func TestBulkIndexerCountsPerItemFailures(t *testing.T) {
	fake := &fakeBulkClient{bulkFn: func([]byte) (*BulkResult, error) {
		return &BulkResult{
			Took:   3,
			Errors: true,
			Items: []BulkItem{
				{Index: "logs-acme", Status: 201},
				{Index: "logs-acme", Status: 429, Err: "es_rejected_execution_exception: queue full"},
			},
		}, nil
	}}
	b, m := buildBulkIndexer(t, fake, BulkConfig{MaxItems: 2, MaxInterval: time.Hour})
	b.Start()

	require.NoError(t, b.Add("logs-acme", "acme", map[string]string{"tenant_id": "acme"}))
	require.NoError(t, b.Add("logs-acme", "acme", map[string]string{"tenant_id": "acme"}))
	b.Close()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsIndexed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsIndexFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsIndexedByTenant.WithLabelValues("acme")))
}

func TestBulkIndexerCloseIsIdempotent(t *testing.T) {
	fake := &fakeBulkClient{}
	b, _ := buildBulkIndexer(t, fake, BulkConfig{})
	b.Start()
	b.Close()
	b.Close()
}
