package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Sebastian25gb/nubla-siem/internal/metrics"
)

const (
	// DefaultBulkMaxItems flushes the buffer when it reaches this size.
	DefaultBulkMaxItems = 500
	// DefaultBulkMaxInterval flushes a non-empty buffer at least this often.
	DefaultBulkMaxInterval = time.Second
)

// BulkClient is the slice of the search client the bulk indexer needs.
type BulkClient interface {
	Bulk(ctx context.Context, ndjson []byte, pipeline string) (*BulkResult, error)
}

// BulkConfig tunes the bulk indexer buffer.
type BulkConfig struct {
	MaxItems    int
	MaxInterval time.Duration
	Pipeline    string
}

type bulkAction struct {
	index  string
	tenant string
	doc    json.RawMessage
}

// BulkIndexer batches documents into _bulk requests. A single goroutine
// owns the buffer; producers hand actions over a bounded channel, so Add
// applies backpressure when flushing falls behind.
//
// Lifecycle: Start launches the flush goroutine, Close drains the channel,
// flushes the remainder best-effort and waits for the goroutine to exit.
// Close must only be called after all producers have stopped.
type BulkIndexer struct {
	client  BulkClient
	cfg     BulkConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	ch        chan bulkAction
	done      chan struct{}
	closeOnce sync.Once
}

// NewBulkIndexer builds the indexer; zero config fields fall back to defaults.
func NewBulkIndexer(client BulkClient, cfg BulkConfig, m *metrics.Metrics, logger *zap.Logger) *BulkIndexer {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultBulkMaxItems
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultBulkMaxInterval
	}
	return &BulkIndexer{
		client:  client,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		ch:      make(chan bulkAction, cfg.MaxItems),
		done:    make(chan struct{}),
	}
}

// Start launches the flush goroutine.
func (b *BulkIndexer) Start() {
	go b.run()
}

// Add queues one document for the next flush. Blocks when the channel is
// full until the flush goroutine catches up.
func (b *BulkIndexer) Add(index, tenant string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document for %s: %w", index, err)
	}
	b.ch <- bulkAction{index: index, tenant: tenant, doc: body}
	return nil
}

// Close stops the indexer after draining queued actions and flushing the
// remainder. Safe to call more than once.
func (b *BulkIndexer) Close() {
	b.closeOnce.Do(func() { close(b.ch) })
	<-b.done
}

func (b *BulkIndexer) run() {
	defer close(b.done)

	buf := make([]bulkAction, 0, b.cfg.MaxItems)
	ticker := time.NewTicker(b.cfg.MaxInterval)
	defer ticker.Stop()

	for {
		select {
		case action, ok := <-b.ch:
			if !ok {
				b.flush(buf)
				b.metrics.BufferSize.Set(0)
				return
			}
			buf = append(buf, action)
			b.metrics.BufferSize.Set(float64(len(buf)))
			if len(buf) >= b.cfg.MaxItems {
				buf = b.flush(buf)
				ticker.Reset(b.cfg.MaxInterval)
			}
		case <-ticker.C:
			if len(buf) > 0 {
				buf = b.flush(buf)
			}
		}
	}
}

// flush issues one _bulk request for the buffered actions and returns the
// emptied buffer. Whole-request failures drop the batch; per-item failures
// drop the item. Neither is retried here, failed documents are recoverable
// from the broker side of the pipeline.
func (b *BulkIndexer) flush(buf []bulkAction) []bulkAction {
	if len(buf) == 0 {
		return buf
	}

	var payload bytes.Buffer
	for _, a := range buf {
		meta, _ := json.Marshal(map[string]any{"index": map[string]string{"_index": a.index}})
		payload.Write(meta)
		payload.WriteByte('\n')
		payload.Write(a.doc)
		payload.WriteByte('\n')
	}

	b.metrics.BulkFlushes.Inc()
	result, err := b.client.Bulk(context.Background(), payload.Bytes(), b.cfg.Pipeline)
	if err != nil {
		b.metrics.EventsIndexFailed.Add(float64(len(buf)))
		b.logger.Error("bulk flush failed, dropping batch",
			zap.Int("actions", len(buf)),
			zap.Error(err))
		b.metrics.BufferSize.Set(0)
		return buf[:0]
	}

	for i, item := range result.Items {
		if i >= len(buf) {
			break
		}
		if item.Failed() {
			b.metrics.EventsIndexFailed.Inc()
			b.logger.Warn("bulk action rejected",
				zap.String("index", item.Index),
				zap.Int("status", item.Status),
				zap.String("error", item.Err))
			continue
		}
		b.metrics.RecordIndexed(buf[i].tenant)
	}

	b.logger.Debug("bulk flush",
		zap.Int("actions", len(buf)),
		zap.Int("took_ms", result.Took),
		zap.Bool("errors", result.Errors))
	b.metrics.BufferSize.Set(0)
	return buf[:0]
}
