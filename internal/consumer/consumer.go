// Package consumer implements the AMQP delivery loop that turns raw vendor
// log lines into validated canonical events in the search backend.
//
// Design principles:
//   - Manual acks with bounded prefetch for backpressure control.
//   - Every delivery reaches exactly one terminal state: ack after a
//     successful index (or bulk enqueue), or a rejection to the DLX.
//   - Rejections carry a machine-readable reason in metrics and in the
//     x-reject-reason header so the DLQ stays debuggable.
//   - processBody is kept free of broker types for unit-testability;
//     handleDelivery owns ack/nack.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Sebastian25gb/nubla-siem/internal/event"
	"github.com/Sebastian25gb/nubla-siem/internal/metrics"
	"github.com/Sebastian25gb/nubla-siem/internal/normalizer"
	"github.com/Sebastian25gb/nubla-siem/internal/schema"
	"github.com/Sebastian25gb/nubla-siem/internal/search"
	"github.com/Sebastian25gb/nubla-siem/internal/tenant"
)

// consumerTag identifies this process on the broker's consumer list.
const consumerTag = "nubla-ingest-consumer"

// Rejection reasons attached to the x-reject-reason header and the
// per-reason rejection counter.
const (
	ReasonMissingTenant       = "missing_tenant_id"
	ReasonValidationFailed    = "validation_failed"
	ReasonUnknownTenant       = "unknown_tenant_id"
	ReasonIndexFailed         = "index_failed"
	ReasonProcessingException = "processing_exception"
)

// Channel is the slice of the AMQP channel the consumer drives. Satisfied
// by *amqp.Channel.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// SearchIndexer writes one document with bounded retries. Satisfied by
// *search.Client.
type SearchIndexer interface {
	Index(ctx context.Context, index string, doc any, opts search.IndexOptions) error
}

// BulkAdder queues one document for batched indexing. Satisfied by
// *search.BulkIndexer.
type BulkAdder interface {
	Add(index, tenant string, doc any) error
}

// Deps are the collaborators the consumer drives. Bulk may be nil when
// batching is disabled; Validator may be nil when the schema failed to
// load (degraded mode, validation skipped).
type Deps struct {
	Indexer   SearchIndexer
	Bulk      BulkAdder
	Validator *schema.Validator
	Registry  *tenant.Registry
	Hosts     *tenant.HostMap
	Metrics   *metrics.Metrics
}

// Options tune the delivery loop.
type Options struct {
	Queue         string
	Prefetch      int
	DLX           string
	RoutingKey    string // fallback when a delivery carries no routing key
	Pipeline      string // ingest pipeline attached to indexed documents
	UseManualDLX  bool
	UseBulk       bool
	RequireTenant bool
	DefaultTenant string
}

// Consumer owns the delivery-processing goroutine.
type Consumer struct {
	ch     Channel
	deps   Deps
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
	done   chan struct{}
}

// New constructs a Consumer.
func New(ch Channel, deps Deps, opts Options, logger *zap.Logger) *Consumer {
	return &Consumer{
		ch:     ch,
		deps:   deps,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("ingest-consumer"),
		done:   make(chan struct{}),
	}
}

// Start registers the consumer on the queue and launches the processing
// loop in a background goroutine. It returns immediately; the loop stops
// when ctx is cancelled or the delivery channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch %d: %w", c.opts.Prefetch, err)
	}
	deliveries, err := c.ch.Consume(c.opts.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.opts.Queue, err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.opts.Queue),
		zap.Int("prefetch", c.opts.Prefetch),
		zap.Bool("bulk", c.opts.UseBulk),
		zap.Bool("manual_dlx", c.opts.UseManualDLX),
	)

	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer stopping")
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn("delivery channel closed")
					return
				}
				c.handleDelivery(ctx, d)
			}
		}
	}()

	return nil
}

// Done is closed once the processing goroutine has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// ── delivery dispatch ─────────────────────────────────────────────────────

// handleDelivery drives one delivery to its terminal state. processBody
// stays pure; all ack/nack/publish decisions happen here.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	c.deps.Metrics.EventsProcessed.Inc()

	ctx, span := c.tracer.Start(ctx, "ingest.consume")
	defer span.End()

	err := c.processBody(ctx, d.Body)
	if err == nil {
		if err := d.Ack(false); err != nil {
			c.logger.Error("ack failed", zap.Error(err))
		}
		return
	}

	var rej *rejectError
	if !errors.As(err, &rej) {
		rej = &rejectError{reason: ReasonProcessingException, err: err}
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String("reject.reason", rej.reason))
	c.reject(d, rej)
}

// processBody runs the normalization pipeline over one message body.
// A nil return means the event was indexed (or queued for the next bulk
// flush); any error is a *rejectError carrying the rejection reason.
func (c *Consumer) processBody(ctx context.Context, body []byte) error {
	// ── 1. Decode ─────────────────────────────────────────────────────────
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return &rejectError{reason: ReasonProcessingException, err: fmt.Errorf("unmarshal body: %w", err)}
	}

	// ── 2. Normalize ──────────────────────────────────────────────────────
	start := time.Now()
	ev := normalizer.Normalize(raw)
	c.applyHostTenantMapping(ev)
	event.NormalizeSeverity(ev)
	c.deps.Metrics.NormalizerLatency.Observe(time.Since(start).Seconds())

	// ── 3. Tenant gate ────────────────────────────────────────────────────
	if c.opts.RequireTenant && strings.TrimSpace(ev.TenantID) == "" {
		return &rejectError{reason: ReasonMissingTenant, err: errors.New("tenant_id missing")}
	}
	event.Prepare(ev, c.opts.DefaultTenant)

	// ── 4. Validate against the canonical schema ──────────────────────────
	if c.deps.Validator != nil {
		if errs := c.deps.Validator.Validate(ev); len(errs) > 0 {
			c.deps.Metrics.EventsValidationFailed.Inc()
			return &rejectError{
				reason:  ReasonValidationFailed,
				err:     fmt.Errorf("%d schema violations", len(errs)),
				details: schema.TopErrors(errs, 5),
			}
		}
	}

	// ── 5. Tenant registry check ──────────────────────────────────────────
	if !c.deps.Registry.IsValid(ev.TenantID) {
		return &rejectError{reason: ReasonUnknownTenant, err: fmt.Errorf("tenant %q not in registry", ev.TenantID)}
	}

	// ── 6. Index ──────────────────────────────────────────────────────────
	index := "logs-" + ev.TenantID
	if c.opts.UseBulk && c.deps.Bulk != nil {
		// Ack happens right after the enqueue; the bulk indexer owns
		// the document from here.
		if err := c.deps.Bulk.Add(index, ev.TenantID, ev); err != nil {
			return &rejectError{reason: ReasonProcessingException, err: err}
		}
		return nil
	}

	start = time.Now()
	if err := c.deps.Indexer.Index(ctx, index, ev, search.IndexOptions{Pipeline: c.opts.Pipeline}); err != nil {
		c.deps.Metrics.EventsIndexFailed.Inc()
		return &rejectError{reason: ReasonIndexFailed, err: err}
	}
	c.deps.Metrics.EventIndexLatency.Observe(time.Since(start).Seconds())
	c.deps.Metrics.RecordIndexed(ev.TenantID)
	return nil
}

// applyHostTenantMapping overrides a missing or placeholder tenant with the
// host→tenant mapping, keyed by host, then host_name, then the raw devname.
func (c *Consumer) applyHostTenantMapping(ev *event.Event) {
	if c.deps.Hosts == nil || c.deps.Hosts.Size() == 0 {
		return
	}
	id := strings.TrimSpace(ev.TenantID)
	if id != "" && id != "default" {
		return
	}
	host := ev.Host
	if host == "" {
		host = ev.HostName
	}
	if host == "" && ev.Original != nil {
		host = ev.Original.RawKV["devname"]
	}
	if host == "" {
		return
	}
	if mapped, _ := c.deps.Hosts.Lookup(host); mapped != "" {
		ev.TenantID = mapped
		c.logger.Debug("host mapped to tenant",
			zap.String("host", host),
			zap.String("tenant_id", mapped),
		)
	}
}

// ── rejection ─────────────────────────────────────────────────────────────

// reject routes a failed delivery to the dead-letter side. With manual DLX
// enabled the ORIGINAL body is published to the DLX with the reason header
// and the delivery acked; otherwise a nack(requeue=false) lets the broker
// dead-letter it. Exactly one terminal operation runs per delivery.
func (c *Consumer) reject(d amqp.Delivery, rej *rejectError) {
	c.deps.Metrics.RecordRejection(rej.reason)

	fields := []zap.Field{
		zap.String("reason", rej.reason),
		zap.Error(rej.err),
	}
	if len(rej.details) > 0 {
		fields = append(fields, zap.Strings("violations", rej.details))
	}
	if n := deathCount(d.Headers); n > 0 {
		fields = append(fields, zap.Int64("death_count", n))
	}
	c.logger.Warn("rejecting event", fields...)

	if !c.opts.UseManualDLX {
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("nack failed", zap.Error(err))
		}
		return
	}

	key := d.RoutingKey
	if key == "" {
		key = c.opts.RoutingKey
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"x-reject-reason": rej.reason},
		Body:         d.Body,
	}
	if err := c.ch.Publish(c.opts.DLX, key, false, false, pub); err != nil {
		c.logger.Error("DLX publish failed, falling back to nack", zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("nack failed", zap.Error(err))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack after DLX publish failed", zap.Error(err))
	}
}

// ── helpers ───────────────────────────────────────────────────────────────

// rejectError carries the terminal rejection reason through processBody.
type rejectError struct {
	reason  string
	err     error
	details []string
}

func (e *rejectError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func (e *rejectError) Unwrap() error { return e.err }

// deathCount reads the broker's x-death redelivery count when present.
func deathCount(headers amqp.Table) int64 {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return 0
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return 0
	}
	n, _ := first["count"].(int64)
	return n
}
