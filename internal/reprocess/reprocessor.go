// Package reprocess drains the dead-letter queue, repairs each message and
// republishes it to the main exchange for another ingestion pass.
//
// Repairs are deliberately minimal: re-normalize, fill the fields whose
// absence got the event rejected (tenant, severity, timestamp) and stamp
// dlq_reprocess so downstream dashboards can tell replays apart. Messages
// that are not JSON at all can never pass ingestion and are quarantined or
// dropped instead of looping through the DLX forever.
package reprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/Sebastian25gb/nubla-siem/internal/event"
	"github.com/Sebastian25gb/nubla-siem/internal/normalizer"
)

// ReprocessReason is stamped on every republished message.
const ReprocessReason = "dlq_reprocess"

// reasonInvalidJSON labels bodies that do not decode at all.
const reasonInvalidJSON = "invalid_json"

// Channel is the slice of the AMQP channel the reprocessor drives.
// Satisfied by *amqp.Channel.
type Channel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// Options tune one reprocessing run.
type Options struct {
	DLQ             string
	Exchange        string
	RoutingKey      string
	Limit           int           // maximum messages to drain; <= 0 drains until empty
	Sleep           time.Duration // pause between messages
	DryRun          bool          // requeue everything, print the plan only
	SeverityDefault string        // severity for events carrying none
	Quarantine      string        // queue for non-JSON bodies; empty drops them
	DefaultTenant   string
	Verbose         bool
}

// Summary is the run outcome printed by the CLI.
type Summary struct {
	Processed   int            `json:"processed"`
	Republished int            `json:"republished"`
	Quarantined int            `json:"quarantined"`
	Dropped     int            `json:"dropped"`
	Requeued    int            `json:"requeued"`
	InvalidJSON int            `json:"invalid_json"`
	Reasons     map[string]int `json:"reasons,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
}

// Reprocessor drains one DLQ via basic.get.
type Reprocessor struct {
	ch     Channel
	opts   Options
	logger *zap.Logger
	out    io.Writer // dry-run transformation plan, one JSON doc per line
}

// New constructs a Reprocessor. out receives the dry-run plan and may be
// io.Discard.
func New(ch Channel, opts Options, logger *zap.Logger, out io.Writer) *Reprocessor {
	if opts.SeverityDefault == "" {
		opts.SeverityDefault = "info"
	}
	return &Reprocessor{ch: ch, opts: opts, logger: logger, out: out}
}

// Run drains the DLQ until it is empty or the limit is reached and returns
// the summary. The summary is valid even when an error cuts the run short.
func (r *Reprocessor) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{DryRun: r.opts.DryRun, Reasons: map[string]int{}}

	if r.opts.Quarantine != "" && !r.opts.DryRun {
		if _, err := r.ch.QueueDeclare(r.opts.Quarantine, true, false, false, false, nil); err != nil {
			return summary, fmt.Errorf("declare quarantine queue %s: %w", r.opts.Quarantine, err)
		}
	}

	for n := 0; r.opts.Limit <= 0 || n < r.opts.Limit; n++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		d, ok, err := r.ch.Get(r.opts.DLQ, false)
		if err != nil {
			return summary, fmt.Errorf("get from %s: %w", r.opts.DLQ, err)
		}
		if !ok {
			r.logger.Info("dead-letter queue drained", zap.Int("processed", summary.Processed))
			break
		}

		summary.Processed++
		r.processDelivery(d, summary)

		if r.opts.Sleep > 0 {
			select {
			case <-ctx.Done():
				return summary, ctx.Err()
			case <-time.After(r.opts.Sleep):
			}
		}
	}
	return summary, nil
}

// processDelivery drives one dead-lettered message to a terminal state:
// republish+ack, quarantine+ack, ack-drop, or nack-requeue (dry run and
// publish failures).
func (r *Reprocessor) processDelivery(d amqp.Delivery, s *Summary) {
	if r.opts.Verbose {
		r.logger.Info("dead-lettered message",
			zap.String("routing_key", d.RoutingKey),
			zap.ByteString("body", d.Body),
		)
	}
	reason, _ := d.Headers["x-reject-reason"].(string)

	var raw map[string]any
	if err := json.Unmarshal(d.Body, &raw); err != nil {
		if reason == "" {
			reason = reasonInvalidJSON
		}
		s.Reasons[reason]++
		r.handleInvalidJSON(d, s)
		return
	}
	if reason != "" {
		s.Reasons[reason]++
	}

	// Re-normalize and repair the fields that commonly got the event
	// rejected in the first place.
	ev := normalizer.Normalize(raw)
	if sev := strings.ToLower(strings.TrimSpace(ev.Severity)); sev == "" || sev == "null" {
		ev.Severity = r.opts.SeverityDefault
	}
	event.Prepare(ev, r.opts.DefaultTenant)
	ev.Reprocessed = true

	body, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("encode repaired event, requeueing", zap.Error(err))
		r.nackRequeue(d, s)
		return
	}

	if r.opts.DryRun {
		fmt.Fprintln(r.out, string(body))
		r.nackRequeue(d, s)
		return
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"x-reprocess-reason": ReprocessReason},
		Body:         body,
	}
	if err := r.ch.Publish(r.opts.Exchange, r.opts.RoutingKey, false, false, pub); err != nil {
		r.logger.Error("republish failed, requeueing",
			zap.String("exchange", r.opts.Exchange),
			zap.Error(err),
		)
		r.nackRequeue(d, s)
		return
	}
	if err := d.Ack(false); err != nil {
		r.logger.Error("ack after republish failed", zap.Error(err))
		return
	}
	s.Republished++
	r.logger.Debug("republished event",
		zap.String("tenant_id", ev.TenantID),
		zap.String("routing_key", r.opts.RoutingKey),
	)
}

// handleInvalidJSON deals with bodies that can never pass ingestion.
func (r *Reprocessor) handleInvalidJSON(d amqp.Delivery, s *Summary) {
	s.InvalidJSON++

	if r.opts.DryRun {
		fmt.Fprintf(r.out, "invalid JSON (%d bytes), would %s\n", len(d.Body), r.invalidJSONAction())
		r.nackRequeue(d, s)
		return
	}

	if r.opts.Quarantine != "" {
		pub := amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{"x-reject-reason": reasonInvalidJSON},
			Body:         d.Body,
		}
		// Default exchange routes straight to the named queue.
		if err := r.ch.Publish("", r.opts.Quarantine, false, false, pub); err != nil {
			r.logger.Error("quarantine publish failed, requeueing", zap.Error(err))
			r.nackRequeue(d, s)
			return
		}
		if err := d.Ack(false); err != nil {
			r.logger.Error("ack after quarantine failed", zap.Error(err))
			return
		}
		s.Quarantined++
		r.logger.Warn("quarantined non-JSON body", zap.String("queue", r.opts.Quarantine))
		return
	}

	if err := d.Ack(false); err != nil {
		r.logger.Error("ack for dropped body failed", zap.Error(err))
		return
	}
	s.Dropped++
	r.logger.Warn("dropped non-JSON body", zap.Int("bytes", len(d.Body)))
}

func (r *Reprocessor) invalidJSONAction() string {
	if r.opts.Quarantine != "" {
		return "quarantine to " + r.opts.Quarantine
	}
	return "drop"
}

func (r *Reprocessor) nackRequeue(d amqp.Delivery, s *Summary) {
	if err := d.Nack(false, true); err != nil {
		r.logger.Error("nack requeue failed", zap.Error(err))
		return
	}
	s.Requeued++
}
