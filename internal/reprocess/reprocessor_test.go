package reprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ── fakes ─────────────────────────────────────────────────────────────────

type fakeAcker struct {
	acks  int
	nacks []bool // requeue flag per nack
}

var _ amqp.Acknowledger = (*fakeAcker)(nil)

func (f *fakeAcker) Ack(_ uint64, _ bool) error { f.acks++; return nil }

func (f *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks = append(f.nacks, requeue)
	return nil
}

func (f *fakeAcker) Reject(_ uint64, requeue bool) error {
	f.nacks = append(f.nacks, requeue)
	return nil
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	queue      []amqp.Delivery
	getErr     error
	publishErr error
	published  []published
	declared   []string
}

var _ Channel = (*fakeChannel)(nil)

func (f *fakeChannel) Get(_ string, _ bool) (amqp.Delivery, bool, error) {
	if f.getErr != nil {
		return amqp.Delivery{}, false, f.getErr
	}
	if len(f.queue) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := f.queue[0]
	f.queue = f.queue[1:]
	return d, true, nil
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

// ── helpers ───────────────────────────────────────────────────────────────

func dlqDelivery(body, reason string) (amqp.Delivery, *fakeAcker) {
	acker := &fakeAcker{}
	d := amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(body),
		RoutingKey:   "logs.fortinet",
	}
	if reason != "" {
		d.Headers = amqp.Table{"x-reject-reason": reason}
	}
	return d, acker
}

func runReprocessor(t *testing.T, ch *fakeChannel, opts Options) (*Summary, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	r := New(ch, opts, zaptest.NewLogger(t), &out)
	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	return summary, &out
}

// ── tests ─────────────────────────────────────────────────────────────────

func TestReprocessorRepublishesRepairedEvent(t *testing.T) {
	d, acker := dlqDelivery(`{"message": "devname=edge-fw-01 msg=\"replay me\""}`, "missing_tenant_id")
	ch := &fakeChannel{queue: []amqp.Delivery{d}}

	summary, _ := runReprocessor(t, ch, Options{
		DLQ:           "nubla.logs.dlq",
		Exchange:      "nubla.logs",
		RoutingKey:    "logs.raw",
		DefaultTenant: "default",
	})

	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Republished)
	assert.Equal(t, 0, summary.Requeued)
	assert.Equal(t, map[string]int{"missing_tenant_id": 1}, summary.Reasons)
	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, acker.nacks)

	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, "nubla.logs", pub.exchange)
	assert.Equal(t, "logs.raw", pub.key)
	assert.Equal(t, ReprocessReason, pub.msg.Headers["x-reprocess-reason"])

	var repaired map[string]any
	require.NoError(t, json.Unmarshal(pub.msg.Body, &repaired))
	assert.Equal(t, true, repaired["dlq_reprocess"])
	assert.Equal(t, "default", repaired["tenant_id"])
	assert.Equal(t, "replay me", repaired["message"])
	assert.Equal(t, "edge-fw-01", repaired["host"])
	assert.NotEmpty(t, repaired["@timestamp"])
}

func TestReprocessorAppliesSeverityDefault(t *testing.T) {
	// A body without a string message passes through the normalizer
	// undecorated, so severity arrives empty.
	d, _ := dlqDelivery(`{"tenant_id": "acme", "metric": 42}`, "")
	ch := &fakeChannel{queue: []amqp.Delivery{d}}

	summary, _ := runReprocessor(t, ch, Options{
		Exchange:        "nubla.logs",
		RoutingKey:      "logs.raw",
		SeverityDefault: "low",
	})

	assert.Equal(t, 1, summary.Republished)
	assert.Empty(t, summary.Reasons) // only headered messages are tallied

	require.Len(t, ch.published, 1)
	var repaired map[string]any
	require.NoError(t, json.Unmarshal(ch.published[0].msg.Body, &repaired))
	assert.Equal(t, "low", repaired["severity"])
	assert.Equal(t, "acme", repaired["tenant_id"])
}

func TestReprocessorQuarantinesInvalidJSON(t *testing.T) {
	d, acker := dlqDelivery("garbage bytes", "")
	ch := &fakeChannel{queue: []amqp.Delivery{d}}

	summary, _ := runReprocessor(t, ch, Options{
		DLQ:        "nubla.logs.dlq",
		Exchange:   "nubla.logs",
		RoutingKey: "logs.raw",
		Quarantine: "nubla.logs.quarantine",
	})

	assert.Equal(t, []string{"nubla.logs.quarantine"}, ch.declared)
	assert.Equal(t, 1, summary.InvalidJSON)
	assert.Equal(t, 1, summary.Quarantined)
	assert.Equal(t, 0, summary.Republished)
	assert.Equal(t, map[string]int{"invalid_json": 1}, summary.Reasons)
	assert.Equal(t, 1, acker.acks)

	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	// The default exchange routes straight to the quarantine queue.
	assert.Equal(t, "", pub.exchange)
	assert.Equal(t, "nubla.logs.quarantine", pub.key)
	assert.Equal(t, "invalid_json", pub.msg.Headers["x-reject-reason"])
	assert.Equal(t, []byte("garbage bytes"), pub.msg.Body)
}

func TestReprocessorDropsInvalidJSONWithoutQuarantine(t *testing.T) {
	d, acker := dlqDelivery("garbage bytes", "")
	ch := &fakeChannel{queue: []amqp.Delivery{d}}

	summary, _ := runReprocessor(t, ch, Options{Exchange: "nubla.logs"})

	assert.Equal(t, 1, summary.Dropped)
	assert.Equal(t, 0, summary.Quarantined)
	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, ch.published)
	assert.Empty(t, ch.declared)
}

func TestReprocessorDryRunRequeuesEverything(t *testing.T) {
	valid, validAcker := dlqDelivery(`{"tenant_id": "acme", "message": "replay"}`, "validation_failed")
	garbage, garbageAcker := dlqDelivery("garbage bytes", "")
	ch := &fakeChannel{queue: []amqp.Delivery{valid, garbage}}

	summary, out := runReprocessor(t, ch, Options{
		Exchange:   "nubla.logs",
		RoutingKey: "logs.raw",
		Quarantine: "nubla.logs.quarantine",
		DryRun:     true,
	})

	assert.True(t, summary.DryRun)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Requeued)
	assert.Equal(t, 0, summary.Republished)
	assert.Equal(t, 1, summary.InvalidJSON)

	// Nothing touches the broker beyond the requeues.
	assert.Empty(t, ch.published)
	assert.Empty(t, ch.declared)
	assert.Equal(t, []bool{true}, validAcker.nacks)
	assert.Equal(t, []bool{true}, garbageAcker.nacks)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"dlq_reprocess":true`)
	assert.Equal(t, "invalid JSON (13 bytes), would quarantine to nubla.logs.quarantine", lines[1])
}

func TestReprocessorLimitStopsEarly(t *testing.T) {
	var queue []amqp.Delivery
	for i := 0; i < 3; i++ {
		d, _ := dlqDelivery(`{"tenant_id": "acme", "message": "replay"}`, "")
		queue = append(queue, d)
	}
	ch := &fakeChannel{queue: queue}

	summary, _ := runReprocessor(t, ch, Options{Exchange: "nubla.logs", RoutingKey: "logs.raw", Limit: 2})

	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Republished)
	assert.Len(t, ch.queue, 1, "the third message stays on the queue")
}

func TestReprocessorRequeuesOnPublishFailure(t *testing.T) {
	d, acker := dlqDelivery(`{"tenant_id": "acme", "message": "replay"}`, "")
	ch := &fakeChannel{queue: []amqp.Delivery{d}, publishErr: errors.New("channel closed")}

	summary, _ := runReprocessor(t, ch, Options{Exchange: "nubla.logs", RoutingKey: "logs.raw"})

	assert.Equal(t, 0, summary.Republished)
	assert.Equal(t, 1, summary.Requeued)
	assert.Equal(t, 0, acker.acks)
	assert.Equal(t, []bool{true}, acker.nacks)
}

func TestReprocessorGetErrorAborts(t *testing.T) {
	ch := &fakeChannel{getErr: errors.New("connection reset")}
	r := New(ch, Options{DLQ: "nubla.logs.dlq"}, zaptest.NewLogger(t), &bytes.Buffer{})

	summary, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get from nubla.logs.dlq")
	assert.Equal(t, 0, summary.Processed)
}
