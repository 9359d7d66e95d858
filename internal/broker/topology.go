package broker

import (
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Topology names the broker entities the pipeline declares on startup.
type Topology struct {
	Exchange   string
	Queue      string
	DLX        string
	DLQ        string
	RoutingKey string
}

// DeclareTopology idempotently ensures the main exchange, the dead-letter
// exchange, both queues and their bindings. Existing entities are probed
// with passive declares first; a failed passive declare closes its channel,
// so the entity is then created on a fresh one. An entity that exists with
// incompatible properties surfaces as an error and must abort startup.
func (c *Client) DeclareTopology(t Topology) error {
	ch, err := c.Channel()
	if err != nil {
		return err
	}

	if ch, err = c.ensureExchange(ch, t.Exchange); err != nil {
		return err
	}
	if ch, err = c.ensureExchange(ch, t.DLX); err != nil {
		return err
	}
	if ch, err = c.ensureQueue(ch, t.Queue, amqp.Table{"x-dead-letter-exchange": t.DLX}); err != nil {
		return err
	}
	if ch, err = c.ensureQueue(ch, t.DLQ, nil); err != nil {
		return err
	}

	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s with key %s: %w", t.Queue, t.Exchange, t.RoutingKey, err)
	}
	// The DLQ collects every dead-lettered routing key.
	if err := ch.QueueBind(t.DLQ, "#", t.DLX, false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", t.DLQ, t.DLX, err)
	}

	c.logger.Info("broker topology ready",
		zap.String("exchange", t.Exchange),
		zap.String("queue", t.Queue),
		zap.String("dlx", t.DLX),
		zap.String("dlq", t.DLQ),
		zap.String("routing_key", t.RoutingKey))
	return ch.Close()
}

// ensureExchange returns a live channel with the topic exchange in place.
func (c *Client) ensureExchange(ch *amqp.Channel, name string) (*amqp.Channel, error) {
	if err := ch.ExchangeDeclarePassive(name, "topic", true, false, false, false, nil); err == nil {
		return ch, nil
	}
	// The failed passive declare closed the channel.
	fresh, err := c.Channel()
	if err != nil {
		return nil, err
	}
	if err := fresh.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", name, err)
	}
	c.logger.Info("declared exchange", zap.String("exchange", name))
	return fresh, nil
}

// ensureQueue returns a live channel with the durable queue in place.
func (c *Client) ensureQueue(ch *amqp.Channel, name string, args amqp.Table) (*amqp.Channel, error) {
	if _, err := ch.QueueDeclarePassive(name, true, false, false, false, nil); err == nil {
		return ch, nil
	}
	fresh, err := c.Channel()
	if err != nil {
		return nil, err
	}
	if _, err := fresh.QueueDeclare(name, true, false, false, false, args); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	c.logger.Info("declared queue", zap.String("queue", name))
	return fresh, nil
}
