package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// HandlerFunc processes one delivered envelope. A nil return acknowledges the
// message; any error other than ErrDropMessage nacks it back onto the queue
// for redelivery.
type HandlerFunc func(ctx context.Context, env Envelope) error

// ErrDropMessage tells the consumer to nack without requeueing. Used for
// payloads that can never be processed (malformed, unknown type).
var ErrDropMessage = errors.New("message dropped")

// Consumer runs a blocking receive loop over a durable queue bound to the
// saga exchange. Offsets are committed (messages acked) only after the
// handler's transaction has committed, so a crash mid-handling causes
// redelivery, never loss.
type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	bindings []string
	handler  HandlerFunc
	log      *zap.Logger
}

// NewConsumer connects and declares the consumer's durable queue, bound to
// the given routing keys.
func NewConsumer(url, queueName string, bindings []string, handler HandlerFunc, log *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		ExchangeName,
		ExchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	// One unacked message at a time keeps per-queue delivery ordered, which
	// preserves per-order ordering since orders hash to a single queue.
	if err := channel.Qos(1, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &Consumer{
		conn:     conn,
		channel:  channel,
		queue:    queueName,
		bindings: bindings,
		handler:  handler,
		log:      log,
	}, nil
}

// Start declares and binds the queue, then blocks consuming deliveries until
// the context is cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	queue, err := c.channel.QueueDeclare(
		c.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range c.bindings {
		if err := c.channel.QueueBind(queue.Name, key, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
		c.log.Info("Listening for events", zap.String("routing_key", key), zap.String("queue", queue.Name))
	}

	msgs, err := c.channel.Consume(
		queue.Name,
		c.queue, // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	var env Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		c.log.Error("Failed to unmarshal envelope, dropping",
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
		msg.Nack(false, false)
		return
	}

	if err := c.handler(ctx, env); err != nil {
		if errors.Is(err, ErrDropMessage) {
			c.log.Warn("Dropping unprocessable message",
				zap.String("message_id", env.MessageID),
				zap.String("event_type", env.EventType),
				zap.Error(err),
			)
			msg.Nack(false, false)
			return
		}
		c.log.Error("Handler failed, requeueing",
			zap.String("message_id", env.MessageID),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		msg.Nack(false, true)
		return
	}

	msg.Ack(false)
}

// IsHealthy checks if the consumer connection is healthy
func (c *Consumer) IsHealthy() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the consumer connection
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
