package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/muniplan/internal/metrics"
	"github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp091.Channel used by the publisher and consumer.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Close() error
}

// Dial connects to the broker and opens a channel.
func Dial(url string) (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// DeclareExchange declares the durable topic exchange events are published to.
func DeclareExchange(ch Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return nil
}

// AMQPPublisher publishes TaskCompleted events to a topic exchange.
type AMQPPublisher struct {
	ch       Channel
	exchange string
}

// NewAMQPPublisher declares the exchange and returns a publisher.
func NewAMQPPublisher(ch Channel, exchange string) (*AMQPPublisher, error) {
	if err := DeclareExchange(ch, exchange); err != nil {
		return nil, err
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}, nil
}

// Notify implements Notifier.
func (p *AMQPPublisher) Notify(ctx context.Context, evt TaskCompleted) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode task completed event: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKeyTaskCompleted, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    evt.EventID,
		Timestamp:    evt.CompletedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish task completed event: %w", err)
	}
	return nil
}

// Close closes the underlying channel.
func (p *AMQPPublisher) Close() error {
	return p.ch.Close()
}

// Consumer delivers queued TaskCompleted events to a Handler with manual
// acknowledgement.
type Consumer struct {
	ch      Channel
	queue   string
	handler Handler
}

// NewConsumer declares the exchange and a durable queue bound to the
// task-completed routing key.
func NewConsumer(ch Channel, exchange, queue string, h Handler) (*Consumer, error) {
	if err := DeclareExchange(ch, exchange); err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(q.Name, RoutingKeyTaskCompleted, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	return &Consumer{ch: ch, queue: q.Name, handler: h}, nil
}

// ErrDeliveriesClosed is returned by Run when the broker closes the
// delivery channel.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Run consumes until ctx is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "muniplan", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	slog.Info("event consumer started",
		"component", "events",
		"action", "consume",
		"queue", c.queue,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("event consumer stopping",
				"component", "events",
				"action", "shutdown",
			)
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.process(ctx, msg)
		}
	}
}

// process acks or nacks exactly once. Malformed payloads are dropped;
// handler failures and panics are requeued.
func (c *Consumer) process(ctx context.Context, msg amqp091.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panic",
				"component", "events",
				"action", "consume",
				"panic", r,
			)
			c.nack(msg, true)
		}
	}()

	evt, err := DecodeTaskCompleted(msg.Body)
	if err != nil {
		metrics.RecordEventConsumed("malformed")
		slog.Error("dropping malformed event",
			"component", "events",
			"action", "consume",
			"error", err,
		)
		c.nack(msg, false)
		return
	}

	if err := c.handler.Handle(ctx, evt); err != nil {
		slog.Error("event handler failed",
			"component", "events",
			"action", "consume",
			"event_id", evt.EventID,
			"error", err,
		)
		c.nack(msg, true)
		return
	}

	if err := msg.Ack(false); err != nil {
		slog.Error("failed to ack event",
			"component", "events",
			"action", "ack",
			"event_id", evt.EventID,
			"error", err,
		)
	}
}

func (c *Consumer) nack(msg amqp091.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		slog.Error("failed to nack event",
			"component", "events",
			"action", "nack",
			"error", err,
		)
	}
}
