package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hyperengineering/muniplan/internal/completion"
	"github.com/hyperengineering/muniplan/internal/config"
	"github.com/hyperengineering/muniplan/internal/events"
	"github.com/hyperengineering/muniplan/internal/outbox"
)

// eventPipeline is the wiring between task status changes and completion
// recomputation: outbox rows are delivered in process by default, or
// published to RabbitMQ when an AMQP URL is configured.
type eventPipeline struct {
	transport  string
	notifier   events.Notifier
	dispatcher *outbox.Dispatcher
	consumer   *events.Consumer
	closers    []io.Closer
}

func newEventPipeline(cfg config.EventsConfig, st outbox.Store, agg *completion.Aggregator) (*eventPipeline, error) {
	p, err := newTransport(cfg, agg)
	if err != nil {
		return nil, err
	}
	p.dispatcher = outbox.NewDispatcher(st, p.notifier,
		outbox.WithInterval(time.Duration(cfg.OutboxInterval)),
		outbox.WithRetryDelay(time.Duration(cfg.OutboxRetryDelay)),
		outbox.WithMaxRetries(cfg.OutboxMaxRetries),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
	)
	return p, nil
}

func newTransport(cfg config.EventsConfig, agg *completion.Aggregator) (*eventPipeline, error) {
	p := &eventPipeline{}

	var dedup events.Deduper
	ttl := time.Duration(cfg.DedupTTL)
	if cfg.RedisAddr != "" {
		rdb := events.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		p.closers = append(p.closers, rdb)
		dedup = events.NewRedisDeduper(rdb, ttl)
		slog.Info("event dedup using redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	} else {
		dedup = events.NewMemoryDeduper(ttl)
	}
	handler := events.NewCompletionHandler(agg, dedup)

	if cfg.AMQPURL == "" {
		p.transport = "direct"
		p.notifier = events.Direct{Handler: handler}
		return p, nil
	}

	conn, pubCh, err := events.Dial(cfg.AMQPURL)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	p.closers = append(p.closers, conn)

	publisher, err := events.NewAMQPPublisher(pubCh, cfg.Exchange)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.closers = append(p.closers, publisher)

	subCh, err := conn.Channel()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	p.closers = append(p.closers, subCh)

	consumer, err := events.NewConsumer(subCh, cfg.Exchange, cfg.Queue, handler)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.transport = "amqp"
	p.notifier = publisher
	p.consumer = consumer
	return p, nil
}

// Close releases connections in reverse order of acquisition.
func (p *eventPipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			slog.Warn("event pipeline close error", "error", err)
		}
	}
	p.closers = nil
}
