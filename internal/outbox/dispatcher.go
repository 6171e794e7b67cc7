// Package outbox delivers events that were committed in the same
// transaction as the change they announce. Delivery is at least once; the
// consumers deduplicate by event id.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/muniplan/internal/events"
	"github.com/hyperengineering/muniplan/internal/metrics"
	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/sethvargo/go-retry"
)

// AggregateTask is the aggregate type of task events.
const AggregateTask = "task"

// Delivery outcome labels.
const (
	outcomeSent   = "sent"
	outcomeRetry  = "retry"
	outcomeFailed = "failed"
)

// Defaults used by NewDispatcher.
const (
	DefaultInterval          = time.Second
	DefaultRetryDelay        = 5 * time.Second
	DefaultMaxRetries        = 10
	DefaultBatchSize         = 100
	DefaultDeliveryAttempts  = 3
	DefaultDeliveryBaseDelay = 10 * time.Millisecond
)

// errUndeliverable marks events that can never be delivered.
var errUndeliverable = errors.New("undeliverable outbox event")

// Store is the outbox surface of the record store.
type Store interface {
	PendingOutboxEvents(ctx context.Context, now time.Time, limit int) ([]types.OutboxEvent, error)
	GetOutboxEvent(ctx context.Context, id int64) (*types.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, retryCount int, next time.Time, lastErr string) error
	MarkOutboxFailed(ctx context.Context, id int64, retryCount int, lastErr string) error
}

// NewTaskCompletedEvent wraps evt in an outbox row ready for
// Tx.InsertOutboxEvent.
func NewTaskCompletedEvent(evt events.TaskCompleted) (*types.OutboxEvent, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode task completed event: %w", err)
	}
	return &types.OutboxEvent{
		AggregateType: AggregateTask,
		AggregateID:   evt.TaskID,
		RoutingKey:    events.RoutingKeyTaskCompleted,
		Payload:       payload,
	}, nil
}

// Dispatcher reads pending outbox events and hands them to a notifier.
// Each delivery is retried in place with exponential backoff; an event
// that still fails is rescheduled, and after maxRetries schedules it is
// marked failed.
type Dispatcher struct {
	store      Store
	notifier   events.Notifier
	interval   time.Duration
	retryDelay time.Duration
	maxRetries int
	batchSize  int
	attempts   uint64
	baseDelay  time.Duration
	now        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithInterval sets how often Run scans for due events.
func WithInterval(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithRetryDelay sets the delay unit between rescheduled deliveries. The
// n-th reschedule waits n times this delay.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Dispatcher) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// WithMaxRetries sets how many failed deliveries an event may accumulate
// before it is marked failed.
func WithMaxRetries(n int) Option {
	return func(p *Dispatcher) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithBatchSize sets how many events one scan processes.
func WithBatchSize(n int) Option {
	return func(p *Dispatcher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithDeliveryRetry sets the in-place retries of one delivery and the
// base delay of their backoff.
func WithDeliveryRetry(retries int, baseDelay time.Duration) Option {
	return func(p *Dispatcher) {
		if retries >= 0 {
			p.attempts = uint64(retries)
		}
		if baseDelay > 0 {
			p.baseDelay = baseDelay
		}
	}
}

// WithClock replaces time.Now when deciding which events are due.
func WithClock(now func() time.Time) Option {
	return func(p *Dispatcher) {
		if now != nil {
			p.now = now
		}
	}
}

// NewDispatcher creates a dispatcher delivering to n.
func NewDispatcher(s Store, n events.Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      s,
		notifier:   n,
		interval:   DefaultInterval,
		retryDelay: DefaultRetryDelay,
		maxRetries: DefaultMaxRetries,
		batchSize:  DefaultBatchSize,
		attempts:   DefaultDeliveryAttempts,
		baseDelay:  DefaultDeliveryBaseDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run delivers due events immediately, then on each interval, until ctx
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "outbox",
		"interval", d.interval,
		"max_retries", d.maxRetries,
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "outbox",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Dispatcher) scan(ctx context.Context) {
	if _, err := d.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		slog.Error("outbox scan failed",
			"component", "outbox",
			"action", "scan",
			"error", err,
		)
	}
}

// ProcessPending delivers one batch of due events and returns how many
// were sent. Failed deliveries are rescheduled, not returned as errors.
func (d *Dispatcher) ProcessPending(ctx context.Context) (int, error) {
	due, err := d.store.PendingOutboxEvents(ctx, d.now(), d.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := d.deliver(ctx, e); err == nil {
			sent++
		}
	}
	return sent, nil
}

// Dispatch delivers one event right away. An event that is no longer
// pending is left alone. A failed delivery is rescheduled for Run and its
// error returned.
func (d *Dispatcher) Dispatch(ctx context.Context, id int64) error {
	e, err := d.store.GetOutboxEvent(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != types.OutboxPending {
		return nil
	}
	return d.deliver(ctx, *e)
}

func (d *Dispatcher) deliver(ctx context.Context, e types.OutboxEvent) error {
	err := d.notify(ctx, e)
	if err == nil {
		metrics.RecordOutboxDelivery(outcomeSent)
		if merr := d.store.MarkOutboxSent(ctx, e.ID); merr != nil {
			slog.Error("failed to mark outbox event sent",
				"component", "outbox",
				"action", "mark_sent",
				"outbox_id", e.ID,
				"error", merr,
			)
		}
		return nil
	}

	retries := e.RetryCount + 1
	if errors.Is(err, errUndeliverable) || retries >= d.maxRetries {
		metrics.RecordOutboxDelivery(outcomeFailed)
		slog.Error("outbox event failed permanently",
			"component", "outbox",
			"action", "deliver",
			"outbox_id", e.ID,
			"routing_key", e.RoutingKey,
			"retry_count", retries,
			"error", err,
		)
		if merr := d.store.MarkOutboxFailed(ctx, e.ID, retries, err.Error()); merr != nil {
			return errors.Join(err, merr)
		}
		return err
	}

	next := d.now().Add(time.Duration(retries) * d.retryDelay)
	metrics.RecordOutboxDelivery(outcomeRetry)
	slog.Warn("outbox delivery rescheduled",
		"component", "outbox",
		"action", "deliver",
		"outbox_id", e.ID,
		"routing_key", e.RoutingKey,
		"retry_count", retries,
		"next_retry_at", next,
		"error", err,
	)
	if merr := d.store.MarkOutboxRetry(ctx, e.ID, retries, next, err.Error()); merr != nil {
		return errors.Join(err, merr)
	}
	return err
}

func (d *Dispatcher) notify(ctx context.Context, e types.OutboxEvent) error {
	if e.RoutingKey != events.RoutingKeyTaskCompleted {
		return fmt.Errorf("%w: routing key %q", errUndeliverable, e.RoutingKey)
	}
	evt, err := events.DecodeTaskCompleted(e.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", errUndeliverable, err)
	}

	backoff := retry.WithMaxRetries(d.attempts, retry.NewExponential(d.baseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := d.notifier.Notify(ctx, evt); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
