package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/muniplan/internal/types"
)

const outboxColumns = `id, aggregate_type, aggregate_id, routing_key, payload, status,
	retry_count, next_retry_at, last_error, created_at, updated_at`

func scanOutboxEvent(row interface{ Scan(...any) error }) (*types.OutboxEvent, error) {
	var e types.OutboxEvent
	var status, createdAt, updatedAt string
	var nextRetry sql.NullInt64
	err := row.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.RoutingKey, &e.Payload,
		&status, &e.RetryCount, &nextRetry, &e.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = types.OutboxStatus(status)
	if nextRetry.Valid {
		t := time.UnixMilli(nextRetry.Int64).UTC()
		e.NextRetryAt = &t
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}

func (t *sqlTx) InsertOutboxEvent(ctx context.Context, e *types.OutboxEvent) error {
	now := nowFunc()
	id, err := t.insertReturningID(ctx, "insert outbox event", `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, routing_key, payload, status,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.AggregateType, e.AggregateID, e.RoutingKey, string(e.Payload),
		string(types.OutboxPending), formatTime(now), formatTime(now))
	if err != nil {
		return err
	}
	e.ID = id
	e.Status = types.OutboxPending
	e.RetryCount = 0
	e.NextRetryAt = nil
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

// PendingOutboxEvents returns up to limit pending events that are due at
// now, oldest first.
func (s *SQLStore) PendingOutboxEvents(ctx context.Context, now time.Time, limit int) ([]types.OutboxEvent, error) {
	return s.queryOutbox(ctx, "list pending outbox events", `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY id LIMIT ?`,
		string(types.OutboxPending), now.UnixMilli(), limit)
}

// ListOutboxEvents returns up to limit events in the given status, newest
// first.
func (s *SQLStore) ListOutboxEvents(ctx context.Context, status types.OutboxStatus, limit int) ([]types.OutboxEvent, error) {
	return s.queryOutbox(ctx, "list outbox events", `
		SELECT `+outboxColumns+` FROM outbox_events
		WHERE status = ? ORDER BY id DESC LIMIT ?`,
		string(status), limit)
}

func (s *SQLStore) queryOutbox(ctx context.Context, op, query string, args ...any) ([]types.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []types.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// GetOutboxEvent returns one event by id.
func (s *SQLStore) GetOutboxEvent(ctx context.Context, id int64) (*types.OutboxEvent, error) {
	e, err := scanOutboxEvent(s.db.QueryRowContext(ctx,
		s.dialect.Rebind("SELECT "+outboxColumns+" FROM outbox_events WHERE id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("outbox event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("get outbox event", err)
	}
	return e, nil
}

// MarkOutboxSent records a successful delivery.
func (s *SQLStore) MarkOutboxSent(ctx context.Context, id int64) error {
	return s.updateOutbox(ctx, "mark outbox sent", id,
		"status = ?, next_retry_at = NULL, last_error = '', updated_at = ?",
		string(types.OutboxSent), formatTime(nowFunc()))
}

// MarkOutboxRetry keeps the event pending and schedules the next attempt.
func (s *SQLStore) MarkOutboxRetry(ctx context.Context, id int64, retryCount int, next time.Time, lastErr string) error {
	return s.updateOutbox(ctx, "mark outbox retry", id,
		"status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?",
		string(types.OutboxPending), retryCount, next.UnixMilli(), lastErr, formatTime(nowFunc()))
}

// MarkOutboxFailed stops retrying the event.
func (s *SQLStore) MarkOutboxFailed(ctx context.Context, id int64, retryCount int, lastErr string) error {
	return s.updateOutbox(ctx, "mark outbox failed", id,
		"status = ?, retry_count = ?, next_retry_at = NULL, last_error = ?, updated_at = ?",
		string(types.OutboxFailed), retryCount, lastErr, formatTime(nowFunc()))
}

// ReplayOutboxEvent puts an event back in the pending queue with a fresh
// retry budget.
func (s *SQLStore) ReplayOutboxEvent(ctx context.Context, id int64) error {
	return s.updateOutbox(ctx, "replay outbox event", id,
		"status = ?, retry_count = 0, next_retry_at = NULL, last_error = '', updated_at = ?",
		string(types.OutboxPending), formatTime(nowFunc()))
}

func (s *SQLStore) updateOutbox(ctx context.Context, op string, id int64, set string, args ...any) error {
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind("UPDATE outbox_events SET "+set+" WHERE id = ?"), args...)
	if err != nil {
		return classify(op, err)
	}
	return requireRow(res, "outbox event", id)
}
