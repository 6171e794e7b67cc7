package events

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/muniplan/internal/metrics"
	"github.com/hyperengineering/muniplan/internal/types"
)

// Recomputer is the completion operation triggered by a task completion.
type Recomputer interface {
	OnTaskTransition(ctx context.Context, projectID int64, from, to types.TaskStatus) (bool, int, error)
}

// CompletionHandler recomputes project completion once per event.
type CompletionHandler struct {
	recomputer Recomputer
	dedup      Deduper
}

// NewCompletionHandler creates a handler. A nil deduper disables deduplication.
func NewCompletionHandler(r Recomputer, d Deduper) *CompletionHandler {
	return &CompletionHandler{recomputer: r, dedup: d}
}

// Handle implements Handler. A failed recompute releases the dedup key and
// returns the error so the delivery can be retried.
func (h *CompletionHandler) Handle(ctx context.Context, evt TaskCompleted) error {
	key := DedupKey(evt)
	if h.dedup != nil {
		first, err := h.dedup.Acquire(ctx, key)
		if err != nil {
			return err
		}
		if !first {
			metrics.RecordEventConsumed("duplicate")
			slog.Info("skipped duplicate event",
				"component", "events",
				"action", "dedup_hit",
				"event_id", evt.EventID,
				"task_id", evt.TaskID,
				"dedup_key", key,
			)
			return nil
		}
	}

	// The event only exists for a transition into Completed.
	_, pct, err := h.recomputer.OnTaskTransition(ctx, evt.ProjectID, types.TaskInProgress, types.TaskCompleted)
	if err != nil {
		metrics.RecordEventConsumed("failed")
		if h.dedup != nil {
			if rerr := h.dedup.Release(ctx, key); rerr != nil {
				slog.Warn("failed to release dedup key",
					"component", "events",
					"action", "dedup_release",
					"dedup_key", key,
					"error", rerr,
				)
			}
		}
		return err
	}

	metrics.RecordEventConsumed("processed")
	slog.Info("completion updated from task event",
		"component", "events",
		"action", "task_completed",
		"event_id", evt.EventID,
		"task_id", evt.TaskID,
		"project_id", evt.ProjectID,
		"completion", pct,
	)
	return nil
}
