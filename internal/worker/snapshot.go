// Package worker runs the periodic background jobs of the service.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/muniplan/internal/snapshot"
)

// SnapshotStore defines the store operations needed by the snapshot worker.
type SnapshotStore interface {
	GenerateSnapshot(ctx context.Context) error
	SnapshotPath(ctx context.Context) (string, error)
}

// SnapshotWorker generates periodic database snapshots and uploads them
// when an uploader is configured.
type SnapshotWorker struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	interval time.Duration
	now      func() time.Time
}

// NewSnapshotWorker creates a worker with the given store and interval.
// The uploader is optional; if nil, snapshots stay local.
func NewSnapshotWorker(store SnapshotStore, interval time.Duration, uploader snapshot.Uploader) *SnapshotWorker {
	return &SnapshotWorker{
		store:    store,
		uploader: uploader,
		interval: interval,
		now:      time.Now,
	}
}

// Run starts the worker loop. Generates snapshot immediately on start,
// then on each interval. Respects context cancellation for graceful shutdown.
func (w *SnapshotWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.generateSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.generateSnapshot(ctx)
		}
	}
}

// generateSnapshot generates a snapshot and logs any errors.
func (w *SnapshotWorker) generateSnapshot(ctx context.Context) {
	slog.Info("snapshot generation started",
		"component", "worker",
		"action", "snapshot_start",
	)

	takenAt := w.now()
	if err := w.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"action", "snapshot_failed",
			"error", err,
		)
		return
	}

	if w.uploader != nil {
		w.uploadSnapshot(ctx, takenAt)
	}
}

// uploadSnapshot uploads the generated snapshot. Failures are warnings;
// the local snapshot remains valid.
func (w *SnapshotWorker) uploadSnapshot(ctx context.Context, takenAt time.Time) {
	path, err := w.store.SnapshotPath(ctx)
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	key, err := w.uploader.Upload(ctx, path, takenAt)
	if err != nil {
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}
	if key != "" {
		slog.Info("snapshot uploaded",
			"component", "worker",
			"action", "snapshot_uploaded",
			"key", key,
		)
	}
}
