package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/forge/internal/snapshot"
)

// SnapshotStore defines the store operations needed by the snapshot worker.
type SnapshotStore interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// SnapshotWorker generates periodic database snapshots and publishes them to
// object storage when an uploader is configured.
type SnapshotWorker struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotWorker creates a worker with the given store and interval.
// The uploader is optional; if nil, snapshots stay on local disk.
func NewSnapshotWorker(store SnapshotStore, interval time.Duration, uploader snapshot.Uploader) *SnapshotWorker {
	return &SnapshotWorker{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the worker loop. Generates a snapshot immediately on start,
// then on each interval. Respects context cancellation for graceful shutdown.
func (w *SnapshotWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot",
		"action", "worker_started",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce generates one snapshot and uploads it. Returns true on success.
func (w *SnapshotWorker) runOnce(ctx context.Context) bool {
	start := time.Now()
	slog.Info("snapshot generation started",
		"component", "worker",
		"worker", "snapshot",
		"action", "snapshot_start",
	)

	if err := w.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot",
			"action", "snapshot_failed",
			"error", err,
		)
		return false
	}

	slog.Info("snapshot generated",
		"component", "worker",
		"worker", "snapshot",
		"action", "snapshot_complete",
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if w.uploader != nil {
		w.upload(ctx)
	}
	return true
}

// upload publishes the local snapshot. Failures are logged and not fatal;
// the local snapshot remains servable.
func (w *SnapshotWorker) upload(ctx context.Context) {
	path, err := w.store.GetSnapshotPath(ctx)
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"worker", "snapshot",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	if err := w.uploader.Upload(ctx, path); err != nil {
		slog.Warn("snapshot upload to S3 failed",
			"component", "worker",
			"worker", "snapshot",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded to S3",
		"component", "worker",
		"worker", "snapshot",
		"action", "snapshot_uploaded",
	)
}
