package worker

import (
	"context"
	"log/slog"
	"time"
)

// IndexCatcher is satisfied by txindex.Materializer.
type IndexCatcher interface {
	EnsureUpToDate(ctx context.Context, maxCatchupRows int) (int64, error)
}

// IndexCatchupWorker keeps the tx index close to the ledger so pulls rarely
// have to catch up inline.
type IndexCatchupWorker struct {
	index    IndexCatcher
	interval time.Duration
	maxRows  int
}

// NewIndexCatchupWorker creates a worker that appends at most maxRows ledger
// entries per tick. maxRows of 0 catches up fully.
func NewIndexCatchupWorker(index IndexCatcher, interval time.Duration, maxRows int) *IndexCatchupWorker {
	return &IndexCatchupWorker{
		index:    index,
		interval: interval,
		maxRows:  maxRows,
	}
}

// Run starts the worker loop. Catches up immediately on start, then on each
// interval, until ctx is cancelled.
func (w *IndexCatchupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "index-catchup",
		"action", "worker_started",
		"interval", w.interval.String(),
		"max_rows", w.maxRows,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.catchUp(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "index-catchup",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.catchUp(ctx)
		}
	}
}

func (w *IndexCatchupWorker) catchUp(ctx context.Context) {
	inserted, err := w.index.EnsureUpToDate(ctx, w.maxRows)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("index catch-up failed",
			"component", "worker",
			"worker", "index-catchup",
			"action", "catchup_failed",
			"error", err,
		)
		return
	}
	if inserted > 0 {
		slog.Info("index caught up",
			"component", "worker",
			"worker", "index-catchup",
			"action", "catchup_complete",
			"inserted", inserted,
		)
	}
}
