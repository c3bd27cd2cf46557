package worker

import (
	"context"
	"log/slog"
	"time"
)

// IdempotencyStore defines the store operation needed by the janitor.
type IdempotencyStore interface {
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
}

// IdempotencyJanitor removes expired push idempotency entries.
type IdempotencyJanitor struct {
	store    IdempotencyStore
	interval time.Duration
}

// NewIdempotencyJanitor creates a janitor running at the given interval.
func NewIdempotencyJanitor(store IdempotencyStore, interval time.Duration) *IdempotencyJanitor {
	return &IdempotencyJanitor{
		store:    store,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled. The first sweep happens after one
// interval; expired entries are harmless until then.
func (j *IdempotencyJanitor) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "idempotency-janitor",
		"action", "worker_started",
		"interval", j.interval.String(),
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "idempotency-janitor",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *IdempotencyJanitor) sweep(ctx context.Context) {
	removed, err := j.store.CleanExpiredIdempotency(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("idempotency cleanup failed",
			"component", "worker",
			"worker", "idempotency-janitor",
			"action", "cleanup_failed",
			"error", err,
		)
		return
	}
	if removed > 0 {
		slog.Info("expired idempotency entries removed",
			"component", "worker",
			"worker", "idempotency-janitor",
			"action", "cleanup_complete",
			"removed", removed,
		)
	}
}
