package store

import (
	"context"
	"time"

	"github.com/hyperengineering/forge/internal/apply"
	forgesync "github.com/hyperengineering/forge/internal/sync"
)

// Store is the storage contract used by the HTTP layer, workers and CLI.
type Store interface {
	// Push ingestion
	BeginApply(ctx context.Context) (apply.Tx, error)

	// Ledger
	ListChangesSince(ctx context.Context, afterSeq int64, limit int) (*forgesync.ChangePage, error)
	ListChangesByBatch(ctx context.Context, batchID string) ([]forgesync.ChangeLogEntry, error)
	GetLedgerLastSeq(ctx context.Context) (int64, error)

	// Ledger tx index
	InsertIndexRows(ctx context.Context, rows []forgesync.TxIndexRow) (int64, error)
	TruncateIndex(ctx context.Context) error
	MaxIndexedSeq(ctx context.Context) (int64, error)
	CountIndexRows(ctx context.Context) (int64, error)
	ListIndexRows(ctx context.Context, afterSeq int64, limit int) ([]forgesync.TxIndexRow, bool, error)

	// Client progress
	GetSyncState(ctx context.Context, clientID string) (*forgesync.SyncState, error)
	RecordPull(ctx context.Context, clientID, userID string, seq int64, at time.Time) error

	// Push idempotency
	CheckPushIdempotency(ctx context.Context, pushID, clientID string) ([]byte, bool, error)
	RecordPushIdempotency(ctx context.Context, pushID, clientID string, response []byte, ttl time.Duration) error
	CleanExpiredIdempotency(ctx context.Context) (int64, error)

	// Metadata and maintenance
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// Stats summarizes the canonical store for health and status reporting.
type Stats struct {
	// RowCounts maps table name to live (non-tombstoned) row count.
	RowCounts    map[string]int64 `json:"row_counts"`
	LedgerMaxSeq int64            `json:"ledger_max_seq"`
	IndexMaxSeq  int64            `json:"index_max_seq"`
	LastSnapshot *time.Time       `json:"last_snapshot,omitempty"`
}
