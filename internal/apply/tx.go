package apply

import (
	"context"
	"time"

	forgesync "github.com/hyperengineering/forge/internal/sync"
	"github.com/hyperengineering/forge/internal/tables"
)

// RowMeta is the syncable state of a canonical row.
type RowMeta struct {
	ID            string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
	LastServerSeq *int64
}

// Tombstoned reports whether the canonical row is soft-deleted.
func (m RowMeta) Tombstoned() bool {
	return m.DeletedAt != nil
}

// Tx is one push transaction against the canonical store. Reads observe the
// transaction's own earlier writes.
type Tx interface {
	// RowMeta returns the syncable state of the canonical rows among ids.
	RowMeta(ctx context.Context, table string, ids []string) (map[string]RowMeta, error)

	// LookupNaturalKeys maps natural keys (as produced by Spec.KeyOf) to the
	// id of the canonical row holding that key, tombstoned rows included.
	LookupNaturalKeys(ctx context.Context, spec *tables.Spec, keys []string) (map[string]string, error)

	// ExistingIDs reports which of ids exist in table, tombstoned or not.
	ExistingIDs(ctx context.Context, table string, ids []string) (map[string]bool, error)

	// FetchColumns reads cols of the canonical rows among ids.
	FetchColumns(ctx context.Context, table string, ids []string, cols []string) (map[string]tables.Row, error)

	UpsertRow(ctx context.Context, spec *tables.Spec, row tables.Row) error
	AppendChange(ctx context.Context, entry *forgesync.ChangeLogEntry) (int64, error)

	// StampServerSeq sets last_server_seq for every row id in seqs.
	StampServerSeq(ctx context.Context, table string, seqs map[string]int64) error

	// RecordOwner records the first writer of a row. Existing owners are kept.
	RecordOwner(ctx context.Context, table, rowID string, owner forgesync.Principal, at time.Time) error

	TouchSyncState(ctx context.Context, clientID, userID string, at time.Time) error

	Commit() error
	Rollback() error
}

// Store opens push transactions.
type Store interface {
	BeginApply(ctx context.Context) (Tx, error)
}
