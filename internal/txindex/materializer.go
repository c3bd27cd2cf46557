// Package txindex materializes the append-only ledger into ledger_tx_index,
// a disposable projection that serves pulls and can be rebuilt at any time.
package txindex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	forgesync "github.com/hyperengineering/forge/internal/sync"
)

// DefaultPageSize is the number of ledger entries read per page.
const DefaultPageSize = 500

// Unbounded disables the row cap of Append.
const Unbounded = 0

// Ledger is the read side of the change log.
type Ledger interface {
	ListChangesSince(ctx context.Context, afterSeq int64, limit int) (*forgesync.ChangePage, error)
	GetLedgerLastSeq(ctx context.Context) (int64, error)
}

// Index is the storage of the materialized rows.
type Index interface {
	InsertIndexRows(ctx context.Context, rows []forgesync.TxIndexRow) (int64, error)
	TruncateIndex(ctx context.Context) error
	MaxIndexedSeq(ctx context.Context) (int64, error)
	CountIndexRows(ctx context.Context) (int64, error)
}

// Materializer copies ledger entries into the index.
type Materializer struct {
	ledger   Ledger
	index    Index
	pageSize int
	now      func() time.Time
}

// New creates a Materializer. A non-positive pageSize uses DefaultPageSize.
func New(ledger Ledger, index Index, pageSize int) *Materializer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Materializer{ledger: ledger, index: index, pageSize: pageSize, now: time.Now}
}

// Append materializes ledger entries strictly after startSeq, at most
// maxRows of them (Unbounded for all). Re-running over already indexed
// entries is harmless. It returns the number of rows inserted and the
// highest sequence read, or startSeq when nothing was read.
func (m *Materializer) Append(ctx context.Context, startSeq int64, maxRows int) (int64, int64, error) {
	var inserted int64
	highWater := startSeq
	read := 0

	for {
		limit := m.pageSize
		if maxRows > 0 {
			remaining := maxRows - read
			if remaining <= 0 {
				break
			}
			if remaining < limit {
				limit = remaining
			}
		}

		page, err := m.ledger.ListChangesSince(ctx, highWater, limit)
		if err != nil {
			return inserted, highWater, fmt.Errorf("read ledger after %d: %w", highWater, err)
		}
		if len(page.Changes) == 0 {
			break
		}

		rows := make([]forgesync.TxIndexRow, len(page.Changes))
		for i, e := range page.Changes {
			rows[i] = m.indexRow(e)
		}
		n, err := m.index.InsertIndexRows(ctx, rows)
		if err != nil {
			return inserted, highWater, fmt.Errorf("insert index rows: %w", err)
		}

		inserted += n
		read += len(page.Changes)
		highWater = page.LastSeq
		if !page.HasMore {
			break
		}
	}
	return inserted, highWater, nil
}

// Rebuild truncates the index and re-derives it from the whole ledger.
func (m *Materializer) Rebuild(ctx context.Context) (int64, error) {
	start := time.Now()
	if err := m.index.TruncateIndex(ctx); err != nil {
		return 0, err
	}
	inserted, highWater, err := m.Append(ctx, 0, Unbounded)
	if err != nil {
		return inserted, err
	}

	slog.Info("tx index rebuilt",
		"component", "txindex",
		"action", "index_rebuilt",
		"rows", inserted,
		"high_water", highWater,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return inserted, nil
}

// EnsureUpToDate appends the ledger delta beyond the index's max sequence,
// bounded by maxCatchupRows so a request never waits on a full rebuild.
func (m *Materializer) EnsureUpToDate(ctx context.Context, maxCatchupRows int) (int64, error) {
	indexMax, err := m.index.MaxIndexedSeq(ctx)
	if err != nil {
		return 0, err
	}
	ledgerMax, err := m.ledger.GetLedgerLastSeq(ctx)
	if err != nil {
		return 0, err
	}
	if indexMax >= ledgerMax {
		return 0, nil
	}

	inserted, highWater, err := m.Append(ctx, indexMax, maxCatchupRows)
	if err != nil {
		return inserted, err
	}
	if highWater < ledgerMax {
		slog.Debug("tx index catch-up bounded",
			"component", "txindex",
			"action", "catchup_partial",
			"high_water", highWater,
			"ledger_max", ledgerMax,
		)
	}
	return inserted, nil
}

// Status reports how far the index lags behind the ledger.
func (m *Materializer) Status(ctx context.Context) (*forgesync.IndexStatus, error) {
	indexMax, err := m.index.MaxIndexedSeq(ctx)
	if err != nil {
		return nil, err
	}
	ledgerMax, err := m.ledger.GetLedgerLastSeq(ctx)
	if err != nil {
		return nil, err
	}
	count, err := m.index.CountIndexRows(ctx)
	if err != nil {
		return nil, err
	}
	lag := ledgerMax - indexMax
	if lag < 0 {
		lag = 0
	}
	return &forgesync.IndexStatus{
		IndexMaxSeq:  indexMax,
		LedgerMaxSeq: ledgerMax,
		Lag:          lag,
		IndexRows:    count,
	}, nil
}

func (m *Materializer) indexRow(e forgesync.ChangeLogEntry) forgesync.TxIndexRow {
	return forgesync.TxIndexRow{
		ServerSeq: e.Sequence,
		TableName: e.TableName,
		RowID:     e.EntityID,
		Op:        e.Operation,
		Payload:   e.Payload,
		CreatedAt: m.effectiveTime(e.Payload),
	}
}

// effectiveTime prefers the payload's updated_at, then its created_at, then
// the current time.
func (m *Materializer) effectiveTime(payload json.RawMessage) time.Time {
	var ts struct {
		UpdatedAt string `json:"updated_at"`
		CreatedAt string `json:"created_at"`
	}
	if len(payload) > 0 && json.Unmarshal(payload, &ts) == nil {
		for _, v := range []string{ts.UpdatedAt, ts.CreatedAt} {
			if v == "" {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t.UTC()
			}
		}
	}
	return m.now().UTC()
}
