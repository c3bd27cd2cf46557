package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	forgesync "github.com/hyperengineering/forge/internal/sync"
)

// InsertIndexRows writes materialized ledger entries, skipping any server_seq
// already present. Returns the number of rows inserted.
func (s *SQLiteStore) InsertIndexRows(ctx context.Context, rows []forgesync.TxIndexRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO ledger_tx_index (server_seq, table_name, row_id, op, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare index insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for i := range rows {
		r := &rows[i]
		res, err := stmt.ExecContext(ctx, r.ServerSeq, r.TableName, r.RowID, r.Op,
			nullablePayload(r.Payload), r.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return 0, fmt.Errorf("insert index row %d: %w", r.ServerSeq, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return inserted, nil
}

// TruncateIndex removes every row of the tx index.
func (s *SQLiteStore) TruncateIndex(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ledger_tx_index`); err != nil {
		return fmt.Errorf("truncate tx index: %w", err)
	}
	return nil
}

// MaxIndexedSeq returns the highest materialized server_seq, or 0 when empty.
func (s *SQLiteStore) MaxIndexedSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(server_seq) FROM ledger_tx_index`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get max indexed sequence: %w", err)
	}
	return seq.Int64, nil
}

// CountIndexRows returns the number of materialized rows.
func (s *SQLiteStore) CountIndexRows(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_tx_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tx index rows: %w", err)
	}
	return n, nil
}

// ListIndexRows returns materialized rows with server_seq > afterSeq in
// ascending order. The boolean reports whether more rows follow.
func (s *SQLiteStore) ListIndexRows(ctx context.Context, afterSeq int64, limit int) ([]forgesync.TxIndexRow, bool, error) {
	if limit <= 0 {
		limit = forgesync.DefaultPullLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT server_seq, table_name, row_id, op, payload_json, created_at
		FROM ledger_tx_index
		WHERE server_seq > ?
		ORDER BY server_seq ASC
		LIMIT ?
	`, afterSeq, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query tx index: %w", err)
	}
	defer rows.Close()

	out := make([]forgesync.TxIndexRow, 0)
	for rows.Next() {
		var r forgesync.TxIndexRow
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ServerSeq, &r.TableName, &r.RowID, &r.Op, &payload, &createdAt); err != nil {
			return nil, false, fmt.Errorf("scan tx index row: %w", err)
		}
		if payload.Valid {
			r.Payload = json.RawMessage(payload.String)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			slog.Warn("ledger_tx_index: failed to parse created_at", "value", createdAt, "error", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate tx index: %w", err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}
