package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	forgesync "github.com/hyperengineering/forge/internal/sync"
)

const insertChangeLogSQL = `
	INSERT INTO change_log (table_name, entity_id, operation, payload, source_id, batch_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

const selectChangeLogSQL = `
	SELECT sequence, table_name, entity_id, operation, payload, source_id, batch_id, created_at, received_at
	FROM change_log`

// changeLogArgs returns the SQL arguments for inserting a ChangeLogEntry.
func changeLogArgs(e *forgesync.ChangeLogEntry) []any {
	return []any{
		e.TableName, e.EntityID, e.Operation,
		nullablePayload(e.Payload), e.SourceID, nullableString(e.BatchID),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ListChangesSince returns ledger entries with sequence > afterSeq in
// ascending order, at most limit of them. LastSeq is the sequence of the
// final returned entry, or afterSeq when none are returned.
func (s *SQLiteStore) ListChangesSince(ctx context.Context, afterSeq int64, limit int) (*forgesync.ChangePage, error) {
	if limit <= 0 {
		limit = forgesync.DefaultPullLimit
	}

	rows, err := s.db.QueryContext(ctx, selectChangeLogSQL+`
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, afterSeq, limit+1)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries, err := scanChangeLog(rows)
	if err != nil {
		return nil, err
	}

	page := &forgesync.ChangePage{LastSeq: afterSeq}
	if len(entries) > limit {
		page.HasMore = true
		entries = entries[:limit]
	}
	page.Changes = entries
	if len(entries) > 0 {
		page.LastSeq = entries[len(entries)-1].Sequence
	}
	return page, nil
}

// ListChangesByBatch returns every ledger entry written by one push.
func (s *SQLiteStore) ListChangesByBatch(ctx context.Context, batchID string) ([]forgesync.ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, selectChangeLogSQL+`
		WHERE batch_id = ?
		ORDER BY sequence ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query change log batch: %w", err)
	}
	defer rows.Close()
	return scanChangeLog(rows)
}

func scanChangeLog(rows *sql.Rows) ([]forgesync.ChangeLogEntry, error) {
	entries := make([]forgesync.ChangeLogEntry, 0)
	for rows.Next() {
		var e forgesync.ChangeLogEntry
		var payload, batchID sql.NullString
		var createdAt, receivedAt string

		if err := rows.Scan(&e.Sequence, &e.TableName, &e.EntityID, &e.Operation,
			&payload, &e.SourceID, &batchID, &createdAt, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}

		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.BatchID = batchID.String

		var parseErr error
		if e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt); parseErr != nil {
			slog.Warn("change_log: failed to parse created_at", "value", createdAt, "error", parseErr)
		}
		if e.ReceivedAt, parseErr = time.Parse(time.RFC3339Nano, receivedAt); parseErr != nil {
			slog.Warn("change_log: failed to parse received_at", "value", receivedAt, "error", parseErr)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetLedgerLastSeq returns the highest sequence in the ledger, or 0 when empty.
func (s *SQLiteStore) GetLedgerLastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM change_log`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get ledger last sequence: %w", err)
	}
	return seq.Int64, nil
}

// CheckPushIdempotency returns the cached response for a push_id that the
// same client has already had processed, unless it has expired.
func (s *SQLiteStore) CheckPushIdempotency(ctx context.Context, pushID, clientID string) ([]byte, bool, error) {
	var response, expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT response, expires_at FROM push_idempotency WHERE push_id = ? AND client_id = ?
	`, pushID, clientID).Scan(&response, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	expires, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil {
		slog.Warn("push_idempotency: failed to parse expires_at", "value", expiresAt, "error", parseErr)
	}
	if time.Now().After(expires) {
		return nil, false, nil
	}
	return []byte(response), true, nil
}

// RecordPushIdempotency caches the response of a processed push.
func (s *SQLiteStore) RecordPushIdempotency(ctx context.Context, pushID, clientID string, response []byte, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO push_idempotency (push_id, client_id, response, expires_at)
		VALUES (?, ?, ?, ?)
	`, pushID, clientID, string(response), expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record push idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency entries and returns
// how many were removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM push_idempotency WHERE expires_at < ?
	`, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// GetSyncState returns the recorded progress of one client.
func (s *SQLiteStore) GetSyncState(ctx context.Context, clientID string) (*forgesync.SyncState, error) {
	var st forgesync.SyncState
	var pushedAt, pulledAt, userID sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, last_pushed_at, last_pulled_at, last_pulled_server_seq, last_user_id
		FROM sync_state WHERE client_id = ?
	`, clientID).Scan(&st.ClientID, &pushedAt, &pulledAt, &st.LastPulledServerSeq, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state for client %q: %w", clientID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}

	st.LastPushedAt = parseNullableTime(pushedAt)
	st.LastPulledAt = parseNullableTime(pulledAt)
	st.LastUserID = userID.String
	return &st, nil
}

// RecordPull stores the sequence a client has pulled up to. The recorded
// sequence never moves backwards.
func (s *SQLiteStore) RecordPull(ctx context.Context, clientID, userID string, seq int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (client_id, last_pulled_at, last_pulled_server_seq, last_user_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			last_pulled_at = excluded.last_pulled_at,
			last_pulled_server_seq = MAX(sync_state.last_pulled_server_seq, excluded.last_pulled_server_seq),
			last_user_id = excluded.last_user_id
	`, clientID, at.UTC().Format(time.RFC3339Nano), seq, nullableString(userID))
	if err != nil {
		return fmt.Errorf("record pull: %w", err)
	}
	return nil
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		slog.Warn("sync_state: failed to parse timestamp", "value", v.String, "error", err)
		return nil
	}
	return &t
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
