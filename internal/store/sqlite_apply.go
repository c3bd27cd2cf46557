package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hyperengineering/forge/internal/apply"
	forgesync "github.com/hyperengineering/forge/internal/sync"
	"github.com/hyperengineering/forge/internal/tables"
)

// applyTx implements apply.Tx over a single *sql.Tx.
type applyTx struct {
	tx *sql.Tx
}

var _ apply.Tx = (*applyTx)(nil)

func (t *applyTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (t *applyTx) Rollback() error {
	return t.tx.Rollback()
}

// RowMeta returns the syncable columns of the existing rows among ids.
func (t *applyTx) RowMeta(ctx context.Context, table string, ids []string) (map[string]apply.RowMeta, error) {
	out := make(map[string]apply.RowMeta, len(ids))
	for _, part := range chunk(ids) {
		q := fmt.Sprintf(
			"SELECT id, created_at, updated_at, deleted_at, last_server_seq FROM %s WHERE id IN (%s)",
			table, placeholders(len(part)),
		)
		rows, err := t.tx.QueryContext(ctx, q, stringArgs(part)...)
		if err != nil {
			return nil, fmt.Errorf("query %s row meta: %w", table, err)
		}
		for rows.Next() {
			var m apply.RowMeta
			var createdAt, updatedAt string
			var deletedAt sql.NullString
			var seq sql.NullInt64
			if err := rows.Scan(&m.ID, &createdAt, &updatedAt, &deletedAt, &seq); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s row meta: %w", table, err)
			}
			if ts, err := tables.ParseTime(createdAt); err == nil {
				m.CreatedAt = ts
			}
			if ts, err := tables.ParseTime(updatedAt); err == nil {
				m.UpdatedAt = ts
			} else {
				slog.Warn("row meta: failed to parse updated_at", "table", table, "id", m.ID, "value", updatedAt)
			}
			if deletedAt.Valid {
				if ts, err := tables.ParseTime(deletedAt.String); err == nil {
					m.DeletedAt = &ts
				}
			}
			if seq.Valid {
				v := seq.Int64
				m.LastServerSeq = &v
			}
			out[m.ID] = m
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s row meta: %w", table, err)
		}
		rows.Close()
	}
	return out, nil
}

// LookupNaturalKeys resolves natural keys to canonical ids, tombstoned rows
// included.
func (t *applyTx) LookupNaturalKeys(ctx context.Context, spec *tables.Spec, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if !spec.HasNaturalKey() || len(keys) == 0 {
		return out, nil
	}

	width := len(spec.NaturalKey)
	perQuery := maxInArgs / width
	cond := "(" + strings.Join(spec.NaturalKey, " = ? AND ") + " = ?)"

	for start := 0; start < len(keys); start += perQuery {
		end := start + perQuery
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]

		conds := make([]string, len(part))
		args := make([]any, 0, len(part)*width)
		for i, key := range part {
			conds[i] = cond
			values := strings.Split(key, "\x1f")
			if len(values) != width {
				return nil, fmt.Errorf("natural key %q has %d parts, want %d", key, len(values), width)
			}
			for _, v := range values {
				args = append(args, v)
			}
		}

		q := fmt.Sprintf("SELECT id, %s FROM %s WHERE %s",
			strings.Join(spec.NaturalKey, ", "), spec.Name, strings.Join(conds, " OR "))
		rows, err := t.tx.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("lookup %s natural keys: %w", spec.Name, err)
		}
		for rows.Next() {
			var id string
			values := make([]string, width)
			dest := make([]any, 0, width+1)
			dest = append(dest, &id)
			for i := range values {
				dest = append(dest, &values[i])
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s natural key: %w", spec.Name, err)
			}
			out[strings.Join(values, "\x1f")] = id
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s natural keys: %w", spec.Name, err)
		}
		rows.Close()
	}
	return out, nil
}

// ExistingIDs reports which of ids exist in table.
func (t *applyTx) ExistingIDs(ctx context.Context, table string, ids []string) (map[string]bool, error) {
	rows, err := t.FetchColumns(ctx, table, ids, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for id := range rows {
		out[id] = true
	}
	return out, nil
}

// FetchColumns reads cols of the existing rows among ids. Values come back
// as stored: text as string, integers as int64, reals as float64.
func (t *applyTx) FetchColumns(ctx context.Context, table string, ids []string, cols []string) (map[string]tables.Row, error) {
	out := make(map[string]tables.Row, len(ids))
	selectCols := append([]string{tables.ColID}, cols...)

	for _, part := range chunk(ids) {
		q := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)",
			strings.Join(selectCols, ", "), table, placeholders(len(part)))
		rows, err := t.tx.QueryContext(ctx, q, stringArgs(part)...)
		if err != nil {
			return nil, fmt.Errorf("fetch %s columns: %w", table, err)
		}
		for rows.Next() {
			values := make([]any, len(selectCols))
			dest := make([]any, len(selectCols))
			for i := range values {
				dest[i] = &values[i]
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s columns: %w", table, err)
			}
			row := make(tables.Row, len(selectCols))
			for i, col := range selectCols {
				row[col] = sqlValue(values[i])
			}
			out[row.ID()] = row
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s columns: %w", table, err)
		}
		rows.Close()
	}
	return out, nil
}

// UpsertRow inserts a prepared row or updates every column except id and
// created_at of the existing row.
func (t *applyTx) UpsertRow(ctx context.Context, spec *tables.Spec, row tables.Row) error {
	cols := spec.AllColumns()
	marks := make([]string, len(cols))
	updates := make([]string, 0, len(cols))
	args := make([]any, len(cols))

	for i, col := range cols {
		marks[i] = "?"
		args[i] = mapValueToSQL(row[col])
		if col != tables.ColID && col != tables.ColCreatedAt {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		spec.Name,
		strings.Join(cols, ", "),
		strings.Join(marks, ", "),
		strings.Join(updates, ", "),
	)
	if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("upsert %s row %s: %w", spec.Name, row.ID(), err)
	}
	return nil
}

// AppendChange appends one ledger entry and returns its sequence.
func (t *applyTx) AppendChange(ctx context.Context, entry *forgesync.ChangeLogEntry) (int64, error) {
	result, err := t.tx.ExecContext(ctx, insertChangeLogSQL, changeLogArgs(entry)...)
	if err != nil {
		return 0, fmt.Errorf("append change log: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return seq, nil
}

// StampServerSeq sets last_server_seq on many rows with one UPDATE per chunk.
func (t *applyTx) StampServerSeq(ctx context.Context, table string, seqs map[string]int64) error {
	if len(seqs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(seqs))
	for id := range seqs {
		ids = append(ids, id)
	}

	// Each id binds three parameters: two in the CASE arm, one in the IN list.
	for start := 0; start < len(ids); start += maxInArgs / 3 {
		end := start + maxInArgs/3
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[start:end]

		var b strings.Builder
		args := make([]any, 0, len(part)*3)
		fmt.Fprintf(&b, "UPDATE %s SET last_server_seq = CASE id", table)
		for _, id := range part {
			b.WriteString(" WHEN ? THEN ?")
			args = append(args, id, seqs[id])
		}
		fmt.Fprintf(&b, " END WHERE id IN (%s)", placeholders(len(part)))
		for _, id := range part {
			args = append(args, id)
		}

		if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("stamp %s server seq: %w", table, err)
		}
	}
	return nil
}

// RecordOwner inserts the owner of a row once; later writers never replace it.
func (t *applyTx) RecordOwner(ctx context.Context, table, rowID string, owner forgesync.Principal, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO row_owners (table_name, row_id, owner_user_id, owner_username, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, table, rowID, owner.ID, nullableString(owner.Username), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record owner of %s row %s: %w", table, rowID, err)
	}
	return nil
}

// TouchSyncState records a push from clientID.
func (t *applyTx) TouchSyncState(ctx context.Context, clientID, userID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_state (client_id, last_pushed_at, last_user_id)
		VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			last_pushed_at = excluded.last_pushed_at,
			last_user_id = excluded.last_user_id
	`, clientID, at.UTC().Format(time.RFC3339Nano), nullableString(userID))
	if err != nil {
		return fmt.Errorf("touch sync state: %w", err)
	}
	return nil
}

// mapValueToSQL converts decoded row values to SQL parameters.
func mapValueToSQL(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any, []any:
		b, _ := json.Marshal(val)
		return string(b)
	default:
		return v
	}
}

// sqlValue normalizes scanned driver values.
func sqlValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
