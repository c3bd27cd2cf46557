package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/forge/internal/apply"
	forgesync "github.com/hyperengineering/forge/internal/sync"
	"github.com/hyperengineering/forge/internal/tables"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed canonical store, ledger and tx index.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens the database at dbPath, applies pragmas and runs
// migrations. The pool is pinned to a single connection so push
// transactions serialize.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BeginApply starts a push transaction.
func (s *SQLiteStore) BeginApply(ctx context.Context) (apply.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &applyTx{tx: tx}, nil
}

// GetStats returns live row counts per table and ledger/index high-water marks.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{RowCounts: make(map[string]int64)}

	for _, name := range tables.Names() {
		var n int64
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL", name)
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		stats.RowCounts[name] = n
	}

	var err error
	if stats.LedgerMaxSeq, err = s.GetLedgerLastSeq(ctx); err != nil {
		return nil, err
	}
	if stats.IndexMaxSeq, err = s.MaxIndexedSeq(ctx); err != nil {
		return nil, err
	}

	if v, err := s.GetSyncMeta(ctx, forgesync.SyncMetaLastSnapshotAt); err == nil {
		if ts, parseErr := time.Parse(time.RFC3339Nano, v); parseErr == nil {
			stats.LastSnapshot = &ts
		}
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return stats, nil
}

// GetSnapshotPath returns the path of the most recent snapshot file.
func (s *SQLiteStore) GetSnapshotPath(ctx context.Context) (string, error) {
	path, err := s.snapshotPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrSnapshotNotReady
		}
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	return path, nil
}

// GenerateSnapshot writes a consistent copy of the database next to it using
// VACUUM INTO, replacing the previous snapshot atomically.
func (s *SQLiteStore) GenerateSnapshot(ctx context.Context) error {
	path, err := s.snapshotPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("vacuum into snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install snapshot: %w", err)
	}

	now := time.Now().UTC()
	if err := s.SetSyncMeta(ctx, forgesync.SyncMetaLastSnapshotAt, now.Format(time.RFC3339Nano)); err != nil {
		return err
	}

	slog.Info("snapshot generated",
		"component", "store",
		"action", "snapshot_generated",
		"path", path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *SQLiteStore) snapshotPath() (string, error) {
	if s.dbPath == "" || s.dbPath == ":memory:" || strings.HasPrefix(s.dbPath, "file::memory:") {
		return "", ErrInMemory
	}
	return filepath.Join(filepath.Dir(s.dbPath), "snapshots", "current.db"), nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// maxInArgs bounds the number of bound parameters per IN (...) query.
const maxInArgs = 500

// chunk splits ids into slices of at most maxInArgs.
func chunk(ids []string) [][]string {
	var out [][]string
	for len(ids) > maxInArgs {
		out = append(out, ids[:maxInArgs])
		ids = ids[maxInArgs:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
