package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/forge/internal/tables"
)

func TestGenerateSnapshot_FileDatabase(t *testing.T) {
	// Given: a file-backed store
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "forge.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.GetSnapshotPath(ctx); !errors.Is(err, ErrSnapshotNotReady) {
		t.Fatalf("GetSnapshotPath before generate = %v, want ErrSnapshotNotReady", err)
	}

	// When: a snapshot is generated
	if err := s.GenerateSnapshot(ctx); err != nil {
		t.Fatalf("GenerateSnapshot: %v", err)
	}

	// Then: the snapshot file exists and stats record it
	path, err := s.GetSnapshotPath(ctx)
	if err != nil {
		t.Fatalf("GetSnapshotPath: %v", err)
	}
	if path != filepath.Join(dir, "snapshots", "current.db") {
		t.Errorf("path = %s", path)
	}
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		t.Errorf("snapshot file missing or empty: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.LastSnapshot == nil {
		t.Error("expected LastSnapshot to be set")
	}
}

func TestGenerateSnapshot_InMemory(t *testing.T) {
	s := newTestStore(t)
	if err := s.GenerateSnapshot(context.Background()); !errors.Is(err, ErrInMemory) {
		t.Errorf("GenerateSnapshot = %v, want ErrInMemory", err)
	}
	if _, err := s.GetSnapshotPath(context.Background()); !errors.Is(err, ErrInMemory) {
		t.Errorf("GetSnapshotPath = %v, want ErrInMemory", err)
	}
}

func TestGetStats_CountsLiveRows(t *testing.T) {
	// Given: one live and one tombstoned entity type plus two ledger entries
	s := newTestStore(t)
	ctx := context.Background()
	tx, err := s.BeginApply(ctx)
	if err != nil {
		t.Fatalf("BeginApply: %v", err)
	}
	spec := mustSpec(t, tables.EntityTypes)
	ts := "2026-03-01T10:00:00.000000000Z"
	tomb := entityTypeRow(pumpTypeID, "pump", ts)
	tomb[tables.ColDeletedAt] = ts
	for _, row := range []tables.Row{entityTypeRow(engineTypeID, "engine", ts), tomb} {
		if err := tx.UpsertRow(ctx, spec, row); err != nil {
			t.Fatalf("UpsertRow: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	appendEntries(t, s, "01HQZ8X6Y7K3M4N5P6Q7R8S9T0", 2)

	// When
	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	// Then
	if stats.RowCounts[tables.EntityTypes] != 1 {
		t.Errorf("entity_types = %d, want 1", stats.RowCounts[tables.EntityTypes])
	}
	if _, ok := stats.RowCounts[tables.Presence]; !ok {
		t.Error("presence missing from row counts")
	}
	if stats.LedgerMaxSeq != 2 || stats.IndexMaxSeq != 0 {
		t.Errorf("ledger=%d index=%d, want 2/0", stats.LedgerMaxSeq, stats.IndexMaxSeq)
	}
	if stats.LastSnapshot != nil {
		t.Error("unexpected LastSnapshot")
	}
}
