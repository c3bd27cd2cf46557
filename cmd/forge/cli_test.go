package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/forge/internal/apply"
	"github.com/hyperengineering/forge/internal/store"
	forgesync "github.com/hyperengineering/forge/internal/sync"
)

// executeCmd runs the root command with captured output against dbPath.
func executeCmd(t *testing.T, dbPath string, args ...string) (stdout string, err error) {
	t.Helper()

	// Cobra parses into package-level variables; stale values from earlier
	// tests would leak otherwise.
	dbPathOverride = ""
	jsonOutput = false
	indexCatchupMax = 0
	tailAfter = -1
	tailLimit = 20
	tailBatch = ""

	outBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(append(args, "--db", dbPath))

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)

	return outBuf.String(), err
}

// seedLedger pushes n (at most 3) entity types, one push each, and returns
// the batch ids.
func seedLedger(t *testing.T, dbPath string, n int) []string {
	t.Helper()
	t.Setenv("FORGE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	defer s.Close()

	types := []struct{ id, code string }{
		{"40000000-0000-4000-8000-000000000001", "engine"},
		{"40000000-0000-4000-8000-000000000002", "pump"},
		{"40000000-0000-4000-8000-000000000003", "turbo"},
	}

	c := apply.NewCoordinator(s, nil)
	var batches []string
	for _, et := range types[:n] {
		row, _ := json.Marshal(map[string]any{"id": et.id, "code": et.code, "updated_at": "2026-03-01T10:00:00Z"})
		res, err := c.Apply(context.Background(), forgesync.Principal{ID: "user-1", Username: "tech"}, forgesync.PushRequest{
			ClientID: "cli-test",
			Upserts:  []forgesync.TableRows{{Table: "entity_types", Rows: []json.RawMessage{row}}},
		}, apply.Options{})
		if err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		batches = append(batches, res.BatchID)
	}
	return batches
}

func TestIndexStatus_Empty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	t.Setenv("FORGE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	stdout, err := executeCmd(t, dbPath, "index", "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Lag:             0") {
		t.Errorf("stdout = %q, want zero lag", stdout)
	}
	if !strings.Contains(stdout, "never") {
		t.Errorf("stdout = %q, want 'never' for last rebuild", stdout)
	}
}

func TestIndexCatchup_ThenStatus(t *testing.T) {
	// Given: two pushes, four ledger entries
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	seedLedger(t, dbPath, 2)

	// When: a bounded catch-up runs
	stdout, err := executeCmd(t, dbPath, "index", "catchup", "--max-rows", "3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Then
	if !strings.Contains(stdout, "Appended 3 rows (lag now 1)") {
		t.Errorf("stdout = %q", stdout)
	}

	stdout, err = executeCmd(t, dbPath, "index", "status", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st map[string]any
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("invalid JSON output: %v\nraw: %s", err, stdout)
	}
	if st["lag"] != float64(1) || st["index_rows"] != float64(3) {
		t.Errorf("status = %v", st)
	}
}

func TestIndexRebuild(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	seedLedger(t, dbPath, 2)

	stdout, err := executeCmd(t, dbPath, "index", "rebuild", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\nraw: %s", err, stdout)
	}
	if result["rows"] != float64(4) {
		t.Errorf("rows = %v, want 4", result["rows"])
	}

	stdout, err = executeCmd(t, dbPath, "index", "status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(stdout, "never") {
		t.Errorf("stdout = %q, want a recorded rebuild time", stdout)
	}
}

func TestLedgerTail_Table(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	seedLedger(t, dbPath, 2)

	stdout, err := executeCmd(t, dbPath, "ledger", "tail")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout, "SEQ") || !strings.Contains(stdout, "TABLE") {
		t.Errorf("stdout = %q, want header row", stdout)
	}
	if got := strings.Count(stdout, "entity_types"); got != 2 {
		t.Errorf("entity_types rows = %d, want 2\n%s", got, stdout)
	}
	if got := strings.Count(stdout, "presence"); got != 2 {
		t.Errorf("presence rows = %d, want 2\n%s", got, stdout)
	}
}

func TestLedgerTail_AfterAndLimit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	seedLedger(t, dbPath, 3)

	stdout, err := executeCmd(t, dbPath, "ledger", "tail", "--after", "2", "--limit", "2", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Entries []forgesync.ChangeLogEntry `json:"entries"`
		Total   int                        `json:"total"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\nraw: %s", err, stdout)
	}
	if result.Total != 2 {
		t.Fatalf("total = %d, want 2", result.Total)
	}
	if result.Entries[0].Sequence != 3 || result.Entries[1].Sequence != 4 {
		t.Errorf("sequences = %d, %d, want 3, 4", result.Entries[0].Sequence, result.Entries[1].Sequence)
	}
}

func TestLedgerTail_DefaultShowsLastEntries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	seedLedger(t, dbPath, 3)

	stdout, err := executeCmd(t, dbPath, "ledger", "tail", "--limit", "2", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Entries []forgesync.ChangeLogEntry `json:"entries"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if len(result.Entries) != 2 || result.Entries[1].Sequence != 6 {
		t.Errorf("entries = %+v, want the last two", result.Entries)
	}
}

func TestLedgerTail_Batch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	batches := seedLedger(t, dbPath, 2)

	stdout, err := executeCmd(t, dbPath, "ledger", "tail", "--batch", batches[1], "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Entries []forgesync.ChangeLogEntry `json:"entries"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(result.Entries))
	}
	for _, e := range result.Entries {
		if e.BatchID != batches[1] {
			t.Errorf("batch_id = %q, want %q", e.BatchID, batches[1])
		}
	}
}

func TestLedgerTail_InvalidBatch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	t.Setenv("FORGE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := executeCmd(t, dbPath, "ledger", "tail", "--batch", "not-a-ulid")
	if err == nil {
		t.Fatal("expected error for invalid batch id, got nil")
	}
	if !strings.Contains(err.Error(), "invalid --batch") {
		t.Errorf("error = %q, want it to mention --batch", err.Error())
	}
}

func TestLedgerTail_Empty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	t.Setenv("FORGE_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	stdout, err := executeCmd(t, dbPath, "ledger", "tail")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "No ledger entries.") {
		t.Errorf("stdout = %q", stdout)
	}
}
