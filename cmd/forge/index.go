package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	forgesync "github.com/hyperengineering/forge/internal/sync"
	"github.com/hyperengineering/forge/internal/txindex"
)

var indexCatchupMax int

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Maintain the ledger tx index",
	Long:  "Rebuild, catch up, or inspect the ledger tx index without running the server.",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Truncate the tx index and re-derive it from the whole ledger",
	Args:  cobra.NoArgs,
	RunE:  runIndexRebuild,
}

var indexCatchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Append ledger entries the tx index has not seen yet",
	Args:  cobra.NoArgs,
	RunE:  runIndexCatchup,
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how far the tx index lags behind the ledger",
	Args:  cobra.NoArgs,
	RunE:  runIndexStatus,
}

func init() {
	addLocalFlags(indexCmd)
	indexCatchupCmd.Flags().IntVar(&indexCatchupMax, "max-rows", txindex.Unbounded,
		"Maximum ledger entries to append (0 = all)")

	indexCmd.AddCommand(indexRebuildCmd)
	indexCmd.AddCommand(indexCatchupCmd)
	indexCmd.AddCommand(indexStatusCmd)
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, cfg, err := openLocalStore()
	if err != nil {
		return err
	}
	defer s.Close()

	start := time.Now()
	rows, err := txindex.New(s, s, cfg.Index.PageSize).Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	now := time.Now().UTC()
	if err := s.SetSyncMeta(ctx, forgesync.SyncMetaLastIndexRebuildAt, now.Format(time.RFC3339Nano)); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"rows":        rows,
			"rebuilt_at":  now,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rebuilt tx index: %d rows in %s\n", rows, time.Since(start).Round(time.Millisecond))
	return nil
}

func runIndexCatchup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, cfg, err := openLocalStore()
	if err != nil {
		return err
	}
	defer s.Close()

	m := txindex.New(s, s, cfg.Index.PageSize)
	inserted, err := m.EnsureUpToDate(ctx, indexCatchupMax)
	if err != nil {
		return fmt.Errorf("catch up index: %w", err)
	}
	st, err := m.Status(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"inserted": inserted,
			"status":   st,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Appended %d rows (lag now %d)\n", inserted, st.Lag)
	return nil
}

func runIndexStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, cfg, err := openLocalStore()
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := txindex.New(s, s, cfg.Index.PageSize).Status(ctx)
	if err != nil {
		return err
	}
	lastRebuild, err := s.GetSyncMeta(ctx, forgesync.SyncMetaLastIndexRebuildAt)
	if err != nil {
		lastRebuild = ""
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"index_max_seq":         st.IndexMaxSeq,
			"ledger_max_seq":        st.LedgerMaxSeq,
			"lag":                   st.Lag,
			"index_rows":            st.IndexRows,
			"last_index_rebuild_at": lastRebuild,
		})
	}

	if lastRebuild == "" {
		lastRebuild = "never"
	}
	fmt.Fprintf(out, "Ledger max seq:  %d\n", st.LedgerMaxSeq)
	fmt.Fprintf(out, "Index max seq:   %d\n", st.IndexMaxSeq)
	fmt.Fprintf(out, "Lag:             %d\n", st.Lag)
	fmt.Fprintf(out, "Index rows:      %d\n", st.IndexRows)
	fmt.Fprintf(out, "Last rebuild:    %s\n", lastRebuild)
	return nil
}
