package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	forgesync "github.com/hyperengineering/forge/internal/sync"
	"github.com/hyperengineering/forge/internal/validation"
)

var (
	tailAfter int64
	tailLimit int
	tailBatch string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the change ledger",
}

var ledgerTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print ledger entries after a sequence, or those of one push batch",
	Args:  cobra.NoArgs,
	RunE:  runLedgerTail,
}

func init() {
	addLocalFlags(ledgerCmd)
	ledgerTailCmd.Flags().Int64Var(&tailAfter, "after", -1,
		"Print entries after this sequence (default: the last --limit entries)")
	ledgerTailCmd.Flags().IntVar(&tailLimit, "limit", 20, "Maximum entries to print")
	ledgerTailCmd.Flags().StringVar(&tailBatch, "batch", "", "Print the entries of one batch (ULID)")

	ledgerCmd.AddCommand(ledgerTailCmd)
}

func runLedgerTail(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if tailLimit < 1 {
		return fmt.Errorf("--limit must be >= 1")
	}
	if tailBatch != "" {
		if verr := validation.ValidateULID("batch", tailBatch); verr != nil {
			return fmt.Errorf("invalid --batch: %s", verr.Message)
		}
	}

	s, _, err := openLocalStore()
	if err != nil {
		return err
	}
	defer s.Close()

	var entries []forgesync.ChangeLogEntry
	if tailBatch != "" {
		entries, err = s.ListChangesByBatch(ctx, strings.ToUpper(tailBatch))
		if err != nil {
			return fmt.Errorf("list batch: %w", err)
		}
	} else {
		after := tailAfter
		if after < 0 {
			last, err := s.GetLedgerLastSeq(ctx)
			if err != nil {
				return err
			}
			after = max(last-int64(tailLimit), 0)
		}
		page, err := s.ListChangesSince(ctx, after, tailLimit)
		if err != nil {
			return fmt.Errorf("list ledger: %w", err)
		}
		entries = page.Changes
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if entries == nil {
			entries = []forgesync.ChangeLogEntry{}
		}
		return printJSON(out, map[string]any{
			"entries": entries,
			"total":   len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No ledger entries.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "SEQ\tTABLE\tROW\tOP\tBATCH\tSOURCE\tRECEIVED")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Sequence,
			e.TableName,
			e.EntityID,
			e.Operation,
			e.BatchID,
			e.SourceID,
			e.ReceivedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()
	return nil
}
