package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/mutation"
	"github.com/hyperengineering/tether/internal/store"
)

var queueListLimit int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the mutation queue",
	Long:  "List and summarize queued mutations without running the server.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations in sequence order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth and sync progress",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

func init() {
	registerLocalFlags(queueCmd)
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 100,
		"Maximum number of entries to list")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)

	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := db.Pending(ctx, queueListLimit)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	if jsonOutput {
		items := make([]map[string]any, len(entries))
		for i, e := range entries {
			items[i] = map[string]any{
				"sequence":    e.Sequence,
				"table":       e.TableName,
				"id":          e.EntityID,
				"operation":   e.Operation,
				"attempts":    e.Attempts,
				"last_error":  e.LastError,
				"enqueued_at": e.EnqueuedAt,
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"entries": items,
			"total":   len(items),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "SEQ\tTABLE\tID\tOP\tATTEMPTS\tENQUEUED\tLAST ERROR")
	for _, e := range entries {
		lastErr := e.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Sequence,
			e.TableName,
			e.EntityID,
			e.Operation,
			e.Attempts,
			e.EnqueuedAt.Format("2006-01-02 15:04"),
			truncate(lastErr, 40),
		)
	}
	w.Flush()

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	queueLen, err := db.QueueLen(ctx)
	if err != nil {
		return fmt.Errorf("queue length: %w", err)
	}
	deadLetters, err := db.DeadLetterCount(ctx)
	if err != nil {
		return fmt.Errorf("dead letter count: %w", err)
	}
	sourceID, err := db.EnsureSourceID(ctx)
	if err != nil {
		return fmt.Errorf("source id: %w", err)
	}

	// Drain progress is absent until the first successful drain.
	lastDrainAt := syncMetaOrDash(ctx, db, mutation.MetaLastDrainAt)
	lastDrainSeq := syncMetaOrDash(ctx, db, mutation.MetaLastDrainSeq)
	schemaVersion := syncMetaOrDash(ctx, db, mutation.MetaSchemaVersion)

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"queue_len":      queueLen,
			"dead_letters":   deadLetters,
			"source_id":      sourceID,
			"schema_version": schemaVersion,
			"last_drain_at":  lastDrainAt,
			"last_drain_seq": lastDrainSeq,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queue length:     %d\n", queueLen)
	fmt.Fprintf(out, "Dead letters:     %d\n", deadLetters)
	fmt.Fprintf(out, "Source ID:        %s\n", sourceID)
	fmt.Fprintf(out, "Schema version:   %s\n", schemaVersion)
	fmt.Fprintf(out, "Last drain at:    %s\n", lastDrainAt)
	fmt.Fprintf(out, "Last drain seq:   %s\n", lastDrainSeq)

	return nil
}

// syncMetaOrDash reads a sync_meta key, mapping "never recorded" to "-".
func syncMetaOrDash(ctx context.Context, db *store.SQLiteStore, key string) string {
	value, err := db.GetSyncMeta(ctx, key)
	if err != nil {
		return "-"
	}
	return value
}
