package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/validation"
)

var (
	deadLetterListLimit int
	purgeOlderThan      time.Duration
)

var deadLetterCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "Manage dead-lettered mutations",
	Long:  "List, requeue, and purge mutations that exhausted their delivery attempts.",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runDeadLetterList,
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a dead letter back to the tail of the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadLetterRequeue,
}

var deadLetterPurgeCmd = &cobra.Command{
	Use:   "purge [id]",
	Short: "Delete a dead letter, or all older than a cutoff",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDeadLetterPurge,
}

func init() {
	registerLocalFlags(deadLetterCmd)
	deadLetterListCmd.Flags().IntVar(&deadLetterListLimit, "limit", 100,
		"Maximum number of dead letters to list")
	deadLetterPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0,
		"Purge all dead letters dead-lettered longer ago than this (e.g. 720h)")

	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterRequeueCmd)
	deadLetterCmd.AddCommand(deadLetterPurgeCmd)

	rootCmd.AddCommand(deadLetterCmd)
}

func runDeadLetterList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	letters, err := db.DeadLetters(ctx, deadLetterListLimit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	if jsonOutput {
		items := make([]map[string]any, len(letters))
		for i, dl := range letters {
			items[i] = map[string]any{
				"id":         dl.ID,
				"sequence":   dl.Sequence,
				"table":      dl.TableName,
				"entity_id":  dl.EntityID,
				"operation":  dl.Operation,
				"attempts":   dl.Attempts,
				"last_error": dl.LastError,
				"dead_at":    dl.DeadAt,
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"dead_letters": items,
			"total":        len(items),
		})
	}

	if len(letters) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No dead letters.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tTABLE\tENTITY\tOP\tATTEMPTS\tDEAD AT\tLAST ERROR")
	for _, dl := range letters {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			dl.ID,
			dl.TableName,
			dl.EntityID,
			dl.Operation,
			dl.Attempts,
			dl.DeadAt.Format("2006-01-02 15:04"),
			truncate(dl.LastError, 40),
		)
	}
	w.Flush()

	return nil
}

func runDeadLetterRequeue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	if vErr := validation.ValidateULID("id", id); vErr != nil {
		return fmt.Errorf("invalid dead letter ID %q: %s", id, vErr.Message)
	}

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	seq, err := db.RequeueDeadLetter(ctx, id)
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":       id,
			"sequence": seq,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Requeued dead letter %s as sequence %d\n", id, seq)
	return nil
}

func runDeadLetterPurge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if len(args) == 0 && purgeOlderThan <= 0 {
		return fmt.Errorf("specify a dead letter ID or --older-than")
	}
	if len(args) == 1 && purgeOlderThan > 0 {
		return fmt.Errorf("specify either a dead letter ID or --older-than, not both")
	}

	db, err := openLocalStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if purgeOlderThan > 0 {
		cutoff := time.Now().UTC().Add(-purgeOlderThan)
		purged, err := db.PurgeDeadLettersBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("purge dead letters: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"purged": purged,
				"cutoff": cutoff,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d dead letters older than %s\n", purged, purgeOlderThan)
		return nil
	}

	id := args[0]
	if vErr := validation.ValidateULID("id", id); vErr != nil {
		return fmt.Errorf("invalid dead letter ID %q: %s", id, vErr.Message)
	}

	if err := db.PurgeDeadLetter(ctx, id); err != nil {
		return fmt.Errorf("purge dead letter: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":     id,
			"purged": true,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Purged dead letter %s\n", id)
	return nil
}
