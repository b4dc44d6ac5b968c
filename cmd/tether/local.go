package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/store"
)

// Flags shared by commands that operate on the local database directly.
var (
	dbOverride string
	jsonOutput bool
)

// registerLocalFlags wires the shared --db and --json flags onto a command
// group that works against the local database without the server running.
func registerLocalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&dbOverride, "db", "",
		"Database path (overrides config and TETHER_DB_PATH)")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
}

// openLocalStore resolves configuration and opens the SQLite store with
// optional --db override. Remote and auth settings are not validated;
// local commands work offline by definition.
func openLocalStore() (*store.SQLiteStore, error) {
	path := dbOverride
	if path == "" {
		cfg, err := config.LoadLocal()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		path = cfg.Database.Path
	}

	return store.NewSQLiteStore(path)
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// truncate shortens s to max runes for single-line table cells.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
