package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/connectivity"
	"github.com/hyperengineering/tether/internal/dispatch"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/store"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drain the mutation queue once and exit",
	Long:  "Run one synchronous drain cycle against the configured remote, then report what remains.",
	Args:  cobra.NoArgs,
	RunE:  runFlush,
}

func init() {
	registerLocalFlags(flushCmd)
	rootCmd.AddCommand(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Flush talks to the remote, so unlike the other local commands it
	// needs a fully validated configuration.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	path := cfg.Database.Path
	if dbOverride != "" {
		path = dbOverride
	}
	db, err := store.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer db.Close()

	adapter, err := remote.New(cfg.Remote)
	if err != nil {
		return err
	}

	// One manual probe seeds the monitor so the report shows real
	// reachability. The drain trusts call outcomes either way.
	monitor := connectivity.NewMonitor(adapter,
		time.Duration(cfg.Sync.ProbeInterval),
		time.Duration(cfg.Sync.ProbeTimeout))
	probeCtx, probeCancel := context.WithTimeout(ctx, time.Duration(cfg.Sync.ProbeTimeout))
	monitor.SetOnline(adapter.Ping(probeCtx) == nil)
	probeCancel()

	dispatcher := dispatch.New(db, adapter, monitor, nil, dispatch.Options{
		Interval:    time.Duration(cfg.Sync.Interval),
		BatchSize:   cfg.Sync.BatchSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
		CallTimeout: time.Duration(cfg.Sync.CallTimeout),
		BackoffMin:  time.Duration(cfg.Sync.BackoffMin),
		BackoffMax:  time.Duration(cfg.Sync.BackoffMax),
	})

	if err := dispatcher.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	status, err := dispatcher.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), status); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Applied:        %d\n", status.LastCycleApplied)
		fmt.Fprintf(out, "Remaining:      %d\n", status.QueueLen)
		fmt.Fprintf(out, "Dead letters:   %d\n", status.DeadLetters)
		if status.LastError != "" {
			fmt.Fprintf(out, "Last error:     %s\n", status.LastError)
		}
	}

	if status.QueueLen > 0 && status.LastError != "" {
		return fmt.Errorf("queue not fully drained: %s", status.LastError)
	}
	return nil
}
