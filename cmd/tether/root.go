package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hyperengineering/tether/internal/api"
	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/connectivity"
	"github.com/hyperengineering/tether/internal/dispatch"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - Offline-First Sync Engine",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	slog.SetDefault(newLogger(cfg.Log))
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	sourceID, err := db.EnsureSourceID(ctx)
	if err != nil {
		db.Close()
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path, "source_id", sourceID)

	// 5. Initialize remote adapter
	adapter, err := remote.New(cfg.Remote)
	if err != nil {
		db.Close()
		return err
	}
	slog.Info("remote adapter initialized", "kind", cfg.Remote.Kind)

	// 6. Initialize connectivity monitor and dispatcher
	monitor := connectivity.NewMonitor(adapter,
		time.Duration(cfg.Sync.ProbeInterval),
		time.Duration(cfg.Sync.ProbeTimeout))
	dispatcher := dispatch.New(db, adapter, monitor, nil, dispatch.Options{
		Interval:    time.Duration(cfg.Sync.Interval),
		BatchSize:   cfg.Sync.BatchSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
		CallTimeout: time.Duration(cfg.Sync.CallTimeout),
		BackoffMin:  time.Duration(cfg.Sync.BackoffMin),
		BackoffMax:  time.Duration(cfg.Sync.BackoffMax),
	})
	janitor := worker.NewJanitor(db,
		time.Duration(cfg.Worker.DeadLetterSweepInterval),
		time.Duration(cfg.Worker.DeadLetterRetention))
	slog.Info("dispatcher initialized",
		"interval", time.Duration(cfg.Sync.Interval).String(),
		"batch_size", cfg.Sync.BatchSize,
		"max_attempts", cfg.Sync.MaxAttempts)

	// 7. Initialize HTTP router
	handler := api.NewHandler(db, dispatcher, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 8. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 9. Start background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "connectivity", monitor.Run)
	startWorker(ctx, &wg, "dispatcher", dispatcher.Run)
	startWorker(ctx, &wg, "janitor", janitor.Run)

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 12a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Wait for workers to complete
	wg.Wait()

	// 12c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newLogger builds the process logger. Output goes to stdout unless a log
// file is configured, in which case it rotates via lumberjack.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
