package worker

import (
	"context"
	"log/slog"
	"time"
)

// JanitorStore defines the purge operation required for dead letter upkeep.
// Implemented by SQLiteStore.
type JanitorStore interface {
	// PurgeDeadLettersBefore removes dead letters parked before cutoff.
	// Returns the number of rows removed.
	PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically ages out dead letters past their retention window.
// Dead letters hold operator-actionable failures; once nobody has requeued
// one for a month it is noise, not signal.
type Janitor struct {
	store     JanitorStore
	interval  time.Duration
	retention time.Duration
}

// NewJanitor creates a dead letter janitor.
func NewJanitor(store JanitorStore, interval, retention time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		interval:  interval,
		retention: retention,
	}
}

// Run starts the janitor loop. Blocks until ctx is cancelled.
//
// The first sweep waits for a full ticker interval; there is nothing urgent
// about deleting month-old rows during startup.
func (j *Janitor) Run(ctx context.Context) {
	if j.retention <= 0 {
		slog.Info("dead letter janitor disabled",
			"component", "worker",
			"worker", "janitor",
			"reason", "non_positive_retention",
		)
		return
	}

	slog.Info("dead letter janitor started",
		"component", "worker",
		"worker", "janitor",
		"interval", j.interval.String(),
		"retention", j.retention.String(),
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dead letter janitor stopped",
				"component", "worker",
				"worker", "janitor",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// sweep purges expired dead letters, logging but surviving failures.
func (j *Janitor) sweep(ctx context.Context) {
	start := time.Now()
	cutoff := start.Add(-j.retention)

	purged, err := j.store.PurgeDeadLettersBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("dead letter sweep failed",
			"component", "worker",
			"worker", "janitor",
			"error", err,
		)
		return
	}

	if purged == 0 {
		slog.Debug("no dead letters to purge",
			"component", "worker",
			"worker", "janitor",
		)
		return
	}

	slog.Info("dead letter sweep completed",
		"component", "worker",
		"worker", "janitor",
		"purged", purged,
		"cutoff", cutoff.UTC().Format(time.RFC3339),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
