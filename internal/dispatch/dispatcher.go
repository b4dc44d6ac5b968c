// Package dispatch drains the durable mutation queue against the remote.
//
// A single dispatcher goroutine owns all remote traffic. Drain cycles are
// single-flight: connectivity transitions, the periodic timer, and explicit
// flush requests all funnel into the same guard, and whichever trigger loses
// the race is discarded because the active cycle already covers its work.
// Entries are applied strictly in sequence order; a transient failure ends
// the cycle and arms exponential backoff, while a permanent failure either
// dead-letters the entry (attempt budget exhausted) or ends the cycle so the
// next timer tick can retry.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/tether/internal/mutation"
	"github.com/hyperengineering/tether/internal/remote"
)

// Store is the subset of the durable store the dispatcher drives.
type Store interface {
	Pending(ctx context.Context, limit int) ([]mutation.Entry, error)
	Remove(ctx context.Context, sequence int64) error
	MarkFailed(ctx context.Context, sequence int64, cause string) (int, error)
	MoveToDeadLetter(ctx context.Context, sequence int64, cause string) (string, error)
	QueueLen(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// Connectivity reports remote reachability and signals offline-to-online
// transitions. Satisfied by connectivity.Monitor.
type Connectivity interface {
	Online() bool
	Events() <-chan struct{}
}

// State describes what the dispatcher is currently doing.
type State int32

const (
	// StateIdle means no drain is running and none is scheduled.
	StateIdle State = iota
	// StateDraining means a drain cycle is applying entries right now.
	StateDraining
	// StateBackoff means the last cycle hit a transient failure and the
	// periodic timer is held until the backoff delay elapses.
	StateBackoff
)

// String returns the lowercase name used in logs and status payloads.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ErrDrainInProgress is returned by Flush when another cycle holds the
// single-flight guard.
var ErrDrainInProgress = errors.New("drain already in progress")

// Drain trigger reasons, recorded on every cycle log line.
const (
	reasonConnectivity = "connectivity"
	reasonInterval     = "interval"
	reasonFlush        = "flush"
)

// Cycle outcomes.
const (
	outcomeDrained   = "drained"
	outcomeTransient = "transient"
	outcomePermanent = "permanent"
	outcomeCancelled = "cancelled"
	outcomeStoreErr  = "store_error"
)

// Options tunes the drain loop. Zero values fall back to the documented
// defaults so tests can set only what they exercise.
type Options struct {
	// Interval is the periodic drain cadence.
	Interval time.Duration
	// BatchSize caps how many entries a single Pending call fetches.
	BatchSize int
	// MaxAttempts is the delivery budget before a permanently failing
	// entry is moved to the dead letter table.
	MaxAttempts int
	// CallTimeout bounds each individual remote call.
	CallTimeout time.Duration
	// BackoffMin seeds the exponential backoff schedule.
	BackoffMin time.Duration
	// BackoffMax caps the backoff delay.
	BackoffMax time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = 5 * time.Minute
	}
	return o
}

// Status is a point-in-time snapshot of the dispatcher.
type Status struct {
	State            string     `json:"state"`
	Online           bool       `json:"online"`
	QueueLen         int64      `json:"queue_len"`
	DeadLetters      int64      `json:"dead_letters"`
	CyclesTotal      int64      `json:"cycles_total"`
	AppliedTotal     int64      `json:"applied_total"`
	DeadLetterTotal  int64      `json:"dead_lettered_total"`
	LastDrainAt      *time.Time `json:"last_drain_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	LastAppliedSeq   int64      `json:"last_applied_seq"`
	LastCycleApplied int        `json:"last_cycle_applied"`
}

// Dispatcher drains the mutation queue against a remote adapter.
type Dispatcher struct {
	store    Store
	adapter  remote.Adapter
	monitor  Connectivity
	notifier Notifier
	opts     Options

	state    atomic.Int32
	draining atomic.Bool
	trigger  chan struct{}

	mu               sync.Mutex
	backoff          retry.Backoff
	backoffUntil     time.Time
	cyclesTotal      int64
	appliedTotal     int64
	deadLetterTotal  int64
	lastDrainAt      time.Time
	lastError        string
	lastAppliedSeq   int64
	lastCycleApplied int
}

// New builds a dispatcher. The notifier may be nil when nothing consumes
// change signals.
func New(store Store, adapter remote.Adapter, monitor Connectivity, notifier Notifier, opts Options) *Dispatcher {
	return &Dispatcher{
		store:    store,
		adapter:  adapter,
		monitor:  monitor,
		notifier: notifier,
		opts:     opts.withDefaults(),
		trigger:  make(chan struct{}, 1),
	}
}

// State returns the dispatcher's current state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// TriggerSync requests an asynchronous drain. It never blocks: the request
// is discarded and false returned when a cycle is already running or one is
// already queued, because that cycle covers the caller's entries.
func (d *Dispatcher) TriggerSync() bool {
	if d.draining.Load() {
		return false
	}
	select {
	case d.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Flush runs a drain cycle synchronously. Unlike the periodic timer it
// ignores any pending backoff hold. Returns ErrDrainInProgress when another
// cycle holds the guard.
func (d *Dispatcher) Flush(ctx context.Context) error {
	if !d.drain(ctx, reasonFlush) {
		return ErrDrainInProgress
	}
	return nil
}

// Status reports the dispatcher state plus live queue and dead letter depth.
func (d *Dispatcher) Status(ctx context.Context) (*Status, error) {
	queueLen, err := d.store.QueueLen(ctx)
	if err != nil {
		return nil, err
	}
	deadLetters, err := d.store.DeadLetterCount(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st := &Status{
		State:            d.State().String(),
		Online:           d.monitor.Online(),
		QueueLen:         queueLen,
		DeadLetters:      deadLetters,
		CyclesTotal:      d.cyclesTotal,
		AppliedTotal:     d.appliedTotal,
		DeadLetterTotal:  d.deadLetterTotal,
		LastError:        d.lastError,
		LastAppliedSeq:   d.lastAppliedSeq,
		LastCycleApplied: d.lastCycleApplied,
	}
	if !d.lastDrainAt.IsZero() {
		at := d.lastDrainAt
		st.LastDrainAt = &at
	}
	if !d.backoffUntil.IsZero() && time.Now().Before(d.backoffUntil) {
		at := d.backoffUntil
		st.NextRetryAt = &at
	}
	return st, nil
}

// Run drives the drain loop until ctx is cancelled. Connectivity events and
// explicit triggers drain immediately; the periodic timer drains unless a
// backoff hold is armed.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "dispatch",
		"worker", "dispatcher",
		"interval", d.opts.Interval,
		"batch_size", d.opts.BatchSize,
		"max_attempts", d.opts.MaxAttempts)

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped", "component", "dispatch", "worker", "dispatcher")
			return
		case <-d.monitor.Events():
			d.drain(ctx, reasonConnectivity)
		case <-d.trigger:
			d.drain(ctx, reasonFlush)
		case <-ticker.C:
			d.drain(ctx, reasonInterval)
		}
	}
}

// drain runs one cycle. Returns false when the single-flight guard was held
// by another caller or the periodic trigger arrived during a backoff hold.
func (d *Dispatcher) drain(ctx context.Context, reason string) bool {
	if !d.draining.CompareAndSwap(false, true) {
		slog.Debug("drain trigger discarded", "component", "dispatch", "reason", reason)
		return false
	}
	defer d.draining.Store(false)

	// Only the timer respects the backoff hold. Connectivity transitions
	// and explicit flushes are fresh signals worth acting on immediately.
	if reason == reasonInterval && d.backoffHeld() {
		return false
	}

	cycleID := ulid.Make().String()
	d.state.Store(int32(StateDraining))

	start := time.Now()
	applied := 0
	deadLettered := 0
	var lastAppliedSeq int64
	outcome := outcomeDrained
	var stopErr error

cycle:
	for {
		entries, err := d.store.Pending(ctx, d.opts.BatchSize)
		if err != nil {
			outcome, stopErr = outcomeStoreErr, err
			break
		}
		if len(entries) == 0 {
			break
		}

		for i := range entries {
			if ctx.Err() != nil {
				outcome, stopErr = outcomeCancelled, ctx.Err()
				break cycle
			}
			entry := &entries[i]

			err := d.apply(ctx, entry)
			if err == nil {
				if rmErr := d.store.Remove(ctx, entry.Sequence); rmErr != nil {
					outcome, stopErr = outcomeStoreErr, rmErr
					break cycle
				}
				applied++
				lastAppliedSeq = entry.Sequence
				continue
			}
			if ctx.Err() != nil {
				// Shutdown cancelled the in-flight call. The entry stays
				// queued without burning an attempt.
				outcome, stopErr = outcomeCancelled, ctx.Err()
				break cycle
			}

			attempts, mfErr := d.store.MarkFailed(ctx, entry.Sequence, err.Error())
			if mfErr != nil {
				outcome, stopErr = outcomeStoreErr, mfErr
				break cycle
			}

			if remote.Classify(err) == remote.ClassPermanent {
				if attempts >= d.opts.MaxAttempts {
					id, dlErr := d.store.MoveToDeadLetter(ctx, entry.Sequence, err.Error())
					if dlErr != nil {
						outcome, stopErr = outcomeStoreErr, dlErr
						break cycle
					}
					deadLettered++
					slog.Warn("mutation dead lettered",
						"component", "dispatch",
						"cycle_id", cycleID,
						"sequence", entry.Sequence,
						"table", entry.TableName,
						"entity_id", entry.EntityID,
						"attempts", attempts,
						"dead_letter_id", id,
						"error", err)
					continue
				}
				outcome, stopErr = outcomePermanent, err
				break cycle
			}

			outcome, stopErr = outcomeTransient, err
			break cycle
		}
	}

	d.finishCycle(ctx, cycleID, reason, outcome, stopErr, applied, deadLettered, lastAppliedSeq, start)
	return true
}

// apply sends one entry to the remote under the per-call timeout.
func (d *Dispatcher) apply(ctx context.Context, entry *mutation.Entry) error {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	if entry.Operation.Effect() == mutation.EffectDelete {
		return d.adapter.Delete(callCtx, entry.TableName, entry.EntityID)
	}
	return d.adapter.Upsert(callCtx, entry.TableName, entry.EntityID, entry.Payload)
}

// finishCycle records stats, arms or resets backoff, transitions state and
// fires the change notifier.
func (d *Dispatcher) finishCycle(ctx context.Context, cycleID, reason, outcome string, stopErr error, applied, deadLettered int, lastAppliedSeq int64, start time.Time) {
	now := time.Now()
	var retryDelay time.Duration

	d.mu.Lock()
	d.cyclesTotal++
	d.appliedTotal += int64(applied)
	d.deadLetterTotal += int64(deadLettered)
	d.lastDrainAt = now
	d.lastCycleApplied = applied
	if stopErr != nil {
		d.lastError = stopErr.Error()
	} else {
		d.lastError = ""
	}
	if applied > 0 {
		d.lastAppliedSeq = lastAppliedSeq
		// Progress proves the remote is answering again, so the backoff
		// schedule starts over from the minimum on the next failure.
		d.backoff = nil
	}
	if outcome == outcomeTransient || outcome == outcomeStoreErr {
		if d.backoff == nil {
			d.backoff = d.newBackoff()
		}
		delay, _ := d.backoff.Next()
		retryDelay = delay
		d.backoffUntil = now.Add(delay)
	} else {
		d.backoffUntil = time.Time{}
	}
	d.mu.Unlock()

	if retryDelay > 0 {
		d.state.Store(int32(StateBackoff))
	} else {
		d.state.Store(int32(StateIdle))
	}

	if applied > 0 {
		d.recordDrainMeta(ctx, now, lastAppliedSeq)
	}

	switch outcome {
	case outcomeDrained:
		slog.Info("drain cycle completed",
			"component", "dispatch",
			"cycle_id", cycleID,
			"reason", reason,
			"applied", applied,
			"dead_lettered", deadLettered,
			"duration_ms", time.Since(start).Milliseconds())
	case outcomeCancelled:
		slog.Info("drain cycle cancelled",
			"component", "dispatch",
			"cycle_id", cycleID,
			"reason", reason,
			"applied", applied)
	default:
		slog.Warn("drain cycle interrupted",
			"component", "dispatch",
			"cycle_id", cycleID,
			"reason", reason,
			"outcome", outcome,
			"applied", applied,
			"dead_lettered", deadLettered,
			"retry_in", retryDelay,
			"error", stopErr)
	}

	if applied > 0 && d.notifier != nil {
		d.notifier.NotifyChanged()
	}
}

// newBackoff builds the exponential schedule: BackoffMin doubling up to
// BackoffMax with 10% jitter so synchronized clients do not stampede.
func (d *Dispatcher) newBackoff() retry.Backoff {
	b := retry.NewExponential(d.opts.BackoffMin)
	b = retry.WithCappedDuration(d.opts.BackoffMax, b)
	b = retry.WithJitterPercent(10, b)
	return b
}

// backoffHeld reports whether the backoff delay from the last transient
// failure has not yet elapsed.
func (d *Dispatcher) backoffHeld() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.backoffUntil.IsZero() && time.Now().Before(d.backoffUntil)
}

// recordDrainMeta persists the drain watermark. Failures are logged and
// swallowed: the watermark is operator telemetry, not correctness state.
func (d *Dispatcher) recordDrainMeta(ctx context.Context, at time.Time, seq int64) {
	// The watermark describes entries that already committed, so it is
	// written even when shutdown cancelled the cycle mid-flight.
	ctx = context.WithoutCancel(ctx)
	if err := d.store.SetSyncMeta(ctx, mutation.MetaLastDrainAt, at.UTC().Format(time.RFC3339Nano)); err != nil {
		slog.Warn("failed to record drain timestamp", "component", "dispatch", "error", err)
		return
	}
	if err := d.store.SetSyncMeta(ctx, mutation.MetaLastDrainSeq, strconv.FormatInt(seq, 10)); err != nil {
		slog.Warn("failed to record drain sequence", "component", "dispatch", "error", err)
	}
}
