// Package tether embeds the offline-first sync engine in a host process.
//
// An Engine owns a durable SQLite mutation queue and drains it against the
// configured remote in the background. Writes succeed locally regardless of
// connectivity; the queue preserves submission order until the remote
// acknowledges each mutation.
package tether

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/connectivity"
	"github.com/hyperengineering/tether/internal/dispatch"
	"github.com/hyperengineering/tether/internal/mutation"
	"github.com/hyperengineering/tether/internal/remote"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/validation"
)

// Sentinel errors returned by Engine methods.
var (
	ErrClosed             = errors.New("tether: engine is closed")
	ErrOffline            = errors.New("tether: engine is offline")
	ErrNotFound           = errors.New("tether: record not found")
	ErrDeadLetterNotFound = errors.New("tether: dead letter not found")
	ErrSyncInProgress     = errors.New("tether: sync already in progress")
)

// closeFlushTimeout bounds the best-effort final drain during Close.
const closeFlushTimeout = 5 * time.Second

// Engine is an embedded tether instance.
type Engine struct {
	db         *store.SQLiteStore
	adapter    remote.Adapter
	monitor    *connectivity.Monitor
	dispatcher *dispatch.Dispatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	onChange func()
}

// Open creates an Engine and starts its background workers. Callers must
// Close it to stop the workers and release the database.
func Open(cfg Config) (*Engine, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("tether: DBPath is required")
	}
	if cfg.HTTP != nil && cfg.S3 != nil {
		return nil, errors.New("tether: configure either HTTP or S3, not both")
	}
	if !cfg.Offline && cfg.HTTP == nil && cfg.S3 == nil {
		return nil, errors.New("tether: a remote is required unless Offline is set")
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureSourceID(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	e := &Engine{db: db, onChange: cfg.OnChange}
	if cfg.Offline {
		return e, nil
	}

	adapter, err := remote.New(remoteConfig(cfg))
	if err != nil {
		db.Close()
		return nil, err
	}
	e.adapter = adapter

	e.monitor = connectivity.NewMonitor(adapter, cfg.ProbeInterval, cfg.ProbeTimeout)
	e.dispatcher = dispatch.New(db, adapter, e.monitor,
		dispatch.NotifierFunc(e.notifyChanged), dispatch.Options{
			Interval:    cfg.SyncInterval,
			BatchSize:   cfg.BatchSize,
			MaxAttempts: cfg.MaxAttempts,
			CallTimeout: cfg.CallTimeout,
			BackoffMin:  cfg.BackoffMin,
			BackoffMax:  cfg.BackoffMax,
		})

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.dispatcher.Run(ctx)
	}()

	return e, nil
}

// Close stops the background workers, makes one best-effort drain attempt,
// and releases the database. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	// Queued work may still be deliverable; try once before letting go.
	if e.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
		_ = e.dispatcher.Flush(ctx)
		cancel()
	}

	return e.db.Close()
}

// Put stores payload for (table, id) locally and queues the mutation for
// delivery. Returns the queue sequence assigned to the write.
func (e *Engine) Put(ctx context.Context, table, id string, payload json.RawMessage) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}

	if errs := validation.ValidateRecordWrite(table, id, payload); len(errs) > 0 {
		return 0, validationError(errs)
	}
	return e.db.PutRecord(ctx, table, id, payload)
}

// Delete removes the local record and queues the delete for delivery.
// Returns the queue sequence assigned to the delete.
func (e *Engine) Delete(ctx context.Context, table, id string) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}

	if errs := validation.ValidateRecordKey(table, id); len(errs) > 0 {
		return 0, validationError(errs)
	}
	seq, err := e.db.DeleteRecord(ctx, table, id)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	return seq, nil
}

// Get reads the local copy of a record. It never consults the remote.
func (e *Engine) Get(ctx context.Context, table, id string) (*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	if errs := validation.ValidateRecordKey(table, id); len(errs) > 0 {
		return nil, validationError(errs)
	}
	rec, err := e.db.GetRecord(ctx, table, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &Record{
		Table:     rec.TableName,
		ID:        rec.EntityID,
		Payload:   rec.Payload,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// Enqueue appends a raw mutation without touching the local record cache.
// Most callers want Put or Delete; Enqueue serves hosts that materialize
// their own state and only need the durable outbound queue.
func (e *Engine) Enqueue(ctx context.Context, table, id, operation string, payload json.RawMessage) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}

	op := mutation.Operation(operation)
	if !op.Valid() {
		return 0, fmt.Errorf("tether: invalid operation %q", operation)
	}
	if errs := validation.ValidateRecordKey(table, id); len(errs) > 0 {
		return 0, validationError(errs)
	}

	entry := mutation.Entry{
		TableName: table,
		EntityID:  id,
		Operation: op,
	}
	if op.Effect() == mutation.EffectUpsert {
		if verr := validation.ValidatePayload("payload", payload); verr != nil {
			return 0, validationError([]validation.ValidationError{*verr})
		}
		entry.Payload = payload
	}

	return e.db.Enqueue(ctx, &entry)
}

// Pending returns up to limit queued mutations in sequence order.
// limit <= 0 returns all.
func (e *Engine) Pending(ctx context.Context, limit int) ([]Entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	entries, err := e.db.Pending(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(entries))
	for i, m := range entries {
		out[i] = Entry{
			Sequence:   m.Sequence,
			Table:      m.TableName,
			EntityID:   m.EntityID,
			Operation:  string(m.Operation),
			Payload:    m.Payload,
			Attempts:   m.Attempts,
			LastError:  m.LastError,
			EnqueuedAt: m.EnqueuedAt,
		}
	}
	return out, nil
}

// QueueLen returns the number of mutations waiting for delivery.
func (e *Engine) QueueLen(ctx context.Context) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}
	return e.db.QueueLen(ctx)
}

// DeadLetters returns up to limit dead letters, most recent first.
// limit <= 0 returns all.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	letters, err := e.db.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, len(letters))
	for i, dl := range letters {
		out[i] = DeadLetter{
			ID:         dl.ID,
			Sequence:   dl.Sequence,
			Table:      dl.TableName,
			EntityID:   dl.EntityID,
			Operation:  string(dl.Operation),
			Payload:    dl.Payload,
			Attempts:   dl.Attempts,
			LastError:  dl.LastError,
			EnqueuedAt: dl.EnqueuedAt,
			DeadAt:     dl.DeadAt,
		}
	}
	return out, nil
}

// RequeueDeadLetter moves a dead letter back to the tail of the queue with
// a fresh attempt budget. Returns the newly assigned sequence.
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}

	if verr := validation.ValidateULID("id", id); verr != nil {
		return 0, validationError([]validation.ValidationError{*verr})
	}
	seq, err := e.db.RequeueDeadLetter(ctx, id)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	return seq, nil
}

// PurgeDeadLetter permanently deletes a dead letter.
func (e *Engine) PurgeDeadLetter(ctx context.Context, id string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}

	if verr := validation.ValidateULID("id", id); verr != nil {
		return validationError([]validation.ValidationError{*verr})
	}
	if err := e.db.PurgeDeadLetter(ctx, id); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// TriggerSync requests an asynchronous drain. It returns false when the
// request coalesced with a cycle that is already running or queued, or
// when the engine is offline.
func (e *Engine) TriggerSync() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed || e.dispatcher == nil {
		return false
	}
	return e.dispatcher.TriggerSync()
}

// Flush drains the queue synchronously, ignoring any backoff hold. It
// returns ErrSyncInProgress when a drain cycle is already running.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	d := e.dispatcher
	e.mu.RUnlock()

	if d == nil {
		return ErrOffline
	}
	if err := d.Flush(ctx); err != nil {
		if errors.Is(err, dispatch.ErrDrainInProgress) {
			return ErrSyncInProgress
		}
		return err
	}
	return nil
}

// Status reports the engine state plus live queue and dead letter depth.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	if e.dispatcher == nil {
		queueLen, err := e.db.QueueLen(ctx)
		if err != nil {
			return nil, err
		}
		deadLetters, err := e.db.DeadLetterCount(ctx)
		if err != nil {
			return nil, err
		}
		return &Status{
			State:       "offline",
			QueueLen:    queueLen,
			DeadLetters: deadLetters,
		}, nil
	}

	st, err := e.dispatcher.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		State:            st.State,
		Online:           st.Online,
		QueueLen:         st.QueueLen,
		DeadLetters:      st.DeadLetters,
		CyclesTotal:      st.CyclesTotal,
		AppliedTotal:     st.AppliedTotal,
		DeadLetterTotal:  st.DeadLetterTotal,
		LastDrainAt:      st.LastDrainAt,
		LastError:        st.LastError,
		NextRetryAt:      st.NextRetryAt,
		LastAppliedSeq:   st.LastAppliedSeq,
		LastCycleApplied: st.LastCycleApplied,
	}, nil
}

// SourceID returns this database's stable source identifier.
func (e *Engine) SourceID(ctx context.Context) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return "", ErrClosed
	}
	return e.db.EnsureSourceID(ctx)
}

// OnChange registers fn to run after drain cycles that applied mutations,
// replacing any previous callback including Config.OnChange. A nil fn
// disables notifications.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

func (e *Engine) notifyChanged() {
	e.mu.RLock()
	fn := e.onChange
	closed := e.closed
	e.mu.RUnlock()
	if !closed && fn != nil {
		fn()
	}
}

// remoteConfig maps the public remote settings onto the adapter config.
func remoteConfig(cfg Config) config.RemoteConfig {
	if cfg.S3 != nil {
		return config.RemoteConfig{
			Kind: config.RemoteKindS3,
			S3: config.S3RemoteConfig{
				Endpoint:  cfg.S3.Endpoint,
				Bucket:    cfg.S3.Bucket,
				Prefix:    cfg.S3.Prefix,
				Region:    cfg.S3.Region,
				AccessKey: cfg.S3.AccessKey,
				SecretKey: cfg.S3.SecretKey,
				UseSSL:    cfg.S3.UseSSL,
			},
		}
	}
	return config.RemoteConfig{
		Kind: config.RemoteKindHTTP,
		HTTP: config.HTTPRemoteConfig{
			BaseURL: cfg.HTTP.BaseURL,
			APIKey:  cfg.HTTP.APIKey,
			Timeout: config.Duration(cfg.HTTP.Timeout),
		},
	}
}

// mapStoreErr converts internal store sentinels to this package's.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrDeadLetterNotFound):
		return ErrDeadLetterNotFound
	}
	return err
}

func validationError(errs []validation.ValidationError) error {
	parts := make([]string, len(errs))
	for i, ve := range errs {
		parts[i] = ve.Field + " " + ve.Message
	}
	return fmt.Errorf("tether: invalid input: %s", strings.Join(parts, "; "))
}
