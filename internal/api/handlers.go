package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/tether/internal/dispatch"
	"github.com/hyperengineering/tether/internal/mutation"
	"github.com/hyperengineering/tether/internal/store"
	"github.com/hyperengineering/tether/internal/validation"
)

const (
	// DefaultListLimit is the page size for queue and dead letter listings.
	DefaultListLimit = 100

	// MaxListLimit caps the page size for queue and dead letter listings.
	MaxListLimit = 1000
)

// SyncController is the dispatcher surface the API drives.
type SyncController interface {
	TriggerSync() bool
	Status(ctx context.Context) (*dispatch.Status, error)
}

// Handler implements the API handlers
type Handler struct {
	store   store.Store
	sync    SyncController
	apiKey  string
	version string
}

// NewHandler creates a new Handler with store.Store interface
func NewHandler(s store.Store, sync SyncController, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		sync:    sync,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	QueueLen int64  `json:"queue_len"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	queueLen, err := h.store.QueueLen(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	resp := HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		QueueLen: queueLen,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// sequenceResponse reports the queue sequence assigned to a local write.
type sequenceResponse struct {
	Sequence int64 `json:"sequence"`
}

// PutRecord handles PUT /api/v1/tables/{table}/records/{id}.
// The record is written locally and the mutation queued in one transaction;
// the response carries the queue sequence, not remote confirmation.
func (h *Handler) PutRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	// Reject oversized bodies before buffering them
	r.Body = http.MaxBytesReader(w, r.Body, validation.MaxPayloadBytes+1)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Payload exceeds size limit")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if errs := validation.ValidateRecordWrite(table, id, payload); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	seq, err := h.store.PutRecord(r.Context(), table, id, payload)
	if err != nil {
		slog.Error("put record failed",
			"component", "api",
			"action", "put_record",
			"table", table,
			"id", id,
			"error", err,
		)
		MapStoreError(w, r, err)
		return
	}

	slog.Info("record written",
		"component", "api",
		"action", "put_record",
		"table", table,
		"id", id,
		"sequence", seq,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sequenceResponse{Sequence: seq})
}

// GetRecord handles GET /api/v1/tables/{table}/records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	if errs := validation.ValidateRecordKey(table, id); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	record, err := h.store.GetRecord(r.Context(), table, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

// DeleteRecord handles DELETE /api/v1/tables/{table}/records/{id}.
// Like PutRecord, deletion is local plus queued; the remote copy goes away
// when the dispatcher drains the entry.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	id := chi.URLParam(r, "id")

	if errs := validation.ValidateRecordKey(table, id); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	seq, err := h.store.DeleteRecord(r.Context(), table, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("record deleted",
		"component", "api",
		"action", "delete_record",
		"table", table,
		"id", id,
		"sequence", seq,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sequenceResponse{Sequence: seq})
}

// flushResponse reports whether a drain cycle was scheduled.
type flushResponse struct {
	Triggered bool `json:"triggered"`
}

// Flush handles POST /api/v1/sync/flush. The drain runs asynchronously;
// triggered=false means a cycle was already active or pending, which covers
// the caller's entries anyway.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	triggered := h.sync.TriggerSync()

	slog.Info("flush requested",
		"component", "api",
		"action", "sync_flush",
		"triggered", triggered,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(flushResponse{Triggered: triggered})
}

// SyncStatus handles GET /api/v1/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.sync.Status(r.Context())
	if err != nil {
		slog.Error("status query failed",
			"component", "api",
			"action", "sync_status",
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to read sync status")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// queueListResponse pages through pending queue entries.
type queueListResponse struct {
	Entries []mutation.Entry `json:"entries"`
	Total   int64            `json:"total"`
}

// ListQueue handles GET /api/v1/sync/queue.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.store.Pending(r.Context(), limit)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to list queue")
		return
	}
	total, err := h.store.QueueLen(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to list queue")
		return
	}

	resp := queueListResponse{Entries: entries, Total: total}
	// Ensure entries is [] not null in JSON
	if resp.Entries == nil {
		resp.Entries = []mutation.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// deadLetterListResponse pages through parked dead letters.
type deadLetterListResponse struct {
	DeadLetters []mutation.DeadLetter `json:"dead_letters"`
	Total       int64                 `json:"total"`
}

// ListDeadLetters handles GET /api/v1/sync/dead-letters.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	letters, err := h.store.DeadLetters(r.Context(), limit)
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}
	total, err := h.store.DeadLetterCount(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}

	resp := deadLetterListResponse{DeadLetters: letters, Total: total}
	if resp.DeadLetters == nil {
		resp.DeadLetters = []mutation.DeadLetter{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RequeueDeadLetter handles POST /api/v1/sync/dead-letters/{id}/requeue.
// The entry re-enters the queue at a fresh sequence with a reset attempt
// budget; the next drain picks it up.
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := validation.ValidateULID("id", id); err != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*err})
		return
	}

	seq, err := h.store.RequeueDeadLetter(r.Context(), id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("dead letter requeued",
		"component", "api",
		"action", "dead_letter_requeue",
		"dead_letter_id", id,
		"sequence", seq,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sequenceResponse{Sequence: seq})
}

// PurgeDeadLetter handles DELETE /api/v1/sync/dead-letters/{id}.
// Purging abandons the mutation permanently.
func (h *Handler) PurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := validation.ValidateULID("id", id); err != nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*err})
		return
	}

	if err := h.store.PurgeDeadLetter(r.Context(), id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("dead letter purged",
		"component", "api",
		"action", "dead_letter_purge",
		"dead_letter_id", id,
	)

	w.WriteHeader(http.StatusNoContent)
}

// parseLimit extracts and validates the optional limit query parameter.
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return DefaultListLimit, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, errors.New("invalid limit parameter: must be an integer")
	}
	if limit < 1 {
		return 0, errors.New("invalid limit parameter: must be >= 1")
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, nil
}
