package mutation

import (
	"encoding/json"
	"time"
)

// Operation identifies the local write that produced a queue entry.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Effect constants describe how an operation lands on the remote store.
// Inserts and updates collapse to an idempotent upsert so replays of the
// same entry cannot diverge.
const (
	EffectUpsert = "upsert"
	EffectDelete = "delete"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Effect returns the remote effect for the operation.
func (op Operation) Effect() string {
	if op == OperationDelete {
		return EffectDelete
	}
	return EffectUpsert
}

// Entry represents a single pending mutation in the durable queue.
type Entry struct {
	Sequence   int64           `json:"sequence"`
	TableName  string          `json:"table_name"`
	EntityID   string          `json:"entity_id"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"` // snapshot at enqueue time; nil for deletes
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DeadLetter preserves a queue entry that exhausted its permanent-failure
// budget. The original fields are kept verbatim for operator inspection;
// requeueing re-enqueues them at a fresh tail sequence.
type DeadLetter struct {
	ID         string          `json:"id"`
	Sequence   int64           `json:"sequence"` // sequence the entry held when it died
	TableName  string          `json:"table_name"`
	EntityID   string          `json:"entity_id"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	DeadAt     time.Time       `json:"dead_at"`
}

// Record is a locally materialized entity row. The engine routes records
// by table name and entity id and never interprets the payload.
type Record struct {
	TableName string          `json:"table_name"`
	EntityID  string          `json:"entity_id"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SyncMeta keys
const (
	MetaSourceID      = "source_id"
	MetaSchemaVersion = "schema_version"
	MetaLastDrainAt   = "last_drain_at"
	MetaLastDrainSeq  = "last_drain_seq"
)
