package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hyperengineering/tether/internal/mutation"
)

// Store defines the interface contract for the durable record cache and
// mutation queue. All queue mutations are durable before the call returns.
type Store interface {
	// Mutation queue.
	Enqueue(ctx context.Context, entry *mutation.Entry) (int64, error)
	Pending(ctx context.Context, limit int) ([]mutation.Entry, error)
	Remove(ctx context.Context, sequence int64) error
	MarkFailed(ctx context.Context, sequence int64, cause string) (int, error)
	QueueLen(ctx context.Context) (int64, error)

	// Dead letters.
	MoveToDeadLetter(ctx context.Context, sequence int64, cause string) (string, error)
	DeadLetters(ctx context.Context, limit int) ([]mutation.DeadLetter, error)
	DeadLetterCount(ctx context.Context) (int64, error)
	RequeueDeadLetter(ctx context.Context, id string) (int64, error)
	PurgeDeadLetter(ctx context.Context, id string) error
	PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Local records. Put and Delete commit the record write and the queue
	// entry in a single transaction and return the assigned sequence.
	PutRecord(ctx context.Context, tableName, entityID string, payload json.RawMessage) (int64, error)
	DeleteRecord(ctx context.Context, tableName, entityID string) (int64, error)
	GetRecord(ctx context.Context, tableName, entityID string) (*mutation.Record, error)

	// Engine metadata.
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	EnsureSourceID(ctx context.Context) (string, error)

	Close() error
}
