package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hyperengineering/tether/internal/mutation"
)

// mockStore is a compile-time check that the Store interface can be
// implemented outside this package.
type mockStore struct{}

var (
	_ Store = (*mockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

func (m *mockStore) Enqueue(ctx context.Context, entry *mutation.Entry) (int64, error) {
	return 0, nil
}
func (m *mockStore) Pending(ctx context.Context, limit int) ([]mutation.Entry, error) {
	return nil, nil
}
func (m *mockStore) Remove(ctx context.Context, sequence int64) error { return nil }
func (m *mockStore) MarkFailed(ctx context.Context, sequence int64, cause string) (int, error) {
	return 0, nil
}
func (m *mockStore) QueueLen(ctx context.Context) (int64, error) { return 0, nil }
func (m *mockStore) MoveToDeadLetter(ctx context.Context, sequence int64, cause string) (string, error) {
	return "", nil
}
func (m *mockStore) DeadLetters(ctx context.Context, limit int) ([]mutation.DeadLetter, error) {
	return nil, nil
}
func (m *mockStore) DeadLetterCount(ctx context.Context) (int64, error) { return 0, nil }
func (m *mockStore) RequeueDeadLetter(ctx context.Context, id string) (int64, error) {
	return 0, nil
}
func (m *mockStore) PurgeDeadLetter(ctx context.Context, id string) error { return nil }
func (m *mockStore) PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (m *mockStore) PutRecord(ctx context.Context, tableName, entityID string, payload json.RawMessage) (int64, error) {
	return 0, nil
}
func (m *mockStore) DeleteRecord(ctx context.Context, tableName, entityID string) (int64, error) {
	return 0, nil
}
func (m *mockStore) GetRecord(ctx context.Context, tableName, entityID string) (*mutation.Record, error) {
	return nil, nil
}
func (m *mockStore) GetSyncMeta(ctx context.Context, key string) (string, error) { return "", nil }
func (m *mockStore) SetSyncMeta(ctx context.Context, key, value string) error    { return nil }
func (m *mockStore) EnsureSourceID(ctx context.Context) (string, error)          { return "", nil }
func (m *mockStore) Close() error                                                { return nil }
