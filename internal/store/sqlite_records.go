package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/tether/internal/mutation"
)

// PutRecord upserts a local record and enqueues the matching mutation in a
// single transaction, so a crash can never leave an applied local write
// without its queue entry. Returns the assigned queue sequence.
func (s *SQLiteStore) PutRecord(ctx context.Context, tableName, entityID string, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("put record: empty payload")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Distinguish insert from update for the queue entry's provenance.
	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE table_name = ? AND entity_id = ?`,
		tableName, entityID).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("check record existence: %w", err)
	}
	op := mutation.OperationInsert
	if exists == 1 {
		op = mutation.OperationUpdate
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (table_name, entity_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, entity_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, tableName, entityID, string(payload), now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("upsert record: %w", err)
	}

	entry := mutation.Entry{
		TableName:  tableName,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		EnqueuedAt: now,
	}
	seq, err := enqueueTx(ctx, tx, &entry)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seq, nil
}

// DeleteRecord removes a local record and enqueues the delete mutation in a
// single transaction. Deleting an unknown record returns ErrNotFound.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, tableName, entityID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE table_name = ? AND entity_id = ?`,
		tableName, entityID)
	if err != nil {
		return 0, fmt.Errorf("delete record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("record %s/%s: %w", tableName, entityID, ErrNotFound)
	}

	entry := mutation.Entry{
		TableName: tableName,
		EntityID:  entityID,
		Operation: mutation.OperationDelete,
	}
	seq, err := enqueueTx(ctx, tx, &entry)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seq, nil
}

// GetRecord retrieves a local record by table name and entity id.
func (s *SQLiteStore) GetRecord(ctx context.Context, tableName, entityID string) (*mutation.Record, error) {
	var payload string
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, updated_at FROM records
		WHERE table_name = ? AND entity_id = ?
	`, tableName, entityID).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s/%s: %w", tableName, entityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	return &mutation.Record{
		TableName: tableName,
		EntityID:  entityID,
		Payload:   json.RawMessage(payload),
		UpdatedAt: parseStoredTime("records.updated_at", updatedAt),
	}, nil
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}
