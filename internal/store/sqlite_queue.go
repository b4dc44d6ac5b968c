package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/tether/internal/mutation"
	"github.com/oklog/ulid/v2"
)

const insertQueueSQL = `
	INSERT INTO mutation_queue (table_name, entity_id, operation, payload, attempts, last_error, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// execContext is satisfied by both *sql.DB and *sql.Tx, so queue inserts can
// join a caller's transaction.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// enqueueTx inserts a queue entry using the given executor and returns the
// assigned sequence.
func enqueueTx(ctx context.Context, ex execContext, entry *mutation.Entry) (int64, error) {
	if !entry.Operation.Valid() {
		return 0, fmt.Errorf("operation %q: %w", entry.Operation, ErrInvalidOperation)
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}

	result, err := ex.ExecContext(ctx, insertQueueSQL,
		entry.TableName, entry.EntityID, string(entry.Operation),
		nullablePayload(entry.Payload), entry.Attempts, entry.LastError,
		entry.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue mutation: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	entry.Sequence = seq
	return seq, nil
}

// Enqueue appends a mutation to the durable queue.
// Returns the assigned sequence number.
func (s *SQLiteStore) Enqueue(ctx context.Context, entry *mutation.Entry) (int64, error) {
	return enqueueTx(ctx, s.db, entry)
}

// Pending returns up to limit queued entries in ascending sequence order.
// limit <= 0 returns all entries.
func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]mutation.Entry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, table_name, entity_id, operation, payload, attempts, last_error, enqueued_at
		FROM mutation_queue
		ORDER BY sequence ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query mutation queue: %w", err)
	}
	defer rows.Close()

	entries := make([]mutation.Entry, 0)
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Remove deletes a queue entry after its mutation was confirmed applied
// remotely. Removing an unknown sequence returns ErrEntryNotFound.
func (s *SQLiteStore) Remove(ctx context.Context, sequence int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM mutation_queue WHERE sequence = ?`, sequence)
	if err != nil {
		return fmt.Errorf("remove queue entry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("sequence %d: %w", sequence, ErrEntryNotFound)
	}
	return nil
}

// MarkFailed records a failed delivery attempt: increments the attempt
// counter and stores the cause for diagnostics. Returns the updated count.
func (s *SQLiteStore) MarkFailed(ctx context.Context, sequence int64, cause string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE mutation_queue SET attempts = attempts + 1, last_error = ?
		WHERE sequence = ?
	`, cause, sequence)
	if err != nil {
		return 0, fmt.Errorf("mark failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("sequence %d: %w", sequence, ErrEntryNotFound)
	}

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM mutation_queue WHERE sequence = ?`, sequence,
	).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return attempts, nil
}

// QueueLen returns the number of pending queue entries.
func (s *SQLiteStore) QueueLen(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutation_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return count, nil
}

// MoveToDeadLetter atomically evicts a queue entry into the dead letter
// table, preserving its fields verbatim. Returns the dead letter id.
func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, sequence int64, cause string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT sequence, table_name, entity_id, operation, payload, attempts, last_error, enqueued_at
		FROM mutation_queue
		WHERE sequence = ?
	`, sequence)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sequence %d: %w", sequence, ErrEntryNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read queue entry: %w", err)
	}

	if cause == "" {
		cause = entry.LastError
	}

	id := ulid.Make().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, sequence, table_name, entity_id, operation, payload, attempts, last_error, enqueued_at, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, entry.Sequence, entry.TableName, entry.EntityID, string(entry.Operation),
		nullablePayload(entry.Payload), entry.Attempts, cause,
		entry.EnqueuedAt.Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM mutation_queue WHERE sequence = ?`, sequence); err != nil {
		return "", fmt.Errorf("remove queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// DeadLetters returns up to limit dead letters, most recent first.
// limit <= 0 returns all.
func (s *SQLiteStore) DeadLetters(ctx context.Context, limit int) ([]mutation.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence, table_name, entity_id, operation, payload, attempts, last_error, enqueued_at, dead_at
		FROM dead_letters
		ORDER BY dead_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]mutation.DeadLetter, 0)
	for rows.Next() {
		var dl mutation.DeadLetter
		var payload sql.NullString
		var enqueuedAt, deadAt string

		if err := rows.Scan(&dl.ID, &dl.Sequence, &dl.TableName, &dl.EntityID,
			&dl.Operation, &payload, &dl.Attempts, &dl.LastError,
			&enqueuedAt, &deadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}

		if payload.Valid {
			dl.Payload = json.RawMessage(payload.String)
		}
		dl.EnqueuedAt = parseStoredTime("dead_letters.enqueued_at", enqueuedAt)
		dl.DeadAt = parseStoredTime("dead_letters.dead_at", deadAt)

		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// DeadLetterCount returns the number of dead letters.
func (s *SQLiteStore) DeadLetterCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

// RequeueDeadLetter moves a dead letter back onto the queue tail with a
// fresh attempt budget. Returns the newly assigned sequence.
func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, id string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var dl mutation.DeadLetter
	var payload sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT table_name, entity_id, operation, payload
		FROM dead_letters
		WHERE id = ?
	`, id).Scan(&dl.TableName, &dl.EntityID, &dl.Operation, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("dead letter %q: %w", id, ErrDeadLetterNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read dead letter: %w", err)
	}
	if payload.Valid {
		dl.Payload = json.RawMessage(payload.String)
	}

	entry := mutation.Entry{
		TableName: dl.TableName,
		EntityID:  dl.EntityID,
		Operation: dl.Operation,
		Payload:   dl.Payload,
	}
	seq, err := enqueueTx(ctx, tx, &entry)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("remove dead letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seq, nil
}

// PurgeDeadLetter permanently deletes a dead letter.
func (s *SQLiteStore) PurgeDeadLetter(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purge dead letter: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("dead letter %q: %w", id, ErrDeadLetterNotFound)
	}
	return nil
}

// PurgeDeadLettersBefore deletes dead letters older than cutoff.
// Returns the number of rows removed.
func (s *SQLiteStore) PurgeDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE dead_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return result.RowsAffected()
}

// scanQueueEntry scans a mutation_queue row from either *sql.Row or *sql.Rows.
func scanQueueEntry(scanner interface{ Scan(...any) error }) (*mutation.Entry, error) {
	var entry mutation.Entry
	var op string
	var payload sql.NullString
	var enqueuedAt string

	if err := scanner.Scan(&entry.Sequence, &entry.TableName, &entry.EntityID,
		&op, &payload, &entry.Attempts, &entry.LastError, &enqueuedAt); err != nil {
		return nil, err
	}

	entry.Operation = mutation.Operation(op)
	if payload.Valid {
		entry.Payload = json.RawMessage(payload.String)
	}
	entry.EnqueuedAt = parseStoredTime("mutation_queue.enqueued_at", enqueuedAt)

	return &entry, nil
}

// parseStoredTime parses an RFC 3339 timestamp column, logging rather than
// failing on malformed values so a damaged row stays inspectable.
func parseStoredTime(column, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		slog.Warn("failed to parse stored timestamp", "column", column, "value", value, "error", err)
	}
	return t
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty/null payloads, string otherwise.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
