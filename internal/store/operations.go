package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// operationSelectCols is the column list shared by all operation queries.
const operationSelectCols = `SELECT id, entity_kind, entity_id, kind, payload,
	idempotency_key, high_priority, status, attempt_count,
	last_error, last_error_class, last_error_status, last_error_at,
	next_attempt_at, remote_ref, created_at, updated_at
 FROM pending_operations `

// Enqueue persists a new pending operation and returns its ID. Missing ID,
// idempotency key, and creation time are filled in. The insert is a single
// committed transaction; when it returns nil the operation survives a crash.
func (s *Store) Enqueue(ctx context.Context, op *Operation) (string, error) {
	if op.EntityKind == "" {
		return "", fmt.Errorf("store: enqueue: entity kind is required")
	}

	if _, err := ParseKind(string(op.Kind)); err != nil {
		return "", err
	}

	now := s.now()

	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}

	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}

	if len(op.Payload) == 0 {
		op.Payload = json.RawMessage(`{}`)
	}

	op.Status = StatusPending
	op.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: enqueue begin: %w", mapWriteErr(err))
	}
	defer tx.Rollback()

	if s.opts.MaxPending > 0 {
		var queued int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_operations WHERE status IN ('pending', 'in_flight')`,
		).Scan(&queued); err != nil {
			return "", fmt.Errorf("store: enqueue count: %w", err)
		}

		if queued >= s.opts.MaxPending {
			return "", fmt.Errorf("store: enqueue %s: %d operations queued (max %d): %w",
				op.Describe(), queued, s.opts.MaxPending, ErrStorageQuotaExceeded)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending_operations
			(id, entity_kind, entity_id, kind, payload, idempotency_key, high_priority,
			 status, attempt_count, next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, 0, ?, ?)`,
		op.ID, op.EntityKind, op.EntityID, string(op.Kind), []byte(op.Payload),
		op.IdempotencyKey, op.HighPriority, toUnix(op.CreatedAt), toUnix(now),
	)
	if err != nil {
		return "", fmt.Errorf("store: enqueue %s: %w", op.Describe(), mapWriteErr(err))
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: enqueue commit: %w", mapWriteErr(err))
	}

	s.logger.Debug("operation enqueued",
		slog.String("id", op.ID),
		slog.String("operation", op.Describe()),
	)

	return op.ID, nil
}

// List returns operations with any of the given statuses (all when none are
// given) in replay order: creation time, then insertion order.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]Operation, error) {
	if len(statuses) == 0 {
		return s.queryOperations(ctx, "", "list")
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))

	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	return s.queryOperations(ctx,
		`WHERE status IN (`+strings.Join(placeholders, ", ")+`)`, "list", args...)
}

// Get returns a single operation.
func (s *Store) Get(ctx context.Context, id string) (*Operation, error) {
	ops, err := s.queryOperations(ctx, `WHERE id = ?`, "get", id)
	if err != nil {
		return nil, err
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("store: get %s: %w", id, ErrNotFound)
	}

	return &ops[0], nil
}

// Update applies a partial update. A patch with Status == StatusDone removes
// the operation instead, since completed operations are never retained.
func (s *Store) Update(ctx context.Context, id string, p Patch) error {
	if p.Status != nil && *p.Status == StatusDone {
		return s.Remove(ctx, id)
	}

	sets := []string{"updated_at = ?"}
	args := []any{toUnix(s.now())}

	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}

	if p.AttemptCount != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *p.AttemptCount)
	}

	switch {
	case p.LastError != nil:
		sets = append(sets,
			"last_error = ?", "last_error_class = ?", "last_error_status = ?", "last_error_at = ?")
		args = append(args, p.LastError.Message, p.LastError.Class,
			p.LastError.HTTPStatus, toUnix(p.LastError.At))
	case p.ClearLastError:
		sets = append(sets,
			"last_error = NULL", "last_error_class = NULL", "last_error_status = NULL", "last_error_at = NULL")
	}

	if p.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, toUnix(*p.NextAttemptAt))
	}

	if p.RemoteRef != nil {
		sets = append(sets, "remote_ref = ?")
		args = append(args, nullString(*p.RemoteRef))
	}

	if p.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, []byte(p.Payload))
	}

	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_operations SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", id, mapWriteErr(err))
	}

	return requireRow(result, "update", id, ErrNotFound)
}

// Remove deletes an operation together with any upload session it owns.
func (s *Store) Remove(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: remove %s: %w", id, err)
	}

	return requireRow(result, "remove", id, ErrNotFound)
}

// Discard deletes an operation unless a drain pass has claimed it, so a
// dismissed mutation is never sent. It fails with ErrInFlight for a claimed
// operation and ErrNotFound for a missing one.
func (s *Store) Discard(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE id = ? AND status != 'in_flight'`, id)
	if err != nil {
		return fmt.Errorf("store: discard %s: %w", id, err)
	}

	if err := requireRow(result, "discard", id, ErrInFlight); err != nil {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return fmt.Errorf("store: discard %s: %w", id, ErrNotFound)
		}

		return err
	}

	return nil
}

// MarkInFlight transitions an operation from pending to in_flight. It fails
// with ErrNotPending when the operation is in any other state, which keeps
// two drain passes from claiming the same row.
func (s *Store) MarkInFlight(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_operations SET status = 'in_flight', updated_at = ?
		 WHERE id = ? AND status = 'pending'`, toUnix(s.now()), id)
	if err != nil {
		return fmt.Errorf("store: mark in flight %s: %w", id, mapWriteErr(err))
	}

	return requireRow(result, "mark in flight", id, ErrNotPending)
}

// Requeue moves a failed operation back to pending with a fresh retry
// budget. Used for explicit manual retries only.
func (s *Store) Requeue(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = 'pending', attempt_count = 0, next_attempt_at = 0, updated_at = ?
		 WHERE id = ? AND status = 'failed'`, toUnix(s.now()), id)
	if err != nil {
		return fmt.Errorf("store: requeue %s: %w", id, mapWriteErr(err))
	}

	return requireRow(result, "requeue", id, ErrNotFound)
}

// ReclaimInFlight resets operations left in_flight by a previous process
// back to pending. Called once at startup before the first drain pass.
func (s *Store) ReclaimInFlight(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_operations SET status = 'pending', updated_at = ?
		 WHERE status = 'in_flight'`, toUnix(s.now()))
	if err != nil {
		return 0, fmt.Errorf("store: reclaim in flight: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reclaim rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Warn("reclaimed interrupted operations", slog.Int64("count", n))
	}

	return int(n), nil
}

// CountPending returns the number of operations that still have to reach
// the backend (pending or in flight).
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE status IN ('pending', 'in_flight')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}

	return n, nil
}

// CountByStatus returns the number of operations per persisted status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pending_operations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{StatusPending: 0, StatusInFlight: 0, StatusFailed: 0}

	for rows.Next() {
		var (
			st string
			n  int
		)

		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("store: scanning status count: %w", err)
		}

		counts[Status(st)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating status counts: %w", err)
	}

	return counts, nil
}

// EvictFailed deletes failed operations last updated before cutoff and
// returns how many were removed.
func (s *Store) EvictFailed(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE status = 'failed' AND updated_at < ?`, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: evict failed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: evict rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info("evicted expired failed operations",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}

	return int(n), nil
}

// BlobInUse reports whether any queued upload still references blobRef.
func (s *Store) BlobInUse(ctx context.Context, blobRef string) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations
		WHERE kind = 'upload' AND json_extract(CAST(payload AS TEXT), '$.blob_ref') = ?`, blobRef,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: checking blob references: %w", err)
	}

	return n > 0, nil
}

// queryOperations runs a SELECT over pending_operations with the given
// WHERE clause and returns the rows in replay order.
func (s *Store) queryOperations(ctx context.Context, whereClause, desc string, args ...any) ([]Operation, error) {
	query := operationSelectCols + whereClause + ` ORDER BY created_at, rowid` //nolint:gosec // whereClause is built from constants and placeholders

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", desc, err)
	}
	defer rows.Close()

	var result []Operation

	for rows.Next() {
		op, scanErr := scanOperation(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, *op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating %s rows: %w", desc, err)
	}

	return result, nil
}

func scanOperation(rows *sql.Rows) (*Operation, error) {
	var (
		op          Operation
		kind        string
		status      string
		payload     []byte
		lastErr     sql.NullString
		lastClass   sql.NullString
		lastStatus  sql.NullInt64
		lastAt      sql.NullInt64
		nextAttempt int64
		remoteRef   sql.NullString
		createdAt   int64
		updatedAt   int64
	)

	err := rows.Scan(
		&op.ID, &op.EntityKind, &op.EntityID, &kind, &payload,
		&op.IdempotencyKey, &op.HighPriority, &status, &op.AttemptCount,
		&lastErr, &lastClass, &lastStatus, &lastAt,
		&nextAttempt, &remoteRef, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: scanning operation row: %w", err)
	}

	op.Kind = Kind(kind)
	op.Status = Status(status)
	op.Payload = json.RawMessage(payload)
	op.NextAttemptAt = fromUnix(nextAttempt)
	op.RemoteRef = remoteRef.String
	op.CreatedAt = fromUnix(createdAt)
	op.UpdatedAt = fromUnix(updatedAt)

	if lastErr.Valid {
		op.LastError = &ErrorInfo{
			Message:    lastErr.String,
			Class:      lastClass.String,
			HTTPStatus: int(lastStatus.Int64),
			At:         fromUnix(lastAt.Int64),
		}
	}

	return &op, nil
}

// requireRow returns notFound (wrapped) when an UPDATE or DELETE matched no row.
func requireRow(result sql.Result, desc, id string, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s %s rows affected: %w", desc, id, err)
	}

	if n == 0 {
		return fmt.Errorf("store: %s %s: %w", desc, id, notFound)
	}

	return nil
}

// IsNotFound reports whether err means the operation does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
