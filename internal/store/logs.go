package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendLog persists one diagnostic log entry and returns its row ID.
func (s *Store) AppendLog(ctx context.Context, e *LogEntry) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO diagnostic_log
			(timestamp, operation_id, operation_description, error_message, error_class,
			 http_status, attempt_number, client_context, stack_trace)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		toUnix(e.Timestamp), e.OperationID, e.OperationDescription, e.ErrorMessage,
		e.ErrorClass, e.HTTPStatus, e.AttemptNumber, e.ClientContext, nullString(e.StackTrace),
	)
	if err != nil {
		return 0, fmt.Errorf("store: append log: %w", mapWriteErr(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: append log last insert ID: %w", err)
	}

	e.ID = id

	return id, nil
}

// ListLogs returns all diagnostic log entries, oldest first.
func (s *Store) ListLogs(ctx context.Context) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, operation_id, operation_description, error_message,
			error_class, http_status, attempt_number, client_context, stack_trace
		 FROM diagnostic_log ORDER BY timestamp, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list logs: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry

	for rows.Next() {
		var (
			e     LogEntry
			ts    int64
			stack sql.NullString
		)

		if err := rows.Scan(&e.ID, &ts, &e.OperationID, &e.OperationDescription, &e.ErrorMessage,
			&e.ErrorClass, &e.HTTPStatus, &e.AttemptNumber, &e.ClientContext, &stack); err != nil {
			return nil, fmt.Errorf("store: scanning log row: %w", err)
		}

		e.Timestamp = fromUnix(ts)
		e.StackTrace = stack.String
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating log rows: %w", err)
	}

	return entries, nil
}

// ClearLogs deletes every diagnostic log entry.
func (s *Store) ClearLogs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM diagnostic_log`); err != nil {
		return fmt.Errorf("store: clear logs: %w", err)
	}

	return nil
}

// PruneLogs evicts entries older than cutoff, then the oldest entries beyond
// capacity. A zero cutoff or capacity disables that bound. Returns the
// number of evicted entries.
func (s *Store) PruneLogs(ctx context.Context, capacity int, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: prune logs begin: %w", err)
	}
	defer tx.Rollback()

	var total int64

	if !cutoff.IsZero() {
		result, err := tx.ExecContext(ctx, `DELETE FROM diagnostic_log WHERE timestamp < ?`, toUnix(cutoff))
		if err != nil {
			return 0, fmt.Errorf("store: prune logs by age: %w", err)
		}

		n, _ := result.RowsAffected() //nolint:errcheck // modernc always reports rows affected
		total += n
	}

	if capacity > 0 {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM diagnostic_log WHERE id NOT IN
				(SELECT id FROM diagnostic_log ORDER BY timestamp DESC, id DESC LIMIT ?)`, capacity)
		if err != nil {
			return 0, fmt.Errorf("store: prune logs by capacity: %w", err)
		}

		n, _ := result.RowsAffected() //nolint:errcheck // modernc always reports rows affected
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: prune logs commit: %w", err)
	}

	return int(total), nil
}
