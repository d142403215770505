package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SaveUploadSession creates or replaces the upload session of an operation.
// Replacing a session discards its recorded chunk progress.
func (s *Store) SaveUploadSession(ctx context.Context, us *UploadSession) error {
	now := s.now()
	if us.CreatedAt.IsZero() {
		us.CreatedAt = now
	}

	us.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save upload session begin: %w", mapWriteErr(err))
	}
	defer tx.Rollback()

	// Deleting first cascades to upload_chunks, so stale progress from a
	// previous session can never leak into the new one.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM upload_sessions WHERE operation_id = ?`, us.OperationID); err != nil {
		return fmt.Errorf("store: save upload session %s: %w", us.OperationID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO upload_sessions
			(operation_id, session_id, blob_ref, blob_hash, total_size, chunk_size, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		us.OperationID, us.SessionID, us.BlobRef, us.BlobHash, us.TotalSize, us.ChunkSize,
		toUnix(us.CreatedAt), toUnix(us.UpdatedAt),
	); err != nil {
		return fmt.Errorf("store: save upload session %s: %w", us.OperationID, mapWriteErr(err))
	}

	for idx := range us.ChunksDone {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO upload_chunks (operation_id, chunk_index, completed_at) VALUES (?, ?, ?)`,
			us.OperationID, idx, toUnix(now),
		); err != nil {
			return fmt.Errorf("store: save upload chunk %s/%d: %w", us.OperationID, idx, mapWriteErr(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save upload session commit: %w", mapWriteErr(err))
	}

	return nil
}

// LoadUploadSession returns the persisted session of an operation, or
// (nil, nil) when none exists.
func (s *Store) LoadUploadSession(ctx context.Context, operationID string) (*UploadSession, error) {
	var (
		us        UploadSession
		createdAt int64
		updatedAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT operation_id, session_id, blob_ref, blob_hash, total_size, chunk_size, created_at, updated_at
		 FROM upload_sessions WHERE operation_id = ?`, operationID,
	).Scan(&us.OperationID, &us.SessionID, &us.BlobRef, &us.BlobHash, &us.TotalSize, &us.ChunkSize,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "no session"
	}

	if err != nil {
		return nil, fmt.Errorf("store: load upload session %s: %w", operationID, err)
	}

	us.CreatedAt = fromUnix(createdAt)
	us.UpdatedAt = fromUnix(updatedAt)
	us.ChunksDone = make(map[int]bool)

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index FROM upload_chunks WHERE operation_id = ?`, operationID)
	if err != nil {
		return nil, fmt.Errorf("store: load upload chunks %s: %w", operationID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("store: scanning upload chunk: %w", err)
		}

		us.ChunksDone[idx] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating upload chunks: %w", err)
	}

	return &us, nil
}

// MarkChunkDone records that the remote side acknowledged chunk idx. The
// write is idempotent.
func (s *Store) MarkChunkDone(ctx context.Context, operationID string, idx int) error {
	now := toUnix(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: mark chunk begin: %w", mapWriteErr(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO upload_chunks (operation_id, chunk_index, completed_at) VALUES (?, ?, ?)`,
		operationID, idx, now,
	); err != nil {
		return fmt.Errorf("store: mark chunk %s/%d: %w", operationID, idx, mapWriteErr(err))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE upload_sessions SET updated_at = ? WHERE operation_id = ?`, now, operationID,
	); err != nil {
		return fmt.Errorf("store: touch upload session %s: %w", operationID, mapWriteErr(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: mark chunk commit: %w", mapWriteErr(err))
	}

	return nil
}

// DeleteUploadSession removes a session and its chunk progress. Deleting a
// missing session is not an error.
func (s *Store) DeleteUploadSession(ctx context.Context, operationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM upload_sessions WHERE operation_id = ?`, operationID); err != nil {
		return fmt.Errorf("store: delete upload session %s: %w", operationID, err)
	}

	return nil
}

// CleanStaleUploadSessions deletes sessions that have not progressed for
// longer than maxAge. The remote side expires sessions on its own schedule.
func (s *Store) CleanStaleUploadSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM upload_sessions WHERE updated_at < ?`, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: clean stale upload sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: clean stale rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info("removed stale upload sessions",
			slog.Int64("count", n),
			slog.Duration("max_age", maxAge),
		)
	}

	return int(n), nil
}
