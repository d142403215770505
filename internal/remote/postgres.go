package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/store"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS field_mutations (
    id              BIGSERIAL PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    operation_id    TEXT NOT NULL,
    entity_kind     TEXT NOT NULL,
    entity_id       TEXT NOT NULL DEFAULT '',
    kind            TEXT NOT NULL,
    payload         JSONB,
    upload_session  TEXT,
    status          TEXT NOT NULL DEFAULT 'pending',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS field_upload_sessions (
    session_id      TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
    idempotency_key TEXT NOT NULL UNIQUE,
    info            JSONB NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS field_upload_chunks (
    session_id  TEXT NOT NULL REFERENCES field_upload_sessions (session_id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    byte_offset BIGINT NOT NULL,
    data        BYTEA NOT NULL,
    sha256      TEXT NOT NULL,
    PRIMARY KEY (session_id, chunk_index)
);
`

// PostgresOutbox writes mutations into an outbox table that a server-side
// relay consumes. The UNIQUE idempotency_key column makes redelivery of the
// same operation a no-op.
type PostgresOutbox struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresOutbox connects, verifies reachability, and ensures the outbox
// tables exist.
func NewPostgresOutbox(ctx context.Context, connString string, logger *slog.Logger) (*PostgresOutbox, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("remote: parsing postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("remote: creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("remote: pinging postgres: %w", classifyPgError(err))
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("remote: creating outbox schema: %w", classifyPgError(err))
	}

	logger.Info("postgres outbox ready", slog.String("host", cfg.ConnConfig.Host))

	return &PostgresOutbox{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (o *PostgresOutbox) Close() {
	o.pool.Close()
}

// Execute implements Executor.
func (o *PostgresOutbox) Execute(ctx context.Context, req Request) (Reference, error) {
	payload := []byte(req.Payload)
	if req.Kind == store.KindUpload {
		// Inline uploads travel as a one-chunk session so the relay sees a
		// single upload shape.
		return o.executeInlineUpload(ctx, req)
	}

	if len(payload) == 0 {
		payload = nil
	}

	id, err := o.insertMutation(ctx, req, payload, "")
	if err != nil {
		return Reference{}, err
	}

	if req.EntityID != "" {
		return Reference{ID: req.EntityID}, nil
	}

	return Reference{ID: id}, nil
}

func (o *PostgresOutbox) executeInlineUpload(ctx context.Context, req Request) (Reference, error) {
	info := UploadInfo{
		OperationID:    req.OperationID,
		IdempotencyKey: req.IdempotencyKey,
		EntityKind:     req.EntityKind,
		EntityID:       req.EntityID,
		FileName:       req.FileName,
		ContentType:    req.ContentType,
		TotalSize:      int64(len(req.Content)),
		ChunkSize:      int64(len(req.Content)),
		ChunkCount:     1,
		Checksum:       checksum(req.Content),
		Metadata:       req.Metadata,
	}

	sessionID, err := o.BeginUpload(ctx, info)
	if err != nil {
		return Reference{}, err
	}

	chunk := Chunk{Index: 0, Data: req.Content, Checksum: info.Checksum}
	if err := o.UploadChunk(ctx, sessionID, chunk, info.TotalSize); err != nil {
		return Reference{}, err
	}

	return o.FinalizeUpload(ctx, sessionID, info)
}

// insertMutation returns the outbox row id, reusing the existing row when
// the idempotency key was already recorded.
func (o *PostgresOutbox) insertMutation(ctx context.Context, req Request, payload []byte, sessionID string) (string, error) {
	var id int64

	err := o.pool.QueryRow(ctx, `
		INSERT INTO field_mutations
		    (idempotency_key, operation_id, entity_kind, entity_id, kind, payload, upload_session)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		req.IdempotencyKey, req.OperationID, req.EntityKind, req.EntityID, string(req.Kind), payload, sessionID,
	).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		err = o.pool.QueryRow(ctx,
			`SELECT id FROM field_mutations WHERE idempotency_key = $1`, req.IdempotencyKey,
		).Scan(&id)
		if err == nil {
			o.logger.Debug("outbox row already present",
				slog.String("operation_id", req.OperationID),
				slog.Int64("row_id", id),
			)
		}
	}

	if err != nil {
		return "", fmt.Errorf("remote: writing outbox row: %w", classifyPgError(err))
	}

	return fmt.Sprintf("%d", id), nil
}

// BeginUpload implements ChunkUploader.
func (o *PostgresOutbox) BeginUpload(ctx context.Context, info UploadInfo) (string, error) {
	encoded, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("remote: encoding upload session: %w", err)
	}

	var sessionID string

	err = o.pool.QueryRow(ctx, `
		INSERT INTO field_upload_sessions (idempotency_key, info)
		VALUES ($1, $2)
		ON CONFLICT (idempotency_key) DO UPDATE SET info = EXCLUDED.info
		RETURNING session_id`,
		info.IdempotencyKey, encoded,
	).Scan(&sessionID)
	if err != nil {
		return "", fmt.Errorf("remote: creating upload session: %w", classifyPgError(err))
	}

	return sessionID, nil
}

// UploadChunk implements ChunkUploader.
func (o *PostgresOutbox) UploadChunk(ctx context.Context, sessionID string, chunk Chunk, _ int64) error {
	_, err := o.pool.Exec(ctx, `
		INSERT INTO field_upload_chunks (session_id, chunk_index, byte_offset, data, sha256)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, chunk_index) DO UPDATE
		SET byte_offset = EXCLUDED.byte_offset, data = EXCLUDED.data, sha256 = EXCLUDED.sha256`,
		sessionID, chunk.Index, chunk.Offset, chunk.Data, chunk.Checksum,
	)
	if err != nil {
		return fmt.Errorf("remote: writing chunk %d: %w", chunk.Index, classifyPgError(err))
	}

	return nil
}

// FinalizeUpload implements ChunkUploader. It verifies every chunk arrived
// and records the upload mutation in the outbox.
func (o *PostgresOutbox) FinalizeUpload(ctx context.Context, sessionID string, info UploadInfo) (Reference, error) {
	var count int
	if err := o.pool.QueryRow(ctx,
		`SELECT count(*) FROM field_upload_chunks WHERE session_id = $1`, sessionID,
	).Scan(&count); err != nil {
		return Reference{}, fmt.Errorf("remote: counting chunks: %w", classifyPgError(err))
	}

	if count != info.ChunkCount {
		return Reference{}, &retry.ClassifiedError{
			Class:   retry.ClassServerUnavailable,
			Message: fmt.Sprintf("upload session %s has %d of %d chunks", sessionID, count, info.ChunkCount),
		}
	}

	meta, err := json.Marshal(info)
	if err != nil {
		return Reference{}, fmt.Errorf("remote: encoding upload info: %w", err)
	}

	id, err := o.insertMutation(ctx, Request{
		OperationID:    info.OperationID,
		EntityKind:     info.EntityKind,
		EntityID:       info.EntityID,
		Kind:           store.KindUpload,
		IdempotencyKey: info.IdempotencyKey,
	}, meta, sessionID)
	if err != nil {
		return Reference{}, err
	}

	return Reference{ID: id, URL: "postgres:field_upload_sessions/" + sessionID}, nil
}

// classifyPgError maps SQLSTATE classes onto failure classes. Errors
// without a SQLSTATE are treated as connectivity failures.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		var netErr net.Error
		if errors.As(err, &netErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
			return retry.Network(err)
		}

		var connectErr *pgconn.ConnectError
		if errors.As(err, &connectErr) {
			return retry.Network(err)
		}

		return retry.Classify(err)
	}

	class := retry.ClassUnknown
	code := pgErr.Code

	switch {
	case strings.HasPrefix(code, "28"), code == "42501":
		class = retry.ClassAuthRejected
	case strings.HasPrefix(code, "08"):
		class = retry.ClassNetwork
	case strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"), code == "40001", code == "40P01":
		class = retry.ClassServerUnavailable
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"), strings.HasPrefix(code, "42"):
		class = retry.ClassValidationRejected
	}

	return &retry.ClassifiedError{
		Class:   class,
		Message: fmt.Sprintf("%s (SQLSTATE %s)", pgErr.Message, code),
		Err:     err,
	}
}
