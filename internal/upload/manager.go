// Package upload sends large binary payloads in fixed-size chunks. Each chunk
// is retried on its own with the shared retry policy and its completion is
// persisted, so an interrupted upload resumes at the first missing chunk
// instead of starting over.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/fieldsync/internal/blobstore"
	"github.com/tonimelisma/fieldsync/internal/remote"
	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/store"
)

// Defaults.
const (
	DefaultChunkSize = 1 << 20
	MaxParallel      = 3
)

// ErrRetriesExhausted is wrapped around the last chunk (or session) error
// once the policy gives up. The caller should not retry the operation on
// its own; a manual retry resumes from the persisted session.
var ErrRetriesExhausted = errors.New("upload: retries exhausted")

// SessionStore persists chunk progress. *store.Store satisfies it.
type SessionStore interface {
	SaveUploadSession(ctx context.Context, us *store.UploadSession) error
	LoadUploadSession(ctx context.Context, operationID string) (*store.UploadSession, error)
	MarkChunkDone(ctx context.Context, operationID string, idx int) error
	DeleteUploadSession(ctx context.Context, operationID string) error
}

// Blobs opens spooled payloads. *blobstore.Store satisfies it.
type Blobs interface {
	Open(ref string) (blobstore.File, error)
	Stat(ref string) (int64, error)
}

// Recorder receives one entry per failed attempt. *diaglog.Log satisfies it.
type Recorder interface {
	Record(ctx context.Context, e store.LogEntry) error
}

// Config configures a Manager.
type Config struct {
	Uploader       remote.ChunkUploader
	Sessions       SessionStore
	Blobs          Blobs
	Diagnostics    Recorder
	Policy         retry.Policy
	ParallelChunks int
	Logger         *slog.Logger
}

// Manager runs chunked uploads.
type Manager struct {
	uploader remote.ChunkUploader
	sessions SessionStore
	blobs    Blobs
	diag     Recorder
	policy   retry.Policy
	parallel int
	logger   *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error
	nowFunc   func() time.Time
}

// NewManager creates a Manager. ParallelChunks is clamped to [1, 3].
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	parallel := max(1, min(cfg.ParallelChunks, MaxParallel))

	return &Manager{
		uploader:  cfg.Uploader,
		sessions:  cfg.Sessions,
		blobs:     cfg.Blobs,
		diag:      cfg.Diagnostics,
		policy:    cfg.Policy,
		parallel:  parallel,
		logger:    logger,
		sleepFunc: retry.Sleep,
		nowFunc:   time.Now,
	}
}

// plan is one upload's fixed layout.
type plan struct {
	op        *store.Operation
	info      remote.UploadInfo
	chunkSize int64
	count     int
}

// Upload sends the blob referenced by payload in chunks of chunkSize bytes
// (DefaultChunkSize when <= 0) and returns the remote reference produced by
// finalization. A persisted session for the same blob and chunk size is
// resumed. On cancellation the session is kept and the context error is
// returned.
func (m *Manager) Upload(
	ctx context.Context, op *store.Operation, payload store.UploadPayload, chunkSize int64,
) (remote.Reference, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	size, err := m.blobs.Stat(payload.BlobRef)
	if err != nil {
		return remote.Reference{}, fmt.Errorf("upload: %w", err)
	}

	count := int((size + chunkSize - 1) / chunkSize)
	if count == 0 {
		count = 1
	}

	p := &plan{
		op:        op,
		chunkSize: chunkSize,
		count:     count,
		info: remote.UploadInfo{
			OperationID:    op.ID,
			IdempotencyKey: op.IdempotencyKey,
			EntityKind:     op.EntityKind,
			EntityID:       op.EntityID,
			FileName:       payload.FileName,
			ContentType:    payload.ContentType,
			TotalSize:      size,
			ChunkSize:      chunkSize,
			ChunkCount:     count,
			Checksum:       payload.BlobRef,
			Metadata:       payload.Metadata,
		},
	}

	session, err := m.openSession(ctx, p, payload.BlobRef)
	if err != nil {
		return remote.Reference{}, err
	}

	blob, err := m.blobs.Open(payload.BlobRef)
	if err != nil {
		return remote.Reference{}, fmt.Errorf("upload: %w", err)
	}
	defer blob.Close()

	if err := m.sendChunks(ctx, p, session, blob); err != nil {
		return remote.Reference{}, err
	}

	var ref remote.Reference

	err = m.withRetry(ctx, p, "finalize", func(ctx context.Context) error {
		var finErr error
		ref, finErr = m.uploader.FinalizeUpload(ctx, session.SessionID, p.info)

		return finErr
	})
	if err != nil {
		return remote.Reference{}, err
	}

	if delErr := m.sessions.DeleteUploadSession(ctx, op.ID); delErr != nil {
		m.logger.Warn("failed to delete upload session",
			slog.String("operation_id", op.ID),
			slog.String("error", delErr.Error()),
		)
	}

	m.logger.Info("upload complete",
		slog.String("operation_id", op.ID),
		slog.Int64("size", size),
		slog.Int("chunks", count),
		slog.String("remote_id", ref.ID),
	)

	return ref, nil
}

// openSession resumes a matching persisted session or begins a new one.
func (m *Manager) openSession(ctx context.Context, p *plan, blobRef string) (*store.UploadSession, error) {
	existing, err := m.sessions.LoadUploadSession(ctx, p.op.ID)
	if err != nil {
		m.logger.Warn("failed to load upload session",
			slog.String("operation_id", p.op.ID),
			slog.String("error", err.Error()),
		)
	}

	if existing != nil {
		if existing.BlobHash == blobRef && existing.ChunkSize == p.chunkSize && existing.TotalSize == p.info.TotalSize {
			m.logger.Info("resuming upload session",
				slog.String("operation_id", p.op.ID),
				slog.String("session_id", existing.SessionID),
				slog.Int("chunks_done", len(existing.ChunksDone)),
				slog.Int("chunks", p.count),
			)

			return existing, nil
		}

		m.logger.Info("discarding mismatched upload session", slog.String("operation_id", p.op.ID))

		if delErr := m.sessions.DeleteUploadSession(ctx, p.op.ID); delErr != nil {
			return nil, fmt.Errorf("upload: discarding session: %w", delErr)
		}
	}

	var sessionID string

	err = m.withRetry(ctx, p, "begin", func(ctx context.Context) error {
		var beginErr error
		sessionID, beginErr = m.uploader.BeginUpload(ctx, p.info)

		return beginErr
	})
	if err != nil {
		return nil, err
	}

	now := m.nowFunc()
	session := &store.UploadSession{
		OperationID: p.op.ID,
		SessionID:   sessionID,
		BlobRef:     blobRef,
		BlobHash:    blobRef,
		TotalSize:   p.info.TotalSize,
		ChunkSize:   p.chunkSize,
		ChunksDone:  map[int]bool{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.sessions.SaveUploadSession(ctx, session); err != nil {
		return nil, fmt.Errorf("upload: saving session: %w", err)
	}

	return session, nil
}

// sendChunks uploads every chunk not yet marked done, with at most
// m.parallel in flight.
func (m *Manager) sendChunks(ctx context.Context, p *plan, session *store.UploadSession, blob io.ReaderAt) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallel)

	for idx := range p.count {
		if session.ChunksDone[idx] {
			continue
		}

		g.Go(func() error {
			return m.sendChunk(gctx, p, session.SessionID, blob, idx)
		})
	}

	if err := g.Wait(); err != nil {
		// Report the caller's cancellation rather than the group's derived one.
		if ctx.Err() != nil {
			return fmt.Errorf("upload: %s canceled: %w", p.op.Describe(), ctx.Err())
		}

		return err
	}

	return nil
}

func (m *Manager) sendChunk(ctx context.Context, p *plan, sessionID string, blob io.ReaderAt, idx int) error {
	offset := int64(idx) * p.chunkSize
	length := min(p.chunkSize, p.info.TotalSize-offset)

	data := make([]byte, length)
	if _, err := blob.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("upload: reading chunk %d: %w", idx, err)
	}

	sum := sha256.Sum256(data)
	chunk := remote.Chunk{Index: idx, Offset: offset, Data: data, Checksum: hex.EncodeToString(sum[:])}

	step := fmt.Sprintf("chunk %d/%d", idx+1, p.count)

	err := m.withRetry(ctx, p, step, func(ctx context.Context) error {
		return m.uploader.UploadChunk(ctx, sessionID, chunk, p.info.TotalSize)
	})
	if err != nil {
		return err
	}

	if err := m.sessions.MarkChunkDone(ctx, p.op.ID, idx); err != nil {
		return fmt.Errorf("upload: recording %s: %w", step, err)
	}

	m.logger.Debug("chunk uploaded",
		slog.String("operation_id", p.op.ID),
		slog.Int("chunk", idx),
		slog.Int("bytes", len(data)),
	)

	return nil
}

// withRetry runs fn until it succeeds, the policy gives up, or ctx ends.
// Every failed attempt is recorded in the diagnostic log.
func (m *Manager) withRetry(ctx context.Context, p *plan, step string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("upload: %s canceled: %w", step, ctx.Err())
		}

		ce := retry.Classify(err)
		m.record(ctx, p, step, attempt, ce)

		decision := m.policy.DecideError(attempt, ce)
		if !decision.Retry {
			return fmt.Errorf("upload: %s of %s after %d attempts: %w",
				step, p.op.Describe(), attempt, errors.Join(ErrRetriesExhausted, err))
		}

		m.logger.Debug("retrying upload step",
			slog.String("operation_id", p.op.ID),
			slog.String("step", step),
			slog.Int("attempt", attempt),
			slog.Duration("delay", decision.Delay),
		)

		if sleepErr := m.sleepFunc(ctx, decision.Delay); sleepErr != nil {
			return fmt.Errorf("upload: %s canceled: %w", step, sleepErr)
		}
	}
}

func (m *Manager) record(ctx context.Context, p *plan, step string, attempt int, ce *retry.ClassifiedError) {
	if m.diag == nil {
		return
	}

	entry := store.LogEntry{
		OperationID:          p.op.ID,
		OperationDescription: p.op.Describe() + " " + step,
		ErrorMessage:         ce.Error(),
		ErrorClass:           string(ce.Class),
		HTTPStatus:           ce.StatusCode,
		AttemptNumber:        attempt,
	}

	if err := m.diag.Record(ctx, entry); err != nil {
		m.logger.Warn("failed to record diagnostic entry", slog.String("error", err.Error()))
	}
}
