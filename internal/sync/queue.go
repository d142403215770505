package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tonimelisma/fieldsync/internal/store"
)

// idempotencyField is the payload key carrying the idempotency key of
// create operations, so the backend can deduplicate even when it ignores
// the request header.
const idempotencyField = "idempotency_key"

// ErrInvalidRequest wraps enqueue input errors; the mutation was not queued.
var ErrInvalidRequest = errors.New("sync: invalid request")

// EnqueueRequest describes a mutation to queue. Content is required for
// uploads and ignored otherwise.
type EnqueueRequest struct {
	EntityKind     string
	EntityID       string
	Kind           store.Kind
	Payload        json.RawMessage
	HighPriority   bool
	IdempotencyKey string

	Content     io.Reader
	ContentType string
	FileName    string
	Metadata    map[string]string
}

// EnqueueOperation durably queues a mutation and returns its id. Once it
// returns nil the operation survives process termination. Upload content is
// spooled to the blob store first; if queueing then fails the blob is
// released again.
func (p *Processor) EnqueueOperation(ctx context.Context, req EnqueueRequest) (string, error) {
	if _, err := store.ParseKind(string(req.Kind)); err != nil {
		return "", errors.Join(ErrInvalidRequest, err)
	}

	if req.EntityKind == "" {
		return "", fmt.Errorf("%w: entity kind is required", ErrInvalidRequest)
	}

	if req.Kind != store.KindCreate && req.Kind != store.KindUpload && req.EntityID == "" {
		return "", fmt.Errorf("%w: %s needs an entity id", ErrInvalidRequest, req.Kind)
	}

	op := &store.Operation{
		EntityKind:     req.EntityKind,
		EntityID:       req.EntityID,
		Kind:           req.Kind,
		Payload:        req.Payload,
		HighPriority:   req.HighPriority,
		IdempotencyKey: req.IdempotencyKey,
	}

	if op.IdempotencyKey == "" {
		op.IdempotencyKey = uuid.NewString()
	}

	var blobRef string

	switch req.Kind {
	case store.KindCreate:
		payload, err := injectIdempotencyKey(req.Payload, op.IdempotencyKey)
		if err != nil {
			return "", errors.Join(ErrInvalidRequest, err)
		}

		op.Payload = payload
	case store.KindUpload:
		if req.Content == nil {
			return "", fmt.Errorf("%w: upload content is required", ErrInvalidRequest)
		}

		ref, size, err := p.blobs.Put(req.Content)
		if err != nil {
			return "", fmt.Errorf("sync: enqueue upload: %w", err)
		}

		blobRef = ref

		payload, err := json.Marshal(store.UploadPayload{
			BlobRef:     ref,
			Size:        size,
			ContentType: req.ContentType,
			FileName:    req.FileName,
			Metadata:    req.Metadata,
		})
		if err != nil {
			return "", fmt.Errorf("sync: encoding upload payload: %w", err)
		}

		op.Payload = payload
	}

	id, err := p.store.Enqueue(ctx, op)
	if err != nil {
		if blobRef != "" {
			p.releaseBlob(context.WithoutCancel(ctx), blobRef)
		}

		return "", fmt.Errorf("sync: enqueue: %w", err)
	}

	p.logger.Info("operation queued",
		slog.String("operation_id", id),
		slog.String("operation", op.Describe()),
		slog.Bool("high_priority", op.HighPriority),
	)

	p.refreshPendingGauge(ctx)
	p.wake()

	return id, nil
}

// injectIdempotencyKey sets payload.idempotency_key unless the caller
// already supplied one. An empty payload becomes an object.
func injectIdempotencyKey(payload json.RawMessage, key string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}

	if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("sync: create payload must be a JSON object: %w", err)
		}
	}

	if _, ok := fields[idempotencyField]; ok {
		return payload, nil
	}

	encodedKey, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("sync: encoding idempotency key: %w", err)
	}

	fields[idempotencyField] = encodedKey

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("sync: encoding payload: %w", err)
	}

	return out, nil
}

// PendingCount returns the number of operations not yet confirmed by the
// backend (pending and in flight).
func (p *Processor) PendingCount(ctx context.Context) (int, error) {
	n, err := p.store.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: counting pending: %w", err)
	}

	return n, nil
}

// StatusCounts returns the number of operations per status.
func (p *Processor) StatusCounts(ctx context.Context) (map[store.Status]int, error) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: counting by status: %w", err)
	}

	return counts, nil
}

// Operations lists queued operations, optionally filtered by status.
func (p *Processor) Operations(ctx context.Context, statuses ...store.Status) ([]store.Operation, error) {
	ops, err := p.store.List(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("sync: listing operations: %w", err)
	}

	return ops, nil
}

// FailedOperations lists operations that need user attention.
func (p *Processor) FailedOperations(ctx context.Context) ([]store.Operation, error) {
	return p.Operations(ctx, store.StatusFailed)
}

// Retry moves a failed operation back to the queue with a fresh retry
// budget. A persisted upload session is kept so the upload resumes.
func (p *Processor) Retry(ctx context.Context, id string) error {
	if err := p.store.Requeue(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("sync: retry %s: no failed operation with that id: %w", id, err)
		}

		return fmt.Errorf("sync: retry %s: %w", id, err)
	}

	p.logger.Info("operation requeued by user", slog.String("operation_id", id))
	p.refreshPendingGauge(ctx)
	p.wake()

	return nil
}

// RetryAllFailed requeues every failed operation and returns how many were
// requeued.
func (p *Processor) RetryAllFailed(ctx context.Context) (int, error) {
	failed, err := p.FailedOperations(ctx)
	if err != nil {
		return 0, err
	}

	n := 0

	for i := range failed {
		if err := p.store.Requeue(ctx, failed[i].ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}

			return n, fmt.Errorf("sync: retry all: %w", err)
		}

		n++
	}

	if n > 0 {
		p.logger.Info("failed operations requeued by user", slog.Int("count", n))
		p.refreshPendingGauge(ctx)
		p.wake()
	}

	return n, nil
}

// Dismiss permanently drops an operation that is not in flight. The
// mutation is never sent: the delete is guarded against a pass claiming
// the operation in between.
func (p *Processor) Dismiss(ctx context.Context, id string) error {
	op, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("sync: dismiss %s: %w", id, err)
	}

	if err := p.store.Discard(ctx, id); err != nil {
		if errors.Is(err, store.ErrInFlight) {
			return fmt.Errorf("sync: dismiss %s: %w", id, ErrInFlight)
		}

		return fmt.Errorf("sync: dismiss %s: %w", id, err)
	}

	if op.Kind == store.KindUpload {
		if pl, decErr := decodeUpload(op); decErr == nil {
			p.releaseBlob(ctx, pl.BlobRef)
		}
	}

	p.logger.Info("operation dismissed by user",
		slog.String("operation_id", id),
		slog.String("operation", op.Describe()),
	)
	p.refreshPendingGauge(ctx)

	return nil
}

func (p *Processor) refreshPendingGauge(ctx context.Context) {
	if n, err := p.store.CountPending(ctx); err == nil {
		pendingOperations.Set(float64(n))
	}
}
