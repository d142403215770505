package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tonimelisma/fieldsync/internal/retry"
)

// DialFunc connects a transport. The returned close function releases it.
type DialFunc func(ctx context.Context) (Backend, func() error, error)

// Lazy defers connecting a broker-style transport until the first call,
// so a daemon can start (and queue work) while the backend is unreachable.
// A failed dial is reported as a retryable network error unless the
// transport already classified it, and the next call dials again.
type Lazy struct {
	dial DialFunc

	mu      sync.Mutex
	backend Backend
	close   func() error
}

// NewLazy creates a Lazy that connects with dial.
func NewLazy(dial DialFunc) *Lazy {
	return &Lazy{dial: dial}
}

func (l *Lazy) get(ctx context.Context) (Backend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.backend != nil {
		return l.backend, nil
	}

	b, closeFn, err := l.dial(ctx)
	if err != nil {
		var ce *retry.ClassifiedError
		if errors.As(err, &ce) {
			return nil, fmt.Errorf("remote: connecting: %w", err)
		}

		return nil, retry.Network(fmt.Errorf("remote: connecting: %w", err))
	}

	l.backend, l.close = b, closeFn

	return b, nil
}

// Close releases the connection if one was made.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.close == nil {
		return nil
	}

	err := l.close()
	l.backend, l.close = nil, nil

	return err
}

// Execute implements Executor.
func (l *Lazy) Execute(ctx context.Context, req Request) (Reference, error) {
	b, err := l.get(ctx)
	if err != nil {
		return Reference{}, err
	}

	return b.Execute(ctx, req)
}

// BeginUpload implements ChunkUploader.
func (l *Lazy) BeginUpload(ctx context.Context, info UploadInfo) (string, error) {
	b, err := l.get(ctx)
	if err != nil {
		return "", err
	}

	return b.BeginUpload(ctx, info)
}

// UploadChunk implements ChunkUploader.
func (l *Lazy) UploadChunk(ctx context.Context, sessionID string, chunk Chunk, total int64) error {
	b, err := l.get(ctx)
	if err != nil {
		return err
	}

	return b.UploadChunk(ctx, sessionID, chunk, total)
}

// FinalizeUpload implements ChunkUploader.
func (l *Lazy) FinalizeUpload(ctx context.Context, sessionID string, info UploadInfo) (Reference, error) {
	b, err := l.get(ctx)
	if err != nil {
		return Reference{}, err
	}

	return b.FinalizeUpload(ctx, sessionID, info)
}
