package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/fieldsync/internal/retry"
)

type stubBackend struct {
	executed int
	chunks   int
}

func (s *stubBackend) Execute(context.Context, Request) (Reference, error) {
	s.executed++
	return Reference{ID: "r-1"}, nil
}

func (s *stubBackend) BeginUpload(context.Context, UploadInfo) (string, error) { return "sess", nil }

func (s *stubBackend) UploadChunk(context.Context, string, Chunk, int64) error {
	s.chunks++
	return nil
}

func (s *stubBackend) FinalizeUpload(context.Context, string, UploadInfo) (Reference, error) {
	return Reference{ID: "u-1"}, nil
}

func TestLazy_DialFailureIsRetryable(t *testing.T) {
	t.Parallel()

	stub := &stubBackend{}
	dials, closes := 0, 0

	lazy := NewLazy(func(context.Context) (Backend, func() error, error) {
		dials++
		if dials == 1 {
			return nil, nil, errors.New("connection refused")
		}

		return stub, func() error { closes++; return nil }, nil
	})

	_, err := lazy.Execute(t.Context(), Request{})
	require.Error(t, err)

	var ce *retry.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, retry.ClassNetwork, ce.Class)

	ref, err := lazy.Execute(t.Context(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "r-1", ref.ID)

	require.NoError(t, lazy.UploadChunk(t.Context(), "sess", Chunk{}, 1))
	assert.Equal(t, 2, dials, "connected backend is reused")
	assert.Equal(t, 1, stub.executed)
	assert.Equal(t, 1, stub.chunks)

	require.NoError(t, lazy.Close())
	require.NoError(t, lazy.Close())
	assert.Equal(t, 1, closes)
}

func TestLazy_KeepsTransportClassification(t *testing.T) {
	t.Parallel()

	lazy := NewLazy(func(context.Context) (Backend, func() error, error) {
		return nil, nil, retry.FromStatus(401, "bad password", 0)
	})

	_, err := lazy.BeginUpload(t.Context(), UploadInfo{})

	var ce *retry.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, retry.ClassAuthRejected, ce.Class)
	assert.False(t, ce.Class.Retryable())
}
