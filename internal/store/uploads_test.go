package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadSession_RoundTripAndChunks(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	opID, err := s.Enqueue(ctx, newOp(KindUpload, "photo", "p1"))
	require.NoError(t, err)

	got, err := s.LoadUploadSession(ctx, opID)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SaveUploadSession(ctx, &UploadSession{
		OperationID: opID,
		SessionID:   "sess-1",
		BlobRef:     "abc",
		BlobHash:    "abc",
		TotalSize:   3 << 20,
		ChunkSize:   1 << 20,
	}))

	require.NoError(t, s.MarkChunkDone(ctx, opID, 0))
	require.NoError(t, s.MarkChunkDone(ctx, opID, 1))
	require.NoError(t, s.MarkChunkDone(ctx, opID, 1))

	got, err = s.LoadUploadSession(ctx, opID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, map[int]bool{0: true, 1: true}, got.ChunksDone)

	// Replacing the session drops the old progress.
	require.NoError(t, s.SaveUploadSession(ctx, &UploadSession{
		OperationID: opID, SessionID: "sess-2", BlobRef: "abc", BlobHash: "abc",
		TotalSize: 3 << 20, ChunkSize: 1 << 20,
	}))

	got, err = s.LoadUploadSession(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got.SessionID)
	assert.Empty(t, got.ChunksDone)
}

func TestUploadSession_RemovedWithOperation(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	opID, err := s.Enqueue(ctx, newOp(KindUpload, "photo", "p2"))
	require.NoError(t, err)

	require.NoError(t, s.SaveUploadSession(ctx, &UploadSession{
		OperationID: opID, SessionID: "s", BlobRef: "r", BlobHash: "r", TotalSize: 10, ChunkSize: 5,
	}))
	require.NoError(t, s.MarkChunkDone(ctx, opID, 0))
	require.NoError(t, s.Remove(ctx, opID))

	got, err := s.LoadUploadSession(ctx, opID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCleanStaleUploadSessions(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	opID, err := s.Enqueue(ctx, newOp(KindUpload, "photo", "p3"))
	require.NoError(t, err)

	old := time.Now().Add(-10 * 24 * time.Hour)
	s.nowFunc = func() time.Time { return old }
	require.NoError(t, s.SaveUploadSession(ctx, &UploadSession{
		OperationID: opID, SessionID: "s", BlobRef: "r", BlobHash: "r", TotalSize: 10, ChunkSize: 5,
	}))
	s.nowFunc = time.Now

	n, err := s.CleanStaleUploadSessions(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.LoadUploadSession(ctx, opID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
