package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// testLogWriter adapts testing.T.Log to io.Writer for slog output.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestStore opens a store in a temp directory and closes it on cleanup.
func newTestStore(t *testing.T, opts Options) (*Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "queue.db")

	s, err := Open(context.Background(), dbPath, opts, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})

	return s, dbPath
}

func newOp(kind Kind, entityKind, entityID string) *Operation {
	return &Operation{
		EntityKind: entityKind,
		EntityID:   entityID,
		Kind:       kind,
		Payload:    json.RawMessage(`{"hours":8}`),
	}
}

func TestEnqueue_AssignsIdentity(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	op := newOp(KindCreate, "time_entry", "te-1")
	id, err := s.Enqueue(ctx, op)
	require.NoError(t, err)

	assert.NotEmpty(t, id)
	assert.Equal(t, id, op.ID)
	assert.NotEmpty(t, op.IdempotencyKey)
	assert.False(t, op.CreatedAt.IsZero())

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, "time_entry", got.EntityKind)
	assert.Equal(t, "te-1", got.EntityID)
	assert.Equal(t, op.IdempotencyKey, got.IdempotencyKey)
	assert.JSONEq(t, `{"hours":8}`, string(got.Payload))
	assert.Nil(t, got.LastError)
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.Enqueue(ctx, &Operation{Kind: KindCreate})
	require.Error(t, err)

	_, err = s.Enqueue(ctx, &Operation{EntityKind: "photo", Kind: "rename"})
	require.Error(t, err)
}

func TestEnqueue_QueueCapReportsQuota(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{MaxPending: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Enqueue(ctx, newOp(KindUpdate, "material_status", ""))
		require.NoError(t, err)
	}

	_, err := s.Enqueue(ctx, newOp(KindUpdate, "material_status", ""))
	require.ErrorIs(t, err, ErrStorageQuotaExceeded)
	assert.True(t, IsQuotaError(err))

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "rejected operation must not be partially stored")
}

func TestList_FIFOByCreatedAt(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	late := newOp(KindUpdate, "job", "j1")
	late.CreatedAt = base.Add(time.Minute)
	early := newOp(KindCreate, "job", "j1")
	early.CreatedAt = base

	_, err := s.Enqueue(ctx, late)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, early)
	require.NoError(t, err)

	ops, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, early.ID, ops[0].ID)
	assert.Equal(t, late.ID, ops[1].ID)
}

func TestUpdate_PatchAndFilter(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	id, err := s.Enqueue(ctx, newOp(KindUpdate, "job", "j1"))
	require.NoError(t, err)

	failed := StatusFailed
	attempts := 1
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Update(ctx, id, Patch{
		Status:       &failed,
		AttemptCount: &attempts,
		LastError:    &ErrorInfo{Message: "forbidden", Class: "auth_rejected", HTTPStatus: 403, At: at},
	}))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, 403, got.LastError.HTTPStatus)
	assert.True(t, got.LastError.At.Equal(at))

	pending, err := s.List(ctx, StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failedOps, err := s.List(ctx, StatusFailed)
	require.NoError(t, err)
	assert.Len(t, failedOps, 1)

	require.NoError(t, s.Update(ctx, id, Patch{ClearLastError: true}))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.LastError)
}

func TestUpdate_DoneRemoves(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	id, err := s.Enqueue(ctx, newOp(KindDelete, "photo", "p1"))
	require.NoError(t, err)

	done := StatusDone
	require.NoError(t, s.Update(ctx, id, Patch{Status: &done}))

	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_Missing(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})

	n := 2
	err := s.Update(context.Background(), "nope", Patch{AttemptCount: &n})
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Remove(context.Background(), "nope"), ErrNotFound)
}

func TestMarkInFlight_Guarded(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	id, err := s.Enqueue(ctx, newOp(KindUpdate, "job", "j1"))
	require.NoError(t, err)

	require.NoError(t, s.MarkInFlight(ctx, id))
	require.ErrorIs(t, s.MarkInFlight(ctx, id), ErrNotPending)

	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "in-flight operations still count as pending work")
}

func TestDiscard_GuardsInFlight(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	claimed, err := s.Enqueue(ctx, newOp(KindUpdate, "job", "j1"))
	require.NoError(t, err)
	idle, err := s.Enqueue(ctx, newOp(KindUpdate, "job", "j2"))
	require.NoError(t, err)

	require.NoError(t, s.MarkInFlight(ctx, claimed))

	require.ErrorIs(t, s.Discard(ctx, claimed), ErrInFlight)
	_, err = s.Get(ctx, claimed)
	require.NoError(t, err, "claimed operation kept")

	require.NoError(t, s.Discard(ctx, idle))
	require.ErrorIs(t, s.Discard(ctx, idle), ErrNotFound)
}

// Operations enqueued before an abrupt stop survive reopening, and rows
// that were in flight are handed back to the queue.
func TestReopen_NoLossAndReclaim(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	s, err := Open(ctx, dbPath, Options{}, testLogger(t))
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		id, enqErr := s.Enqueue(ctx, newOp(KindUpdate, "time_entry", "te"))
		require.NoError(t, enqErr)
		ids = append(ids, id)
	}

	require.NoError(t, s.MarkInFlight(ctx, ids[0]))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, dbPath, Options{}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, reopened.Close()) })

	n, err := reopened.ReclaimInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ops, err := reopened.List(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	for i, op := range ops {
		assert.Equal(t, ids[i], op.ID)
	}
}

func TestRequeue_ResetsBudget(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	id, err := s.Enqueue(ctx, newOp(KindCreate, "job", ""))
	require.NoError(t, err)

	require.ErrorIs(t, s.Requeue(ctx, id), ErrNotFound, "only failed operations can be requeued")

	failed := StatusFailed
	attempts := 3
	require.NoError(t, s.Update(ctx, id, Patch{Status: &failed, AttemptCount: &attempts}))
	require.NoError(t, s.Requeue(ctx, id))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestEvictFailed(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	past := time.Now().Add(-48 * time.Hour)
	s.nowFunc = func() time.Time { return past }

	oldID, err := s.Enqueue(ctx, newOp(KindUpdate, "job", "old"))
	require.NoError(t, err)

	failed := StatusFailed
	require.NoError(t, s.Update(ctx, oldID, Patch{Status: &failed}))

	s.nowFunc = time.Now

	keepID, err := s.Enqueue(ctx, newOp(KindUpdate, "job", "new"))
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, keepID, Patch{Status: &failed}))

	n, err := s.EvictFailed(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusFailed])
	assert.Equal(t, 0, counts[StatusPending])
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "update time_entry/42", (&Operation{Kind: KindUpdate, EntityKind: "time_entry", EntityID: "42"}).Describe())
	assert.Equal(t, "create daily_log", (&Operation{Kind: KindCreate, EntityKind: "daily_log"}).Describe())
}

func TestBlobInUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	op := newOp(KindUpload, "photo", "p1")
	op.Payload = json.RawMessage(`{"blob_ref":"abc123","size":3}`)

	id, err := s.Enqueue(ctx, op)
	require.NoError(t, err)

	inUse, err := s.BlobInUse(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, inUse)

	inUse, err = s.BlobInUse(ctx, "other")
	require.NoError(t, err)
	assert.False(t, inUse)

	require.NoError(t, s.Remove(ctx, id))

	inUse, err = s.BlobInUse(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, inUse)
}
