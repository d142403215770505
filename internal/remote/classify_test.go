package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/store"
)

func TestClassifyPgError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code  string
		class retry.Class
	}{
		{"28P01", retry.ClassAuthRejected},
		{"42501", retry.ClassAuthRejected},
		{"23505", retry.ClassValidationRejected},
		{"22P02", retry.ClassValidationRejected},
		{"42P01", retry.ClassValidationRejected},
		{"53300", retry.ClassServerUnavailable},
		{"57P01", retry.ClassServerUnavailable},
		{"40001", retry.ClassServerUnavailable},
		{"08006", retry.ClassNetwork},
		{"XX000", retry.ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()

			err := classifyPgError(&pgconn.PgError{Code: tt.code, Message: "boom"})

			var ce *retry.ClassifiedError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.class, ce.Class)
			assert.Contains(t, ce.Message, tt.code)
		})
	}
}

func TestClassifyPgError_Canceled(t *testing.T) {
	t.Parallel()

	assert.NoError(t, classifyPgError(nil))
	assert.ErrorIs(t, classifyPgError(context.Canceled), context.Canceled)
}

func TestClassifyAMQPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		class retry.Class
	}{
		{"nack", errNack, retry.ClassServerUnavailable},
		{"confirm timeout", errConfirmTimeout, retry.ClassServerUnavailable},
		{"closed", errPublisherClosed, retry.ClassNetwork},
		{"amqp closed", amqp.ErrClosed, retry.ClassNetwork},
		{"access refused", &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"}, retry.ClassAuthRejected},
		{"not found", &amqp.Error{Code: amqp.NotFound, Reason: "no exchange"}, retry.ClassValidationRejected},
		{"resource", &amqp.Error{Code: amqp.ResourceError, Reason: "memory alarm"}, retry.ClassServerUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.class, classifyAMQPError(tt.err).Class)
		})
	}
}

// fakeBroker records publishes and fails the first n with err.
type fakeBroker struct {
	mu    sync.Mutex
	keys  []string
	msgs  []amqp.Publishing
	failN int
	err   error
}

func (f *fakeBroker) publish(_ context.Context, key string, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failN > 0 {
		f.failN--
		return f.err
	}

	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)

	return nil
}

func newTestPublisher(t *testing.T, broker *fakeBroker) *AMQPPublisher {
	t.Helper()

	return &AMQPPublisher{
		exchange: "field.topic",
		logger:   testLogger(t),
		publish:  broker.publish,
		nowFunc:  func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func TestAMQPPublisher_Execute(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	p := newTestPublisher(t, broker)

	ref, err := p.Execute(context.Background(), Request{
		OperationID:    "op-1",
		EntityKind:     "time_entry",
		EntityID:       "42",
		Kind:           store.KindUpdate,
		Payload:        json.RawMessage(`{"hours":8}`),
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", ref.ID)

	require.Len(t, broker.msgs, 1)
	assert.Equal(t, "time_entry.update", broker.keys[0])

	msg := broker.msgs[0]
	assert.Equal(t, "idem-1", msg.MessageId)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)

	var body mutationMessage
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, "op-1", body.OperationID)
	assert.JSONEq(t, `{"hours":8}`, string(body.Payload))
}

func TestAMQPPublisher_NackClassified(t *testing.T) {
	t.Parallel()

	p := newTestPublisher(t, &fakeBroker{failN: 1, err: errNack})

	_, err := p.Execute(context.Background(), Request{EntityKind: "note", Kind: store.KindCreate, IdempotencyKey: "k"})

	var ce *retry.ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, retry.ClassServerUnavailable, ce.Class)
	assert.True(t, errors.Is(err, errNack))
}

func TestAMQPPublisher_ChunkedUpload(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	p := newTestPublisher(t, broker)

	info := UploadInfo{OperationID: "op", IdempotencyKey: "k", EntityKind: "photo", ChunkCount: 1, TotalSize: 3}

	sessionID, err := p.BeginUpload(context.Background(), info)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	require.NoError(t, p.UploadChunk(context.Background(), sessionID, Chunk{Index: 0, Data: []byte("abc")}, 3))

	ref, err := p.FinalizeUpload(context.Background(), sessionID, info)
	require.NoError(t, err)
	assert.Equal(t, sessionID, ref.ID)

	assert.Equal(t, []string{"upload.begin", "upload.chunk", "upload.finalize"}, broker.keys)
	assert.Equal(t, sessionID+":0", broker.msgs[1].MessageId)
	assert.Equal(t, int64(0), broker.msgs[1].Headers["chunk_index"])
}
