package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tonimelisma/fieldsync/internal/retry"
	"github.com/tonimelisma/fieldsync/internal/store"
)

// DefaultConfirmTimeout bounds the wait for a publisher confirm.
const DefaultConfirmTimeout = 10 * time.Second

// errPublisherClosed marks a publish attempted after the connection dropped.
var errPublisherClosed = errors.New("remote: amqp connection is closed")

// mutationMessage is the body published for each mutation.
type mutationMessage struct {
	OperationID    string            `json:"operation_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	EntityKind     string            `json:"entity_kind"`
	EntityID       string            `json:"entity_id,omitempty"`
	Kind           string            `json:"kind"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Upload         *UploadInfo       `json:"upload,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// publishFunc sends one message and blocks until the broker confirms it.
type publishFunc func(ctx context.Context, routingKey string, msg amqp.Publishing) error

// AMQPPublisher delivers mutations to a topic exchange with publisher
// confirms. Routing keys are "{entity_kind}.{kind}"; upload chunks go to
// "upload.chunk". The message id is the idempotency key so consumers can
// deduplicate redeliveries.
type AMQPPublisher struct {
	exchange string
	logger   *slog.Logger
	publish  publishFunc
	nowFunc  func() time.Time

	conn      *amqp.Connection
	channel   *amqp.Channel
	mu        sync.Mutex
	healthy   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewAMQPPublisher dials the broker, declares a durable topic exchange, and
// enables publisher confirms.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("remote: connecting to amqp: %w", retry.Network(err))
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("remote: opening amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("remote: declaring exchange %s: %w", exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("remote: enabling publisher confirms: %w", err)
	}

	p := &AMQPPublisher{
		exchange: exchange,
		logger:   logger,
		nowFunc:  time.Now,
		conn:     conn,
		channel:  ch,
		done:     make(chan struct{}),
	}
	p.publish = p.publishConfirmed
	p.healthy.Store(true)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		select {
		case amqpErr := <-connClosed:
			p.healthy.Store(false)
			logger.Warn("amqp connection closed", slog.Any("error", amqpErr))
		case amqpErr := <-chanClosed:
			p.healthy.Store(false)
			logger.Warn("amqp channel closed", slog.Any("error", amqpErr))
		case <-p.done:
		}
	}()

	logger.Info("amqp publisher ready", slog.String("exchange", exchange))

	return p, nil
}

// Close shuts down the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() {
		if p.done != nil {
			close(p.done)
		}

		if p.channel != nil {
			p.channel.Close()
		}

		if p.conn != nil {
			p.conn.Close()
		}
	})

	return nil
}

// Execute implements Executor.
func (p *AMQPPublisher) Execute(ctx context.Context, req Request) (Reference, error) {
	msg := mutationMessage{
		OperationID:    req.OperationID,
		IdempotencyKey: req.IdempotencyKey,
		EntityKind:     req.EntityKind,
		EntityID:       req.EntityID,
		Kind:           string(req.Kind),
		Payload:        req.Payload,
		Metadata:       req.Metadata,
	}

	headers := amqp.Table{}

	var body []byte

	if req.Kind == store.KindUpload {
		headers["file_name"] = req.FileName
		headers["sha256"] = checksum(req.Content)
		headers["operation"] = mustJSON(msg)
		body = req.Content
	} else {
		var err error
		if body, err = json.Marshal(msg); err != nil {
			return Reference{}, fmt.Errorf("remote: encoding message: %w", err)
		}
	}

	contentType := "application/json"
	if req.Kind == store.KindUpload {
		contentType = req.ContentType
	}

	if err := p.send(ctx, req.EntityKind+"."+string(req.Kind), req.IdempotencyKey, contentType, headers, body); err != nil {
		return Reference{}, err
	}

	return Reference{ID: req.EntityID}, nil
}

// BeginUpload implements ChunkUploader. The session id is generated locally
// and announced to consumers.
func (p *AMQPPublisher) BeginUpload(ctx context.Context, info UploadInfo) (string, error) {
	sessionID := uuid.NewString()

	body, err := json.Marshal(mutationMessage{
		OperationID:    info.OperationID,
		IdempotencyKey: info.IdempotencyKey,
		EntityKind:     info.EntityKind,
		EntityID:       info.EntityID,
		Kind:           string(store.KindUpload),
		SessionID:      sessionID,
		Upload:         &info,
	})
	if err != nil {
		return "", fmt.Errorf("remote: encoding upload session: %w", err)
	}

	if err := p.send(ctx, "upload.begin", info.IdempotencyKey+":begin", "application/json", nil, body); err != nil {
		return "", err
	}

	return sessionID, nil
}

// UploadChunk implements ChunkUploader.
func (p *AMQPPublisher) UploadChunk(ctx context.Context, sessionID string, chunk Chunk, total int64) error {
	headers := amqp.Table{
		"session_id":  sessionID,
		"chunk_index": int64(chunk.Index),
		"offset":      chunk.Offset,
		"total_size":  total,
		"sha256":      chunk.Checksum,
	}

	msgID := fmt.Sprintf("%s:%d", sessionID, chunk.Index)

	return p.send(ctx, "upload.chunk", msgID, "application/octet-stream", headers, chunk.Data)
}

// FinalizeUpload implements ChunkUploader.
func (p *AMQPPublisher) FinalizeUpload(ctx context.Context, sessionID string, info UploadInfo) (Reference, error) {
	body, err := json.Marshal(mutationMessage{
		OperationID:    info.OperationID,
		IdempotencyKey: info.IdempotencyKey,
		EntityKind:     info.EntityKind,
		EntityID:       info.EntityID,
		Kind:           string(store.KindUpload),
		SessionID:      sessionID,
		Upload:         &info,
	})
	if err != nil {
		return Reference{}, fmt.Errorf("remote: encoding finalize: %w", err)
	}

	if err := p.send(ctx, "upload.finalize", info.IdempotencyKey, "application/json", nil, body); err != nil {
		return Reference{}, err
	}

	return Reference{ID: sessionID, URL: "amqp:" + p.exchange + "/" + sessionID}, nil
}

func (p *AMQPPublisher) send(
	ctx context.Context, routingKey, messageID, contentType string, headers amqp.Table, body []byte,
) error {
	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    p.nowFunc().UTC(),
		Body:         body,
	}

	if err := p.publish(ctx, routingKey, msg); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("remote: publish %s canceled: %w", routingKey, ctx.Err())
		}

		return fmt.Errorf("remote: publish %s: %w", routingKey, classifyAMQPError(err))
	}

	p.logger.Debug("message confirmed",
		slog.String("routing_key", routingKey),
		slog.String("message_id", messageID),
		slog.Int("bytes", len(body)),
	)

	return nil
}

// publishConfirmed publishes on the shared channel and waits for the ack.
func (p *AMQPPublisher) publishConfirmed(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if !p.healthy.Load() {
		return errPublisherClosed
	}

	p.mu.Lock()
	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, msg)
	p.mu.Unlock()

	if err != nil {
		return err
	}

	timer := time.NewTimer(DefaultConfirmTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return errNack
		}

		return nil
	case <-timer.C:
		return errConfirmTimeout
	}
}

var (
	errNack           = errors.New("broker nacked message")
	errConfirmTimeout = errors.New("publisher confirm timeout")
)

// classifyAMQPError maps broker failures. A nack or confirm timeout means
// the broker is up but not accepting; a closed connection is a network
// failure. Access refusals are not retried.
func classifyAMQPError(err error) *retry.ClassifiedError {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused:
			return &retry.ClassifiedError{Class: retry.ClassAuthRejected, Message: amqpErr.Reason, Err: err}
		case amqp.NotFound, amqp.PreconditionFailed, amqp.ContentTooLarge:
			return &retry.ClassifiedError{Class: retry.ClassValidationRejected, Message: amqpErr.Reason, Err: err}
		case amqp.ResourceError:
			return &retry.ClassifiedError{Class: retry.ClassServerUnavailable, Message: amqpErr.Reason, Err: err}
		}
	}

	switch {
	case errors.Is(err, errNack), errors.Is(err, errConfirmTimeout):
		return &retry.ClassifiedError{Class: retry.ClassServerUnavailable, Message: err.Error(), Err: err}
	case errors.Is(err, errPublisherClosed), errors.Is(err, amqp.ErrClosed):
		return retry.Network(err)
	}

	return retry.Classify(err)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}

	return string(data)
}
