// Package remote performs queued mutations against the backend. It defines
// the executor contracts the sync engine consumes and provides three
// transports: a REST client (the default), a Postgres outbox writer, and an
// AMQP publisher.
//
// Executors never retry. Every failure is returned as a
// *retry.ClassifiedError (possibly wrapped) so the sync processor can apply
// the shared retry policy in one place.
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tonimelisma/fieldsync/internal/store"
)

// IdempotencyHeader carries the client-generated idempotency key on every
// mutating request.
const IdempotencyHeader = "Idempotency-Key"

// Request is one mutation to apply. Content is only set for small uploads
// sent in a single request.
type Request struct {
	OperationID    string
	EntityKind     string
	EntityID       string
	Kind           store.Kind
	Payload        json.RawMessage
	IdempotencyKey string

	Content     []byte
	ContentType string
	FileName    string
	Metadata    map[string]string
}

// Reference identifies the remote object a mutation produced or touched.
type Reference struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Executor applies a single mutation. Implementations must make KindCreate
// idempotent under at-least-once delivery using Request.IdempotencyKey.
type Executor interface {
	Execute(ctx context.Context, req Request) (Reference, error)
}

// UploadInfo describes a chunked upload.
type UploadInfo struct {
	OperationID    string            `json:"operation_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	EntityKind     string            `json:"entity_kind"`
	EntityID       string            `json:"entity_id,omitempty"`
	FileName       string            `json:"file_name,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	TotalSize      int64             `json:"total_size"`
	ChunkSize      int64             `json:"chunk_size"`
	ChunkCount     int               `json:"chunk_count"`
	Checksum       string            `json:"sha256"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Chunk is one fixed-size slice of an upload. Checksum is the hex sha256 of
// Data.
type Chunk struct {
	Index    int
	Offset   int64
	Data     []byte
	Checksum string
}

// ChunkUploader uploads large payloads in independently retried chunks.
// UploadChunk must be idempotent per (session, index).
type ChunkUploader interface {
	BeginUpload(ctx context.Context, info UploadInfo) (sessionID string, err error)
	UploadChunk(ctx context.Context, sessionID string, chunk Chunk, total int64) error
	FinalizeUpload(ctx context.Context, sessionID string, info UploadInfo) (Reference, error)
}

// Backend is a transport that supports both direct mutations and chunked
// uploads.
type Backend interface {
	Executor
	ChunkUploader
}

// checksum returns the hex sha256 of data.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
