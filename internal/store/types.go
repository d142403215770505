package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a queued operation. StatusDone is never
// persisted: operations are deleted the moment they complete.
type Status string

// Operation statuses.
const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
	StatusDone     Status = "done"
)

// Kind is the mutation an operation performs against the remote system.
type Kind string

// Operation kinds.
const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindUpload Kind = "upload"
)

// ParseKind converts a user-supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCreate, KindUpdate, KindDelete, KindUpload:
		return k, nil
	default:
		return "", fmt.Errorf("store: unknown operation kind %q", s)
	}
}

// ErrorInfo summarizes the most recent failed attempt of an operation.
type ErrorInfo struct {
	Message    string    `json:"message"`
	Class      string    `json:"class"`
	HTTPStatus int       `json:"http_status,omitempty"`
	At         time.Time `json:"at"`
}

// Operation is a queued, not yet confirmed mutation against the remote system.
type Operation struct {
	ID             string          `json:"id"`
	EntityKind     string          `json:"entity_kind"`
	EntityID       string          `json:"entity_id,omitempty"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	HighPriority   bool            `json:"high_priority,omitempty"`
	Status         Status          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      *ErrorInfo      `json:"last_error,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	RemoteRef      string          `json:"remote_ref,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Describe returns a short human-readable label such as "update time_entry/42".
func (op *Operation) Describe() string {
	if op.EntityID == "" {
		return fmt.Sprintf("%s %s", op.Kind, op.EntityKind)
	}

	return fmt.Sprintf("%s %s/%s", op.Kind, op.EntityKind, op.EntityID)
}

// UploadPayload is the payload shape of KindUpload operations. The binary
// content lives in the blob store and is referenced by BlobRef.
type UploadPayload struct {
	BlobRef     string            `json:"blob_ref"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Patch describes a partial update of an operation. Nil fields are left
// untouched. Setting Status to StatusDone deletes the operation.
type Patch struct {
	Status         *Status
	AttemptCount   *int
	LastError      *ErrorInfo
	ClearLastError bool
	NextAttemptAt  *time.Time
	RemoteRef      *string
	Payload        json.RawMessage
}

// LogEntry is one recorded failed attempt. Entries are never mutated after
// they are appended.
type LogEntry struct {
	ID                   int64     `json:"id"`
	Timestamp            time.Time `json:"timestamp"`
	OperationID          string    `json:"operation_id,omitempty"`
	OperationDescription string    `json:"operation_description"`
	ErrorMessage         string    `json:"error_message"`
	ErrorClass           string    `json:"error_class,omitempty"`
	HTTPStatus           int       `json:"http_status"`
	AttemptNumber        int       `json:"attempt_number"`
	ClientContext        string    `json:"client_context,omitempty"`
	StackTrace           string    `json:"stack_trace,omitempty"`
}

// UploadSession is the persisted progress of a chunked upload. ChunksDone
// holds the indexes of chunks the remote side has acknowledged.
type UploadSession struct {
	OperationID string
	SessionID   string
	BlobRef     string
	BlobHash    string
	TotalSize   int64
	ChunkSize   int64
	ChunksDone  map[int]bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
