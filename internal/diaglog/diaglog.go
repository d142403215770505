// Package diaglog records failed sync attempts for later triage. Entries are
// persisted through the durable store and bounded by count and age, so a
// long-lived device never grows the log without limit.
package diaglog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/tonimelisma/fieldsync/internal/store"
)

// Defaults for the retention bounds.
const (
	DefaultCapacity = 1000
	DefaultMaxAge   = 30 * 24 * time.Hour
)

// Store is the persistence the log needs. *store.Store satisfies it.
type Store interface {
	AppendLog(ctx context.Context, e *store.LogEntry) (int64, error)
	ListLogs(ctx context.Context) ([]store.LogEntry, error)
	ClearLogs(ctx context.Context) error
	PruneLogs(ctx context.Context, capacity int, cutoff time.Time) (int, error)
}

// Config configures a Log. Zero Capacity or MaxAge selects the default.
type Config struct {
	Store         Store
	Capacity      int
	MaxAge        time.Duration
	ClientContext string
	Logger        *slog.Logger
}

// Log is an append-only, bounded diagnostic log.
type Log struct {
	store         Store
	capacity      int
	maxAge        time.Duration
	clientContext string
	logger        *slog.Logger
	nowFunc       func() time.Time
}

// New creates a Log.
func New(cfg Config) *Log {
	l := &Log{
		store:         cfg.Store,
		capacity:      cfg.Capacity,
		maxAge:        cfg.MaxAge,
		clientContext: cfg.ClientContext,
		logger:        cfg.Logger,
		nowFunc:       time.Now,
	}

	if l.capacity <= 0 {
		l.capacity = DefaultCapacity
	}

	if l.maxAge <= 0 {
		l.maxAge = DefaultMaxAge
	}

	if l.logger == nil {
		l.logger = slog.Default()
	}

	return l
}

// ClientContext returns the default client context string for this build.
func ClientContext(version string) string {
	return fmt.Sprintf("fieldsync/%s (%s/%s; %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// Record appends an entry and evicts entries past the retention bounds.
// Timestamp and ClientContext are filled in when empty.
func (l *Log) Record(ctx context.Context, e store.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFunc()
	}

	if e.ClientContext == "" {
		e.ClientContext = l.clientContext
	}

	l.logger.Warn("sync attempt failed",
		slog.String("operation", e.OperationDescription),
		slog.String("class", e.ErrorClass),
		slog.Int("http_status", e.HTTPStatus),
		slog.Int("attempt", e.AttemptNumber),
		slog.String("error", e.ErrorMessage),
	)

	if _, err := l.store.AppendLog(ctx, &e); err != nil {
		return fmt.Errorf("diaglog: record: %w", err)
	}

	evicted, err := l.store.PruneLogs(ctx, l.capacity, l.nowFunc().Add(-l.maxAge))
	if err != nil {
		return fmt.Errorf("diaglog: prune: %w", err)
	}

	if evicted > 0 {
		l.logger.Debug("evicted diagnostic log entries", slog.Int("count", evicted))
	}

	return nil
}

// Entries returns the retained entries, oldest first.
func (l *Log) Entries(ctx context.Context) ([]store.LogEntry, error) {
	entries, err := l.store.ListLogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("diaglog: list: %w", err)
	}

	return entries, nil
}

// Clear drops every entry.
func (l *Log) Clear(ctx context.Context) error {
	if err := l.store.ClearLogs(ctx); err != nil {
		return fmt.Errorf("diaglog: clear: %w", err)
	}

	l.logger.Info("diagnostic log cleared")

	return nil
}

// ExportAsText renders the log as plain text suitable for attaching to a
// support ticket.
func (l *Log) ExportAsText(ctx context.Context) (string, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return "", err
	}

	return FormatText(entries, l.clientContext, l.nowFunc()), nil
}

// FormatText renders entries in the export format.
func FormatText(entries []store.LogEntry, clientContext string, generated time.Time) string {
	var b strings.Builder

	fmt.Fprintln(&b, "fieldsync diagnostic log")
	fmt.Fprintf(&b, "generated: %s\n", generated.UTC().Format(time.RFC3339))

	if clientContext != "" {
		fmt.Fprintf(&b, "client: %s\n", clientContext)
	}

	fmt.Fprintf(&b, "entries: %d\n", len(entries))

	for i := range entries {
		e := &entries[i]

		fmt.Fprintf(&b, "\n[%s] %s (attempt %d)\n",
			e.Timestamp.UTC().Format(time.RFC3339Nano), e.OperationDescription, e.AttemptNumber)
		fmt.Fprintf(&b, "  error: %s\n", e.ErrorMessage)
		fmt.Fprintf(&b, "  class: %s  http_status: %d\n", orNone(e.ErrorClass), e.HTTPStatus)

		if e.OperationID != "" {
			fmt.Fprintf(&b, "  operation_id: %s\n", e.OperationID)
		}

		if e.ClientContext != "" && e.ClientContext != clientContext {
			fmt.Fprintf(&b, "  client: %s\n", e.ClientContext)
		}

		if e.StackTrace != "" {
			fmt.Fprintln(&b, "  stack:")

			for _, line := range strings.Split(strings.TrimRight(e.StackTrace, "\n"), "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	}

	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}

	return s
}
