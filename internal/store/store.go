// Package store is the durable, crash-consistent persistence layer for the
// sync engine. Queued operations, diagnostic log entries, and chunked upload
// progress live in a single SQLite database opened in WAL mode with
// synchronous=FULL, so a record is either fully committed or not visible at
// all after an abrupt termination.
//
// The store is the single source of truth for queue state. Callers never
// cache counts or lists; they query again.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// dbDirPermissions restricts the data directory to the owner.
const dbDirPermissions = 0o700

// Options tunes store limits. The zero value means no queue cap.
type Options struct {
	// MaxPending caps the number of queued (non-failed) operations. Enqueue
	// beyond the cap returns ErrStorageQuotaExceeded. Zero disables the cap.
	MaxPending int
}

// Store persists pending operations, diagnostic log entries, and upload
// sessions. Safe for concurrent use: the connection pool is limited to one
// connection so writes are serialized by database/sql.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	opts    Options
	nowFunc func() time.Time
}

// Open opens (creating if needed) the database at dbPath and applies
// migrations.
func Open(ctx context.Context, dbPath string, opts Options, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, dbDirPermissions); err != nil {
			return nil, fmt.Errorf("store: creating data directory %s: %w", dir, mapWriteErr(err))
		}
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, mapWriteErr(err)
	}

	logger.Info("store opened", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		opts:    opts,
		nowFunc: time.Now,
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}

	return nil
}

func (s *Store) now() time.Time {
	return s.nowFunc()
}

// toUnix converts a time to the nanosecond integer stored in the database.
// The zero time maps to 0.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
