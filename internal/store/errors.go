package store

import (
	"errors"
	"syscall"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Sentinel errors returned by the store.
var (
	ErrNotFound   = errors.New("store: operation not found")
	ErrNotPending = errors.New("store: operation not pending")
	ErrInFlight   = errors.New("store: operation in flight")

	// ErrStorageQuotaExceeded means a write could not be persisted because
	// local storage is full or the queue cap was reached. The caller must
	// surface it; the mutation was not queued.
	ErrStorageQuotaExceeded = errors.New("store: storage quota exceeded")
)

// IsQuotaError reports whether err is a local storage exhaustion error:
// SQLite's SQLITE_FULL, or ENOSPC/EDQUOT from the filesystem.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrStorageQuotaExceeded) {
		return true
	}

	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return true
	}

	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT)
}

// mapWriteErr converts storage exhaustion into ErrStorageQuotaExceeded while
// keeping the driver error in the chain.
func mapWriteErr(err error) error {
	if err == nil || errors.Is(err, ErrStorageQuotaExceeded) {
		return err
	}

	if IsQuotaError(err) {
		return errors.Join(ErrStorageQuotaExceeded, err)
	}

	return err
}
