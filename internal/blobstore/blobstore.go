// Package blobstore spools binary payloads (photos, documents) referenced by
// upload operations. Blobs are content addressed by sha256, written with
// temp file + fsync + rename, and read back through io.ReaderAt so the
// upload manager can seek to any chunk.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tonimelisma/fieldsync/internal/store"
)

// ErrNotFound is returned when a blob reference does not exist.
var ErrNotFound = errors.New("blobstore: blob not found")

const (
	dirPerms  = 0o700
	filePerms = 0o600
	refLen    = sha256.Size * 2
)

// Store is a directory of content-addressed blobs laid out as
// {root}/{ref[0:2]}/{ref}.
type Store struct {
	root   string
	logger *slog.Logger
}

// New creates the spool directory if needed.
func New(root string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(root, dirPerms); err != nil {
		return nil, fmt.Errorf("blobstore: creating %s: %w", root, err)
	}

	return &Store{root: root, logger: logger}, nil
}

// Root returns the spool directory.
func (s *Store) Root() string {
	return s.root
}

// Put copies r into the store and returns its reference and size. Writing
// the same content twice yields the same reference and one file.
func (s *Store) Put(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.root, ".blob-*.partial")
	if err != nil {
		return "", 0, s.mapErr("creating temp file", err)
	}

	tmpPath := tmp.Name()
	success := false

	defer func() {
		if !success {
			tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()

	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return "", 0, s.mapErr("writing blob", err)
	}

	if err := tmp.Sync(); err != nil {
		return "", 0, s.mapErr("syncing blob", err)
	}

	if err := tmp.Close(); err != nil {
		return "", 0, s.mapErr("closing blob", err)
	}

	ref := hex.EncodeToString(h.Sum(nil))
	final := s.path(ref)

	if err := os.MkdirAll(filepath.Dir(final), dirPerms); err != nil {
		return "", 0, s.mapErr("creating shard directory", err)
	}

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		return "", 0, fmt.Errorf("blobstore: setting permissions: %w", err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		return "", 0, s.mapErr("renaming blob", err)
	}

	success = true

	s.logger.Debug("blob stored",
		slog.String("ref", ref),
		slog.Int64("size", size),
	)

	return ref, size, nil
}

// File is an open blob.
type File interface {
	io.ReaderAt
	io.Reader
	io.Closer
}

// Open opens the blob for reading.
func (s *Store) Open(ref string) (File, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	if err != nil {
		return nil, fmt.Errorf("blobstore: opening %s: %w", ref, err)
	}

	return f, nil
}

// Stat returns the blob's size.
func (s *Store) Stat(ref string) (int64, error) {
	if err := validateRef(ref); err != nil {
		return 0, err
	}

	info, err := os.Stat(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	if err != nil {
		return 0, fmt.Errorf("blobstore: stat %s: %w", ref, err)
	}

	return info.Size(), nil
}

// Remove deletes a blob. Removing a missing blob is not an error.
func (s *Store) Remove(ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}

	err := os.Remove(s.path(ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore: removing %s: %w", ref, err)
	}

	return nil
}

// CleanPartials removes temp files left behind by a crash during Put.
func (s *Store) CleanPartials() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, ".blob-*.partial"))
	if err != nil {
		return 0, fmt.Errorf("blobstore: listing partials: %w", err)
	}

	removed := 0

	for _, m := range matches {
		if rmErr := os.Remove(m); rmErr == nil {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("removed stale blob partials", slog.Int("count", removed))
	}

	return removed, nil
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.root, ref[:2], ref)
}

func (s *Store) mapErr(action string, err error) error {
	if store.IsQuotaError(err) {
		return fmt.Errorf("blobstore: %s: %w", action, errors.Join(store.ErrStorageQuotaExceeded, err))
	}

	return fmt.Errorf("blobstore: %s: %w", action, err)
}

func validateRef(ref string) error {
	if len(ref) != refLen || strings.Trim(ref, "0123456789abcdef") != "" {
		return fmt.Errorf("blobstore: invalid reference %q", ref)
	}

	return nil
}
