package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "fieldsync"

// File names inside the config and data directories.
const (
	configFileName = "config.toml"
	dbFileName     = "queue.db"
	blobDirName    = "blobs"
	pidFileName    = "fieldsync.pid"
	tokenFileName  = "token.json"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/fieldsync).
// On macOS, uses ~/Library/Application Support/fieldsync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for the queue
// database and upload spool. On Linux, respects XDG_DATA_HOME.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", filepath.Join(home, ".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(envVar, fallback string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DBPath is the queue database inside the data directory.
func (s *StoreConfig) DBPath() string { return filepath.Join(s.DataDir, dbFileName) }

// BlobDir is the upload spool inside the data directory.
func (s *StoreConfig) BlobDir() string { return filepath.Join(s.DataDir, blobDirName) }

// PIDPath is the daemon PID file inside the data directory.
func (s *StoreConfig) PIDPath() string { return filepath.Join(s.DataDir, pidFileName) }

// TokenPath returns the configured token file, or token.json in dataDir.
func (r *RemoteConfig) TokenPath(dataDir string) string {
	if r.TokenFile != "" {
		return r.TokenFile
	}

	return filepath.Join(dataDir, tokenFileName)
}
