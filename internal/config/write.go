package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// configFilePermissions keeps the file private: it may hold connection
// strings with credentials.
const configFilePermissions = 0o600

// configDirPermissions is the standard permission mode for config directories.
const configDirPermissions = 0o755

// ErrConfigExists is returned by WriteDefault when the file already exists.
var ErrConfigExists = errors.New("config file already exists")

// configTemplate is written by "config init". Every setting appears as a
// commented-out default so users can discover options without the docs.
const configTemplate = `# fieldsync configuration
# Uncomment and modify to override defaults.

[store]
# data_dir = ""                 # default: platform data directory
# max_pending = 0               # 0 = no cap on queued operations
# failed_retention = "720h"

[network]
# probe_url = ""                # empty: trust the local interface signal
# stable_window = "2s"
# probe_interval = "15s"
# max_probe_interval = "60s"
# probe_timeout = "5s"

[sync]
# interval = "5m"               # periodic pass while online; "0" disables
# lane_concurrency = 2
# breaker_threshold = 5
# breaker_cooldown = "30s"
# shutdown_timeout = "30s"

[retry]
# base_delay = "500ms"
# max_delay = "8s"
# max_attempts = 3
# jitter = 0.2

[upload]
# chunk_size = "1MiB"
# parallel_chunks = 3
# inline_limit = "1MiB"
# session_max_age = "168h"

[diagnostics]
# capacity = 1000
# max_age = "720h"

[remote]
# transport = "http"            # http, postgres, amqp
# base_url = "https://api.example.com"
# token_file = ""
# postgres_dsn = ""
# amqp_url = ""
# amqp_exchange = "fieldsync.mutations"

[server]
# listen_addr = "127.0.0.1:8765"
# frame_interval = "16ms"

[logging]
# log_level = "info"            # debug, info, warn, error
# log_file = ""
# log_format = "auto"           # auto, text, json
# log_retention_days = 30
`

// WriteDefault writes the commented default config to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, ErrConfigExists)
	}

	if err := atomicWriteFile(path, []byte(configTemplate)); err != nil {
		return err
	}

	logger.Info("wrote default config", slog.String("path", path))

	return nil
}

// atomicWriteFile writes data to a temp file in the target directory, then
// renames it into place so a crash never leaves a truncated config.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPermissions); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, configFilePermissions); err != nil {
		return fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	succeeded = true

	return nil
}
