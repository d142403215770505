package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names for overrides.
const (
	EnvConfig    = "FIELDSYNC_CONFIG"
	EnvDataDir   = "FIELDSYNC_DATA_DIR"
	EnvRemoteURL = "FIELDSYNC_REMOTE_URL"
	EnvLogLevel  = "FIELDSYNC_LOG_LEVEL"
)

// DotEnvFile is read from the working directory before the environment is
// consulted.
const DotEnvFile = ".env"

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // FIELDSYNC_CONFIG: override config file path
	DataDir    string // FIELDSYNC_DATA_DIR: queue and spool location
	RemoteURL  string // FIELDSYNC_REMOTE_URL: backend base URL
	LogLevel   string // FIELDSYNC_LOG_LEVEL: log level
}

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment. Variables already set are never overwritten, and missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return fmt.Errorf("loading %s: %w", p, err)
		}
	}

	return nil
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		RemoteURL:  os.Getenv(EnvRemoteURL),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}

func (e EnvOverrides) apply(cfg *Config) {
	if e.DataDir != "" {
		cfg.Store.DataDir = e.DataDir
	}

	if e.RemoteURL != "" {
		cfg.Remote.BaseURL = e.RemoteURL
	}

	if e.LogLevel != "" {
		cfg.Logging.LogLevel = e.LogLevel
	}
}
