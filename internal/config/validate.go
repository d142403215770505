package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"time"
)

// Validation range constants.
const (
	minLaneConcurrency = 1
	maxLaneConcurrency = 32
	maxParallelChunks  = 3
	minChunkBytes      = 64 << 10
	maxChunkBytes      = 64 << 20
	maxInlineBytes     = 32 << 20
	minMaxAttempts     = 1
	maxMaxAttempts     = 20
	minLogRetention    = 1
	minConnectTimeout  = time.Second
	minRequestTimeout  = time.Second
	minProbeInterval   = time.Second
	minShutdownTimeout = time.Second
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validateDiagnostics(&cfg.Diagnostics)...)
	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense after env and
// CLI overrides are applied.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Store.DataDir == "" || !filepath.IsAbs(cfg.Store.DataDir) {
		errs = append(errs, fmt.Errorf("store.data_dir: must be absolute after expansion, got %q", cfg.Store.DataDir))
	}

	switch cfg.Remote.Transport {
	case TransportHTTP:
		if cfg.Remote.BaseURL == "" {
			errs = append(errs, errors.New("remote.base_url: required for the http transport"))
		}
	case TransportPostgres:
		if cfg.Remote.PostgresDSN == "" {
			errs = append(errs, errors.New("remote.postgres_dsn: required for the postgres transport"))
		}
	case TransportAMQP:
		if cfg.Remote.AMQPURL == "" {
			errs = append(errs, errors.New("remote.amqp_url: required for the amqp transport"))
		}
	}

	return errors.Join(errs...)
}

func validateStore(s *StoreConfig) []error {
	var errs []error

	if s.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("store.max_pending: must be >= 0, got %d", s.MaxPending))
	}

	errs = append(errs, validateDurationMin("store.failed_retention", s.FailedRetention, time.Hour)...)

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if n.ProbeURL != "" {
		errs = append(errs, validateURL("network.probe_url", n.ProbeURL, "http", "https")...)
	}

	errs = append(errs, validateDurationNonNeg("network.stable_window", n.StableWindow)...)
	errs = append(errs, validateDurationMin("network.probe_interval", n.ProbeInterval, minProbeInterval)...)
	errs = append(errs, validateDurationMin("network.max_probe_interval", n.MaxProbeInterval, minProbeInterval)...)
	errs = append(errs, validateDurationMin("network.probe_timeout", n.ProbeTimeout, 100*time.Millisecond)...)

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.LaneConcurrency < minLaneConcurrency || s.LaneConcurrency > maxLaneConcurrency {
		errs = append(errs, fmt.Errorf("sync.lane_concurrency: must be between %d and %d, got %d",
			minLaneConcurrency, maxLaneConcurrency, s.LaneConcurrency))
	}

	if s.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("sync.breaker_threshold: must be >= 1, got %d", s.BreakerThreshold))
	}

	errs = append(errs, validateDurationNonNeg("sync.interval", s.Interval)...)
	errs = append(errs, validateDurationMin("sync.breaker_cooldown", s.BreakerCooldown, time.Second)...)
	errs = append(errs, validateDurationMin("sync.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.MaxAttempts < minMaxAttempts || r.MaxAttempts > maxMaxAttempts {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must be between %d and %d, got %d",
			minMaxAttempts, maxMaxAttempts, r.MaxAttempts))
	}

	if r.Jitter < 0 || r.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter: must be in [0, 1), got %g", r.Jitter))
	}

	baseErrs := validateDurationMin("retry.base_delay", r.BaseDelay, time.Millisecond)
	maxErrs := validateDurationMin("retry.max_delay", r.MaxDelay, time.Millisecond)
	errs = append(errs, baseErrs...)
	errs = append(errs, maxErrs...)

	if len(baseErrs) == 0 && len(maxErrs) == 0 && duration(r.MaxDelay) < duration(r.BaseDelay) {
		errs = append(errs, fmt.Errorf("retry.max_delay: must be >= base_delay (%s), got %s", r.BaseDelay, r.MaxDelay))
	}

	return errs
}

func validateUpload(u *UploadConfig) []error {
	var errs []error

	if chunk, err := ParseSize(u.ChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("upload.chunk_size: %w", err))
	} else if chunk < minChunkBytes || chunk > maxChunkBytes {
		errs = append(errs, fmt.Errorf("upload.chunk_size: must be between 64KiB and 64MiB, got %s", u.ChunkSize))
	}

	if inline, err := ParseSize(u.InlineLimit); err != nil {
		errs = append(errs, fmt.Errorf("upload.inline_limit: %w", err))
	} else if inline > maxInlineBytes {
		errs = append(errs, fmt.Errorf("upload.inline_limit: must be at most 32MiB, got %s", u.InlineLimit))
	}

	if u.ParallelChunks < 1 || u.ParallelChunks > maxParallelChunks {
		errs = append(errs, fmt.Errorf("upload.parallel_chunks: must be between 1 and %d, got %d",
			maxParallelChunks, u.ParallelChunks))
	}

	errs = append(errs, validateDurationMin("upload.session_max_age", u.SessionMaxAge, time.Hour)...)

	return errs
}

func validateDiagnostics(d *DiagnosticsConfig) []error {
	var errs []error

	if d.Capacity < 1 {
		errs = append(errs, fmt.Errorf("diagnostics.capacity: must be >= 1, got %d", d.Capacity))
	}

	errs = append(errs, validateDurationMin("diagnostics.max_age", d.MaxAge, time.Hour)...)

	return errs
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	switch r.Transport {
	case TransportHTTP, TransportPostgres, TransportAMQP:
	default:
		errs = append(errs, fmt.Errorf("remote.transport: must be one of http, postgres, amqp; got %q", r.Transport))
	}

	if r.BaseURL != "" {
		errs = append(errs, validateURL("remote.base_url", r.BaseURL, "http", "https")...)
	}

	if r.AMQPURL != "" {
		errs = append(errs, validateURL("remote.amqp_url", r.AMQPURL, "amqp", "amqps")...)
	}

	if r.Transport == TransportAMQP && r.AMQPExchange == "" {
		errs = append(errs, errors.New("remote.amqp_exchange: must not be empty"))
	}

	errs = append(errs, validateDurationMin("remote.connect_timeout", r.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("remote.request_timeout", r.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(s.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.listen_addr: %w", err))
	}

	errs = append(errs, validateDurationMin("server.frame_interval", s.FrameInterval, time.Millisecond)...)

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	switch l.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

func validateURL(field, value string, schemes ...string) []error {
	u, err := url.Parse(value)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return []error{fmt.Errorf("%s: must be an absolute %s URL, got %q", field, schemes[0], value)}
}

// validateDurationMin parses a duration and checks it is at least minimum.
func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

// validateDurationNonNeg parses a duration and checks it is non-negative.
// Zero is valid and disables the feature.
func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}
