// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for fieldsync. Values are resolved
// through four layers: defaults -> config file -> environment -> CLI flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Durations and sizes are kept as strings so the file round-trips exactly;
// Validate guarantees they parse, and the typed accessors below read them.
type Config struct {
	Store       StoreConfig       `toml:"store"`
	Network     NetworkConfig     `toml:"network"`
	Sync        SyncConfig        `toml:"sync"`
	Retry       RetryConfig       `toml:"retry"`
	Upload      UploadConfig      `toml:"upload"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
	Remote      RemoteConfig      `toml:"remote"`
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
}

// StoreConfig locates the queue database and upload spool.
type StoreConfig struct {
	DataDir         string `toml:"data_dir"`
	MaxPending      int    `toml:"max_pending"`
	FailedRetention string `toml:"failed_retention"`
}

// NetworkConfig tunes the connectivity monitor. An empty probe_url trusts
// the local interface signal alone.
type NetworkConfig struct {
	ProbeURL         string `toml:"probe_url"`
	StableWindow     string `toml:"stable_window"`
	ProbeInterval    string `toml:"probe_interval"`
	MaxProbeInterval string `toml:"max_probe_interval"`
	ProbeTimeout     string `toml:"probe_timeout"`
}

// SyncConfig controls drain passes.
type SyncConfig struct {
	Interval         string `toml:"interval"`
	LaneConcurrency  int    `toml:"lane_concurrency"`
	BreakerThreshold int    `toml:"breaker_threshold"`
	BreakerCooldown  string `toml:"breaker_cooldown"`
	ShutdownTimeout  string `toml:"shutdown_timeout"`
}

// RetryConfig is the backoff policy for transient failures.
type RetryConfig struct {
	BaseDelay   string  `toml:"base_delay"`
	MaxDelay    string  `toml:"max_delay"`
	MaxAttempts int     `toml:"max_attempts"`
	Jitter      float64 `toml:"jitter"`
}

// UploadConfig controls binary uploads. Payloads up to inline_limit are
// sent in a single request.
type UploadConfig struct {
	ChunkSize      string `toml:"chunk_size"`
	ParallelChunks int    `toml:"parallel_chunks"`
	InlineLimit    string `toml:"inline_limit"`
	SessionMaxAge  string `toml:"session_max_age"`
}

// DiagnosticsConfig bounds the failure log.
type DiagnosticsConfig struct {
	Capacity      int    `toml:"capacity"`
	MaxAge        string `toml:"max_age"`
	ClientContext string `toml:"client_context"`
}

// RemoteConfig selects and configures the backend transport.
type RemoteConfig struct {
	Transport      string `toml:"transport"`
	BaseURL        string `toml:"base_url"`
	TokenFile      string `toml:"token_file"`
	UserAgent      string `toml:"user_agent"`
	ConnectTimeout string `toml:"connect_timeout"`
	RequestTimeout string `toml:"request_timeout"`
	PostgresDSN    string `toml:"postgres_dsn"`
	AMQPURL        string `toml:"amqp_url"`
	AMQPExchange   string `toml:"amqp_exchange"`
}

// ServerConfig controls the local HTTP API started by "serve".
type ServerConfig struct {
	ListenAddr    string `toml:"listen_addr"`
	FrameInterval string `toml:"frame_interval"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from an explicit zero value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
	RemoteURL  *string // --remote-url flag
}

// Transport names.
const (
	TransportHTTP     = "http"
	TransportPostgres = "postgres"
	TransportAMQP     = "amqp"
)

// duration parses a value Validate has already accepted. An empty or
// malformed value yields zero, which every consumer treats as "use the
// package default".
func duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

func size(s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		return 0
	}

	return n
}

// FailedRetentionDuration is how long failed operations are kept.
func (s *StoreConfig) FailedRetentionDuration() time.Duration { return duration(s.FailedRetention) }

// Durations returns the monitor timings.
func (n *NetworkConfig) Durations() (stable, interval, maxInterval, timeout time.Duration) {
	return duration(n.StableWindow), duration(n.ProbeInterval), duration(n.MaxProbeInterval), duration(n.ProbeTimeout)
}

// IntervalDuration is the periodic pass interval; zero disables it.
func (s *SyncConfig) IntervalDuration() time.Duration { return duration(s.Interval) }

// BreakerCooldownDuration is how long the breaker stays open.
func (s *SyncConfig) BreakerCooldownDuration() time.Duration { return duration(s.BreakerCooldown) }

// ShutdownTimeoutDuration bounds graceful shutdown.
func (s *SyncConfig) ShutdownTimeoutDuration() time.Duration { return duration(s.ShutdownTimeout) }

// Delays returns the backoff base and cap.
func (r *RetryConfig) Delays() (base, maxDelay time.Duration) {
	return duration(r.BaseDelay), duration(r.MaxDelay)
}

// ChunkBytes is the upload chunk size.
func (u *UploadConfig) ChunkBytes() int64 { return size(u.ChunkSize) }

// InlineBytes is the largest upload sent in one request.
func (u *UploadConfig) InlineBytes() int64 { return size(u.InlineLimit) }

// SessionMaxAgeDuration bounds how long an unfinished upload session is kept.
func (u *UploadConfig) SessionMaxAgeDuration() time.Duration { return duration(u.SessionMaxAge) }

// MaxAgeDuration bounds diagnostic entry age.
func (d *DiagnosticsConfig) MaxAgeDuration() time.Duration { return duration(d.MaxAge) }

// Timeouts returns the dial and per-request timeouts.
func (r *RemoteConfig) Timeouts() (connect, request time.Duration) {
	return duration(r.ConnectTimeout), duration(r.RequestTimeout)
}

// FrameDuration is the progress coalescing interval.
func (s *ServerConfig) FrameDuration() time.Duration { return duration(s.FrameInterval) }
