package config

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
)

// passwordKV matches password=... in keyword/value connection strings.
var passwordKV = regexp.MustCompile(`(?i)(password=)(\S+)`)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. It powers "config show", giving visibility into the values left
// after every override layer has been applied. Secrets in connection
// strings are masked.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", orUnset(path))

	ew.printf("[store]\n")
	ew.printf("  data_dir         = %q\n", cfg.Store.DataDir)
	ew.printf("  max_pending      = %d\n", cfg.Store.MaxPending)
	ew.printf("  failed_retention = %q\n\n", cfg.Store.FailedRetention)

	ew.printf("[network]\n")
	ew.printf("  probe_url          = %q\n", cfg.Network.ProbeURL)
	ew.printf("  stable_window      = %q\n", cfg.Network.StableWindow)
	ew.printf("  probe_interval     = %q\n", cfg.Network.ProbeInterval)
	ew.printf("  max_probe_interval = %q\n", cfg.Network.MaxProbeInterval)
	ew.printf("  probe_timeout      = %q\n\n", cfg.Network.ProbeTimeout)

	ew.printf("[sync]\n")
	ew.printf("  interval          = %q\n", cfg.Sync.Interval)
	ew.printf("  lane_concurrency  = %d\n", cfg.Sync.LaneConcurrency)
	ew.printf("  breaker_threshold = %d\n", cfg.Sync.BreakerThreshold)
	ew.printf("  breaker_cooldown  = %q\n", cfg.Sync.BreakerCooldown)
	ew.printf("  shutdown_timeout  = %q\n\n", cfg.Sync.ShutdownTimeout)

	ew.printf("[retry]\n")
	ew.printf("  base_delay   = %q\n", cfg.Retry.BaseDelay)
	ew.printf("  max_delay    = %q\n", cfg.Retry.MaxDelay)
	ew.printf("  max_attempts = %d\n", cfg.Retry.MaxAttempts)
	ew.printf("  jitter       = %g\n\n", cfg.Retry.Jitter)

	ew.printf("[upload]\n")
	ew.printf("  chunk_size      = %q\n", cfg.Upload.ChunkSize)
	ew.printf("  parallel_chunks = %d\n", cfg.Upload.ParallelChunks)
	ew.printf("  inline_limit    = %q\n", cfg.Upload.InlineLimit)
	ew.printf("  session_max_age = %q\n\n", cfg.Upload.SessionMaxAge)

	ew.printf("[diagnostics]\n")
	ew.printf("  capacity = %d\n", cfg.Diagnostics.Capacity)
	ew.printf("  max_age  = %q\n\n", cfg.Diagnostics.MaxAge)

	renderRemote(ew, &cfg.Remote)

	ew.printf("[server]\n")
	ew.printf("  listen_addr    = %q\n", cfg.Server.ListenAddr)
	ew.printf("  frame_interval = %q\n\n", cfg.Server.FrameInterval)

	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", cfg.Logging.LogLevel)

	if cfg.Logging.LogFile != "" {
		ew.printf("  log_file           = %q\n", cfg.Logging.LogFile)
	}

	ew.printf("  log_format         = %q\n", cfg.Logging.LogFormat)
	ew.printf("  log_retention_days = %d\n", cfg.Logging.LogRetentionDays)

	return ew.err
}

func renderRemote(ew *errWriter, r *RemoteConfig) {
	ew.printf("[remote]\n")
	ew.printf("  transport       = %q\n", r.Transport)

	switch r.Transport {
	case TransportPostgres:
		ew.printf("  postgres_dsn    = %q\n", maskSecret(r.PostgresDSN))
	case TransportAMQP:
		ew.printf("  amqp_url        = %q\n", maskSecret(r.AMQPURL))
		ew.printf("  amqp_exchange   = %q\n", r.AMQPExchange)
	default:
		ew.printf("  base_url        = %q\n", r.BaseURL)
		ew.printf("  token_file      = %q\n", r.TokenFile)
	}

	if r.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", r.UserAgent)
	}

	ew.printf("  connect_timeout = %q\n", r.ConnectTimeout)
	ew.printf("  request_timeout = %q\n\n", r.RequestTimeout)
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func orUnset(s string) string {
	if s == "" {
		return "(none)"
	}

	return s
}

// maskSecret hides the password of a URL or keyword/value connection string.
func maskSecret(s string) string {
	if u, err := url.Parse(s); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return u.String()
		}
	}

	return passwordKV.ReplaceAllString(s, "${1}xxxxx")
}

// Redacted returns a copy of cfg with connection secrets masked, for
// machine-readable output.
func Redacted(cfg *Config) *Config {
	c := *cfg
	c.Remote.PostgresDSN = maskSecret(c.Remote.PostgresDSN)
	c.Remote.AMQPURL = maskSecret(c.Remote.AMQPURL)

	return &c
}
