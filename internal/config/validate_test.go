package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative max pending", func(c *Config) { c.Store.MaxPending = -1 }, "store.max_pending"},
		{"bad probe url", func(c *Config) { c.Network.ProbeURL = "not a url" }, "network.probe_url"},
		{"probe interval too short", func(c *Config) { c.Network.ProbeInterval = "10ms" }, "network.probe_interval"},
		{"lane concurrency zero", func(c *Config) { c.Sync.LaneConcurrency = 0 }, "sync.lane_concurrency"},
		{"negative interval", func(c *Config) { c.Sync.Interval = "-1m" }, "sync.interval"},
		{"breaker threshold zero", func(c *Config) { c.Sync.BreakerThreshold = 0 }, "sync.breaker_threshold"},
		{"max delay below base", func(c *Config) { c.Retry.MaxDelay = "100ms" }, "retry.max_delay"},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 1.5 }, "retry.jitter"},
		{"bad base delay", func(c *Config) { c.Retry.BaseDelay = "soon" }, "retry.base_delay"},
		{"chunk too small", func(c *Config) { c.Upload.ChunkSize = "1KiB" }, "upload.chunk_size"},
		{"too many parallel chunks", func(c *Config) { c.Upload.ParallelChunks = 8 }, "upload.parallel_chunks"},
		{"inline too large", func(c *Config) { c.Upload.InlineLimit = "1GiB" }, "upload.inline_limit"},
		{"capacity zero", func(c *Config) { c.Diagnostics.Capacity = 0 }, "diagnostics.capacity"},
		{"unknown transport", func(c *Config) { c.Remote.Transport = "grpc" }, "remote.transport"},
		{"amqp url scheme", func(c *Config) { c.Remote.AMQPURL = "http://broker" }, "remote.amqp_url"},
		{"listen addr", func(c *Config) { c.Server.ListenAddr = "8765" }, "server.listen_addr"},
		{"log level", func(c *Config) { c.Logging.LogLevel = "verbose" }, "logging.log_level"},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "logging.log_format"},
		{"log retention", func(c *Config) { c.Logging.LogRetentionDays = 0 }, "logging.log_retention_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_ZeroIntervalDisablesTicker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.Interval = "0s"

	require.NoError(t, Validate(cfg))
	assert.Zero(t, cfg.Sync.IntervalDuration())
}

func TestValidateResolved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.DataDir = "/data"

	err := ValidateResolved(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.base_url")

	cfg.Remote.BaseURL = "https://api.example.com"
	require.NoError(t, ValidateResolved(cfg))

	cfg.Remote.Transport = TransportAMQP
	require.ErrorContains(t, ValidateResolved(cfg), "remote.amqp_url")
}
