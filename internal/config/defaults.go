package config

// Default values for configuration options. These are layer 0 of the
// override chain.
const (
	defaultFailedRetention  = "720h"
	defaultStableWindow     = "2s"
	defaultProbeInterval    = "15s"
	defaultMaxProbeInterval = "60s"
	defaultProbeTimeout     = "5s"
	defaultSyncInterval     = "5m"
	defaultLaneConcurrency  = 2
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = "30s"
	defaultShutdownTimeout  = "30s"
	defaultBaseDelay        = "500ms"
	defaultMaxDelay         = "8s"
	defaultMaxAttempts      = 3
	defaultJitter           = 0.2
	defaultChunkSize        = "1MiB"
	defaultParallelChunks   = 3
	defaultInlineLimit      = "1MiB"
	defaultSessionMaxAge    = "168h"
	defaultDiagCapacity     = 1000
	defaultDiagMaxAge       = "720h"
	defaultConnectTimeout   = "10s"
	defaultRequestTimeout   = "60s"
	defaultAMQPExchange     = "fieldsync.mutations"
	defaultListenAddr       = "127.0.0.1:8765"
	defaultFrameInterval    = "16ms"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultLogRetentionDays = 30
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			FailedRetention: defaultFailedRetention,
		},
		Network: NetworkConfig{
			StableWindow:     defaultStableWindow,
			ProbeInterval:    defaultProbeInterval,
			MaxProbeInterval: defaultMaxProbeInterval,
			ProbeTimeout:     defaultProbeTimeout,
		},
		Sync: SyncConfig{
			Interval:         defaultSyncInterval,
			LaneConcurrency:  defaultLaneConcurrency,
			BreakerThreshold: defaultBreakerThreshold,
			BreakerCooldown:  defaultBreakerCooldown,
			ShutdownTimeout:  defaultShutdownTimeout,
		},
		Retry: RetryConfig{
			BaseDelay:   defaultBaseDelay,
			MaxDelay:    defaultMaxDelay,
			MaxAttempts: defaultMaxAttempts,
			Jitter:      defaultJitter,
		},
		Upload: UploadConfig{
			ChunkSize:      defaultChunkSize,
			ParallelChunks: defaultParallelChunks,
			InlineLimit:    defaultInlineLimit,
			SessionMaxAge:  defaultSessionMaxAge,
		},
		Diagnostics: DiagnosticsConfig{
			Capacity: defaultDiagCapacity,
			MaxAge:   defaultDiagMaxAge,
		},
		Remote: RemoteConfig{
			Transport:      TransportHTTP,
			ConnectTimeout: defaultConnectTimeout,
			RequestTimeout: defaultRequestTimeout,
			AMQPExchange:   defaultAMQPExchange,
		},
		Server: ServerConfig{
			ListenAddr:    defaultListenAddr,
			FrameInterval: defaultFrameInterval,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
	}
}
