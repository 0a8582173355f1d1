package config

// Default values for configuration options, the "layer 0" of the
// four-layer override chain (defaults -> file -> env -> CLI flags).
const (
	defaultIgnoreMarker     = ".libraryignore"
	defaultMaxFileSize      = "0"
	defaultBatchWindow      = "100ms"
	defaultIndexMode        = "content"
	defaultJobConcurrency   = 4
	defaultRetryBaseDelay   = "1s"
	defaultRetryMaxDelay    = "5m"
	defaultBroadcastBatch   = 256
	defaultBackfillPageSize = 500
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultMetricsAddress   = "127.0.0.1:9090"
	defaultListenAddress    = "0.0.0.0:7131"
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the decode target (so unset TOML keys retain defaults) and as
// the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Library: LibraryConfig{
			MaxClockSkewMS: 60_000,
		},
		Indexer: defaultIndexerConfig(),
		Job: JobConfig{
			Concurrency: defaultJobConcurrency,
		},
		Sync:    defaultSyncConfig(),
		Logging: defaultLoggingConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Address: defaultMetricsAddress,
		},
	}
}

func defaultIndexerConfig() IndexerConfig {
	return IndexerConfig{
		IgnoreMarker:     defaultIgnoreMarker,
		MaxFileSize:      defaultMaxFileSize,
		SkipHidden:       true,
		BatchWindow:      defaultBatchWindow,
		DefaultIndexMode: defaultIndexMode,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		ListenAddress:      defaultListenAddress,
		RetryBaseDelay:     defaultRetryBaseDelay,
		RetryMaxDelay:      defaultRetryMaxDelay,
		BroadcastBatchSize: defaultBroadcastBatch,
		BackfillPageSize:   defaultBackfillPageSize,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  defaultLogLevel,
		Format: defaultLogFormat,
	}
}
