// Package config implements TOML configuration loading and a four-layer
// override chain (defaults -> file -> environment -> CLI flags) for the
// library daemon.
//
// Grounded on the teacher repository's internal/config package: the same
// section layout (one struct per concern), the same DefaultConfig ->
// Load -> env/CLI override sequencing, and the same use of
// github.com/BurntSushi/toml for on-disk parsing.
package config

import "time"

// Config is the top-level configuration structure decoded from a TOML file.
type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Library LibraryConfig `toml:"library"`
	Indexer IndexerConfig `toml:"indexer"`
	Job     JobConfig     `toml:"job"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`
}

// DeviceConfig identifies this device within the cross-device library.
type DeviceConfig struct {
	UUID string `toml:"uuid"`
	Name string `toml:"name"`
}

// LibraryConfig locates the library store on disk and identifies it to
// peers.
type LibraryConfig struct {
	UUID           string `toml:"uuid"`
	Path           string `toml:"path"`
	MaxClockSkewMS int64  `toml:"max_clock_skew_ms"`
}

// IndexerConfig controls scan and watch behavior.
type IndexerConfig struct {
	IgnoreMarker     string   `toml:"ignore_marker"`
	MaxFileSize      string   `toml:"max_file_size"`
	SkipHidden       bool     `toml:"skip_hidden"`
	GlobExcludes     []string `toml:"glob_excludes"`
	BatchWindow      string   `toml:"batch_window"`
	DefaultIndexMode string   `toml:"default_index_mode"`
}

// JobConfig controls the job executor pool.
type JobConfig struct {
	Concurrency int `toml:"concurrency"`
}

// SyncConfig controls peer sync engine behavior.
type SyncConfig struct {
	ListenAddress      string `toml:"listen_address"`
	RetryBaseDelay     string `toml:"retry_base_delay"`
	RetryMaxDelay      string `toml:"retry_max_delay"`
	BroadcastBatchSize int    `toml:"broadcast_batch_size"`
	BackfillPageSize   int    `toml:"backfill_page_size"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig controls the prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// MaxFileSizeBytes parses IndexerConfig.MaxFileSize ("0" meaning
// unlimited) using the same human-size vocabulary the teacher's
// config.size.go parser recognizes (suffixes KB/MB/GB/TB, binary
// KiB/MiB/GiB/TiB).
func (c IndexerConfig) MaxFileSizeBytes() (int64, error) {
	return parseSize(c.MaxFileSize)
}

// BatchWindowDuration parses IndexerConfig.BatchWindow as a time.Duration.
func (c IndexerConfig) BatchWindowDuration() (time.Duration, error) {
	return time.ParseDuration(c.BatchWindow)
}

// RetryBaseDelayDuration parses SyncConfig.RetryBaseDelay.
func (c SyncConfig) RetryBaseDelayDuration() (time.Duration, error) {
	return time.ParseDuration(c.RetryBaseDelay)
}

// RetryMaxDelayDuration parses SyncConfig.RetryMaxDelay.
func (c SyncConfig) RetryMaxDelayDuration() (time.Duration, error) {
	return time.ParseDuration(c.RetryMaxDelay)
}
