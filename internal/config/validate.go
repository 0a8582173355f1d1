package config

import (
	"errors"
	"fmt"
)

// Validate checks all configuration values and returns every error found
// (not just the first), so a user fixing a config file sees the complete
// report in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateIndexer(&cfg.Indexer)...)
	errs = append(errs, validateJob(&cfg.Job)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateIndexer(c *IndexerConfig) []error {
	var errs []error

	if _, err := c.MaxFileSizeBytes(); err != nil {
		errs = append(errs, fmt.Errorf("indexer.max_file_size: %w", err))
	}

	if _, err := c.BatchWindowDuration(); err != nil {
		errs = append(errs, fmt.Errorf("indexer.batch_window: %w", err))
	}

	switch c.DefaultIndexMode {
	case "shallow", "content", "deep":
	default:
		errs = append(errs, fmt.Errorf("indexer.default_index_mode: must be one of shallow, content, deep, got %q", c.DefaultIndexMode))
	}

	return errs
}

func validateJob(c *JobConfig) []error {
	if c.Concurrency < 1 {
		return []error{fmt.Errorf("job.concurrency: must be at least 1, got %d", c.Concurrency)}
	}

	return nil
}

func validateSync(c *SyncConfig) []error {
	var errs []error

	if _, err := c.RetryBaseDelayDuration(); err != nil {
		errs = append(errs, fmt.Errorf("sync.retry_base_delay: %w", err))
	}

	if _, err := c.RetryMaxDelayDuration(); err != nil {
		errs = append(errs, fmt.Errorf("sync.retry_max_delay: %w", err))
	}

	if c.BroadcastBatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.broadcast_batch_size: must be at least 1, got %d", c.BroadcastBatchSize))
	}

	if c.BackfillPageSize < 1 {
		errs = append(errs, fmt.Errorf("sync.backfill_page_size: must be at least 1, got %d", c.BackfillPageSize))
	}

	return errs
}

func validateLogging(c *LoggingConfig) []error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return []error{fmt.Errorf("logging.level: must be one of debug, info, warn, error, got %q", c.Level)}
	}

	return nil
}
