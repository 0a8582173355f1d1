package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file over a DefaultConfig base, then
// validates the result. Grounded on the teacher's internal/config.Load: a
// single-pass BurntSushi/toml decode into a pre-populated struct so unset
// keys keep their defaults.
func Load(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("loading config file", "path", path)

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads path if it exists, otherwise returns DefaultConfig,
// supporting a zero-config first run.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("config file not found, using defaults", "path", path)

		return DefaultConfig(), nil
	}

	return Load(path, logger)
}

// ApplyEnv overlays environment-variable overrides onto cfg (layer 3 of
// the four-layer chain: defaults -> file -> env -> CLI).
func ApplyEnv(cfg *Config, env EnvOverrides) {
	if env.DeviceUUID != "" {
		cfg.Device.UUID = env.DeviceUUID
	}

	if env.LibraryPath != "" {
		cfg.Library.Path = env.LibraryPath
	}

	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
}

// ApplyCLI overlays CLI-flag overrides onto cfg (layer 4, applied last so
// flags win over everything else).
func ApplyCLI(cfg *Config, cli CLIOverrides) {
	if cli.LibraryPath != "" {
		cfg.Library.Path = cli.LibraryPath
	}

	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	if cli.ListenAddress != "" {
		cfg.Sync.ListenAddress = cli.ListenAddress
	}
}
