package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoadOrDefaultMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "libraryd.toml")

	contents := `
[job]
concurrency = 16

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Job.Concurrency)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, defaultIndexMode, cfg.Indexer.DefaultIndexMode, "unset keys keep their defaults")
}

func TestValidateRejectsBadIndexMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Indexer.DefaultIndexMode = "bogus"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_index_mode")
}

func TestApplyEnvOverridesWinOverFile(t *testing.T) {
	cfg := DefaultConfig()
	ApplyEnv(cfg, EnvOverrides{LogLevel: "warn"})
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestApplyCLIOverridesWinOverEnv(t *testing.T) {
	cfg := DefaultConfig()
	ApplyEnv(cfg, EnvOverrides{LogLevel: "warn"})
	ApplyCLI(cfg, CLIOverrides{LogLevel: "error"})
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestParseSizeSuffixes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"", 0, false},
		{"1024", 1024, false},
		{"1KiB", 1024, false},
		{"1MB", 1_000_000, false},
		{"2GiB", 2 * gibibyte, false},
		{"-5", 0, true},
		{"not-a-size", 0, true},
	}

	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}

		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
