package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildLogger_DefaultsToInfo(t *testing.T) {
	logger := buildLogger("")

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_RespectsConfiguredLevel(t *testing.T) {
	tests := []struct {
		level   string
		lowest  slog.Level
		blocked slog.Level
	}{
		{"debug", slog.LevelDebug, slog.Level(-100)}, // nothing above debug is blocked
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := buildLogger(tt.level)

			assert.True(t, logger.Handler().Enabled(context.Background(), tt.lowest))

			if tt.level != "debug" {
				assert.False(t, logger.Handler().Enabled(context.Background(), tt.blocked))
			}
		})
	}
}

func TestCLIContext_RoundTripsThroughContext(t *testing.T) {
	cc := &CLIContext{Logger: buildLogger("info")}

	ctx := context.WithValue(context.Background(), cliContextKey{}, cc)

	got := cliContextFrom(ctx)
	assert.Same(t, cc, got)
}

func TestCLIContextFrom_ReturnsNilWhenAbsent(t *testing.T) {
	assert.Nil(t, cliContextFrom(context.Background()))
}

func TestMustCLIContext_PanicsWhenAbsent(t *testing.T) {
	assert.Panics(t, func() {
		mustCLIContext(context.Background())
	})
}
