package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/libraryd/internal/ids"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestSyncDBPath_IsSiblingOfLibraryPath(t *testing.T) {
	assert.Equal(t, "/data/libraryd/sync.db", syncDBPath("/data/libraryd/database.db"))
}

func TestResolveDeviceID_ParsesConfiguredUUID(t *testing.T) {
	want := ids.NewDeviceID()

	var buf bytes.Buffer
	got, err := resolveDeviceID(want.String(), testLogger(&buf))
	require.NoError(t, err)
	assert.Equal(t, want.String(), got.String())
	assert.Empty(t, buf.String())
}

func TestResolveDeviceID_MintsTransientIDWhenUnset(t *testing.T) {
	var buf bytes.Buffer
	got, err := resolveDeviceID("", testLogger(&buf))
	require.NoError(t, err)
	assert.False(t, got.IsZero())
	assert.Contains(t, buf.String(), "transient identity")
}

func TestResolveDeviceID_RejectsMalformedUUID(t *testing.T) {
	var buf bytes.Buffer
	_, err := resolveDeviceID("not-a-uuid", testLogger(&buf))
	assert.Error(t, err)
}

func TestResolveLibraryUUID_ReturnsConfiguredValue(t *testing.T) {
	var buf bytes.Buffer
	got := resolveLibraryUUID("fixed-library-id", testLogger(&buf))
	assert.Equal(t, "fixed-library-id", got)
	assert.Empty(t, buf.String())
}

func TestResolveLibraryUUID_MintsTransientIDWhenUnset(t *testing.T) {
	var buf bytes.Buffer
	got := resolveLibraryUUID("", testLogger(&buf))
	assert.NotEmpty(t, got)
	assert.Contains(t, buf.String(), "transient identity")
}
