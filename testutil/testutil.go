// Package testutil provides shared fixtures for cross-package and
// end-to-end tests: an in-process two-device harness (library store, peer
// log, and sync engine per device) and an in-memory Transport pair to
// connect them, so e2e tests never need a real network socket or a
// filesystem the test doesn't control.
//
// Grounded on internal/peersync's own test-local newTestEngine/newPipe
// helpers (helpers_test.go); this package exists because those are
// unexported and package-scoped, while e2e needs the same fixtures from
// outside internal/peersync.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/libraryd/internal/config"
	"github.com/tonimelisma/libraryd/internal/eventbus"
	"github.com/tonimelisma/libraryd/internal/hlc"
	"github.com/tonimelisma/libraryd/internal/ids"
	"github.com/tonimelisma/libraryd/internal/library"
	"github.com/tonimelisma/libraryd/internal/peerlog"
	"github.com/tonimelisma/libraryd/internal/peersync"
)

// Logger returns a logger that discards output, for tests that need one
// but don't assert against log lines.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// SyncConfig returns a config.SyncConfig tuned for fast, deterministic
// tests: short retry delays so a test exercising retry/backoff does not
// sit idle for production-sized durations.
func SyncConfig() config.SyncConfig {
	return config.SyncConfig{
		ListenAddress:      "127.0.0.1:0",
		RetryBaseDelay:     "1ms",
		RetryMaxDelay:      "5ms",
		BroadcastBatchSize: 50,
		BackfillPageSize:   40,
	}
}

// Device bundles one simulated device's full local stack: its library
// store, its peer log (wired to the library store as its ChangeRecorder),
// and the sync engine coordinating both. Building several of these and
// connecting them pairwise with a Pipe is how e2e tests simulate a
// multi-device library without any real filesystem or network I/O.
type Device struct {
	ID       ids.DeviceID
	Clock    *hlc.Clock
	LibStore *library.SQLiteStore
	PeerLog  *peerlog.SQLiteStore
	Bus      *eventbus.Bus
	Engine   *peersync.Engine
}

// NewDevice builds a fresh in-memory Device for libraryUUID, registering
// t.Cleanup to close both stores.
func NewDevice(t *testing.T, libraryUUID string) *Device {
	t.Helper()

	ctx := context.Background()

	id := ids.NewDeviceID()
	clock := hlc.New(id, nil)

	libStore, err := library.NewStore(ctx, ":memory:", Logger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, libStore.Close()) })

	peerLog, err := peerlog.NewStore(ctx, ":memory:", clock, id, Logger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, peerLog.Close()) })

	libStore.SetChangeRecorder(peerlog.NewRecorder(peerLog))

	bus := eventbus.New()
	metrics := peersync.NewMetricsRecorder(prometheus.NewRegistry())

	engine, err := peersync.NewEngine(id, libraryUUID, clock, peerLog, libStore, bus, SyncConfig(), metrics, Logger())
	require.NoError(t, err)

	return &Device{ID: id, Clock: clock, LibStore: libStore, PeerLog: peerLog, Bus: bus, Engine: engine}
}

// SeedSharedLocation inserts the same device/location rows into d's
// library store. e2e tests call this once per simulated device with the
// same uuids, emulating a location that already existed on every device
// before the scenario under test begins (locations themselves are not
// what these tests exercise).
func SeedSharedLocation(t *testing.T, d *Device, deviceUUID, locationUUID, rootPath string) library.Location {
	t.Helper()

	ctx := context.Background()

	dev := library.Device{UUID: deviceUUID, Slug: deviceUUID, Name: deviceUUID, OS: "linux"}
	require.NoError(t, d.LibStore.InsertDevice(ctx, dev))

	loc := library.Location{UUID: locationUUID, DeviceUUID: deviceUUID, RootPath: rootPath}
	require.NoError(t, d.LibStore.InsertLocation(ctx, loc))

	return loc
}

// pipe is an in-memory peersync.Transport backed by buffered channels, so
// two Devices can run a real HandleSession against each other without a
// socket.
type pipe struct {
	out chan peersync.WireMessage
	in  chan peersync.WireMessage
}

// NewPipe returns two connected Transports: a message sent on one arrives
// as a receive on the other.
func NewPipe() (peersync.Transport, peersync.Transport) {
	ab := make(chan peersync.WireMessage, 64)
	ba := make(chan peersync.WireMessage, 64)

	return &pipe{out: ab, in: ba}, &pipe{out: ba, in: ab}
}

func (p *pipe) Send(ctx context.Context, msg peersync.WireMessage) error {
	select {
	case p.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Receive(ctx context.Context) (peersync.WireMessage, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return peersync.WireMessage{}, peersync.ErrClosed
		}

		return msg, nil
	case <-ctx.Done():
		return peersync.WireMessage{}, ctx.Err()
	}
}

func (p *pipe) Close(context.Context) error {
	close(p.out)
	return nil
}

// Connect runs a's and b's HandleSession against each other over a fresh
// Pipe in their own goroutines, returning a cancel func that tears both
// down. Callers typically defer the cancel func and then
// require.Eventually on PeerStatus to wait for the hello handshake.
func Connect(ctx context.Context, a, b *Device) (stop func()) {
	sessionCtx, cancel := context.WithCancel(ctx)

	pA, pB := NewPipe()

	go func() { _ = a.Engine.HandleSession(sessionCtx, pA) }()
	go func() { _ = b.Engine.HandleSession(sessionCtx, pB) }()

	return cancel
}
