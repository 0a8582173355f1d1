package peersync

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
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		ListenAddress:      "127.0.0.1:0",
		RetryBaseDelay:     "1ms",
		RetryMaxDelay:      "5ms",
		BroadcastBatchSize: 50,
		BackfillPageSize:   2,
	}
}

// testEngine bundles an Engine with its backing stores, for assertions
// tests make directly against library/peerlog state that Engine itself
// does not expose.
type testEngine struct {
	engine   *Engine
	libStore *library.SQLiteStore
	peerLog  *peerlog.SQLiteStore
	device   ids.DeviceID
}

func newTestEngine(t *testing.T) testEngine {
	t.Helper()

	ctx := context.Background()

	device := ids.NewDeviceID()
	clock := hlc.New(device, nil)

	libStore, err := library.NewStore(ctx, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, libStore.Close()) })

	peerLog, err := peerlog.NewStore(ctx, ":memory:", clock, device, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, peerLog.Close()) })

	libStore.SetChangeRecorder(peerlog.NewRecorder(peerLog))

	bus := eventbus.New()
	metrics := NewMetricsRecorder(prometheus.NewRegistry())

	engine, err := NewEngine(device, "lib-1", clock, peerLog, libStore, bus, testSyncConfig(), metrics, testLogger())
	require.NoError(t, err)

	return testEngine{engine: engine, libStore: libStore, peerLog: peerLog, device: device}
}

func seedDeviceAndLocation(t *testing.T, s *library.SQLiteStore) library.Location {
	t.Helper()

	ctx := context.Background()

	dev := library.Device{UUID: "dev-1", Slug: "laptop", Name: "Laptop", OS: "linux"}
	require.NoError(t, s.InsertDevice(ctx, dev))

	loc := library.Location{UUID: "loc-1", DeviceUUID: dev.UUID, RootPath: "/home/user/library"}
	require.NoError(t, s.InsertLocation(ctx, loc))

	return loc
}

// pipeTransport is an in-memory Transport backed by Go channels, used to
// drive two Engines through a session without a real network socket.
type pipeTransport struct {
	out chan WireMessage
	in  chan WireMessage
}

// newPipe returns two Transports wired so a sent on one arrives as a
// receive on the other.
func newPipe() (Transport, Transport) {
	ab := make(chan WireMessage, 16)
	ba := make(chan WireMessage, 16)

	return &pipeTransport{out: ab, in: ba}, &pipeTransport{out: ba, in: ab}
}

func (p *pipeTransport) Send(ctx context.Context, msg WireMessage) error {
	select {
	case p.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Receive(ctx context.Context) (WireMessage, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return WireMessage{}, ErrClosed
		}

		return msg, nil
	case <-ctx.Done():
		return WireMessage{}, ctx.Err()
	}
}

func (p *pipeTransport) Close(ctx context.Context) error {
	close(p.out)
	return nil
}
