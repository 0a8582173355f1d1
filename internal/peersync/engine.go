package peersync

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tonimelisma/libraryd/internal/config"
	"github.com/tonimelisma/libraryd/internal/eventbus"
	"github.com/tonimelisma/libraryd/internal/hlc"
	"github.com/tonimelisma/libraryd/internal/ids"
	"github.com/tonimelisma/libraryd/internal/library"
	"github.com/tonimelisma/libraryd/internal/peerlog"
)

// resourceTypes enumerates the model types ApplyRemoteChange understands,
// used to build a backfill request's per-resource watermarks.
var resourceTypes = []string{"device", "location", "entry", "tag", "entry_tag"}

// Engine is the per-library sync session coordinator (spec.md §4.7): it
// owns the clock and the two stores, tracks connected peers, applies
// inbound changes with conflict resolution, and broadcasts local changes
// outward. One Engine serves one library; cmd/libraryd constructs one per
// open library.
//
// Grounded on the teacher's sync.Engine (internal/sync/engine.go), which
// plays the analogous "owns the stores, the transfer manager, and the
// worker pool" composition role for a single account.
type Engine struct {
	device      ids.DeviceID
	libraryUUID string
	clock       *hlc.Clock
	peerLog     *peerlog.SQLiteStore
	libStore    *library.SQLiteStore
	bus         *eventbus.Bus
	logger      *slog.Logger
	cfg         config.SyncConfig
	backoff     backoffPolicy
	peers       *peerRegistry
	metrics     *metricsRecorder

	applyMu sync.Mutex // serializes conflict-resolution apply across all peer sessions

	mu         sync.Mutex
	transports map[string]Transport // deviceUUID -> live session
}

// NewEngine wires an Engine from its dependencies. cfg's retry delays are
// parsed up front so a malformed config fails at startup rather than on
// the first retry.
func NewEngine(device ids.DeviceID, libraryUUID string, clock *hlc.Clock, peerLog *peerlog.SQLiteStore, libStore *library.SQLiteStore, bus *eventbus.Bus, cfg config.SyncConfig, metrics *metricsRecorder, logger *slog.Logger) (*Engine, error) {
	base, err := cfg.RetryBaseDelayDuration()
	if err != nil {
		return nil, protocolErr("parse retry_base_delay", err)
	}

	max, err := cfg.RetryMaxDelayDuration()
	if err != nil {
		return nil, protocolErr("parse retry_max_delay", err)
	}

	e := &Engine{
		device:      device,
		libraryUUID: libraryUUID,
		clock:       clock,
		peerLog:     peerLog,
		libStore:    libStore,
		bus:         bus,
		logger:      logger,
		cfg:         cfg,
		backoff:     newBackoffPolicy(base, max),
		peers:       newPeerRegistry(),
		metrics:     metrics,
		transports:  make(map[string]Transport),
	}

	peerLog.SetAppendObserver(e)

	return e, nil
}

// RegisterPeer associates an established transport with a remote device,
// making it a broadcast target, and marks the peer connected. Callers
// (the session read loop) must call RemovePeer on disconnect.
func (e *Engine) RegisterPeer(deviceUUID string, t Transport) {
	e.mu.Lock()
	e.transports[deviceUUID] = t
	e.mu.Unlock()

	e.peers.setStatus(deviceUUID, PeerConnected)
	e.publishSnapshot()
}

// RemovePeer drops a disconnected peer's transport and session-local
// state. Durable state (acks, watermarks) in internal/peerlog survives so
// a later reconnect can resume from where it left off.
func (e *Engine) RemovePeer(deviceUUID string) {
	e.mu.Lock()
	delete(e.transports, deviceUUID)
	e.mu.Unlock()

	e.peers.setStatus(deviceUUID, PeerDisconnected)
	e.publishSnapshot()
}

// PeerStatus reports a tracked peer's current connection state.
func (e *Engine) PeerStatus(deviceUUID string) PeerStatus { return e.peers.status(deviceUUID) }

// quarantineThreshold caps consecutive broadcast failures to one peer
// before that peer is quarantined rather than retried on every subsequent
// change (spec.md §4.7: "persistent failure transitions the peer status").
const quarantineThreshold = 3

func (e *Engine) publishSnapshot() {
	if e.bus == nil {
		return
	}

	snapshot := SyncMetricsSnapshot{LibraryUUID: e.libraryUUID, PeerStatus: e.peers.snapshot()}
	_ = e.bus.Publish(eventbus.Event{
		Topic:   eventbus.PeerTopic(e.device.String()),
		Kind:    "sync.snapshot",
		Payload: snapshot,
	})
}

func helloPayload(device ids.DeviceID, libraryUUID string) PeerHelloPayload {
	return PeerHelloPayload{
		DeviceUUID:        device.String(),
		LibraryUUIDs:      []string{libraryUUID},
		SupportedVersions: []int{1},
	}
}

// HandleSession runs one peer connection end to end: hello negotiation,
// backfill exchange, then the steady-state read loop dispatching each
// inbound WireMessage by Kind. It returns when the transport closes or the
// context is cancelled; callers run it in its own goroutine per accepted
// or dialed connection.
func (e *Engine) HandleSession(ctx context.Context, t Transport) error {
	hello := helloPayload(e.device, e.libraryUUID)

	helloBytes, err := hello.MarshalMsg(nil)
	if err != nil {
		return protocolErr("marshal hello", err)
	}

	if err := t.Send(ctx, WireMessage{Kind: KindPeerHello, Payload: helloBytes}); err != nil {
		return err
	}

	peerHello, err := e.awaitHello(ctx, t)
	if err != nil {
		return err
	}

	if _, ok := NegotiateVersion(hello.SupportedVersions, peerHello.SupportedVersions); !ok {
		_ = t.Send(ctx, WireMessage{Kind: KindPeerGoodbye, Payload: mustMarshal(&PeerGoodbyePayload{Reason: "no common protocol version"})})
		return protocolErr("negotiate version", ErrProtocol)
	}

	peerDeviceUUID := peerHello.DeviceUUID

	e.RegisterPeer(peerDeviceUUID, t)
	defer e.RemovePeer(peerDeviceUUID)

	if err := e.runBackfill(ctx, peerDeviceUUID, t); err != nil {
		e.logger.Warn("peersync: backfill exchange failed", "peer", peerDeviceUUID, "error", err)
	}

	return e.readLoop(ctx, peerDeviceUUID, t)
}

func (e *Engine) awaitHello(ctx context.Context, t Transport) (PeerHelloPayload, error) {
	msg, err := t.Receive(ctx)
	if err != nil {
		return PeerHelloPayload{}, err
	}

	if msg.Kind != KindPeerHello {
		return PeerHelloPayload{}, protocolErr("await hello", ErrProtocol)
	}

	var hello PeerHelloPayload
	if _, err := hello.UnmarshalMsg(msg.Payload); err != nil {
		return PeerHelloPayload{}, err
	}

	return hello, nil
}

func (e *Engine) readLoop(ctx context.Context, peerDeviceUUID string, t Transport) error {
	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			return err
		}

		if err := e.dispatch(ctx, peerDeviceUUID, t, msg); err != nil {
			e.logger.Warn("peersync: dispatch failed", "peer", peerDeviceUUID, "kind", msg.Kind, "error", err)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, peerDeviceUUID string, t Transport, msg WireMessage) error {
	switch msg.Kind {
	case KindBroadcast:
		var payload BroadcastPayload
		if _, err := payload.UnmarshalMsg(msg.Payload); err != nil {
			return err
		}

		ack, err := e.HandleBroadcast(ctx, peerDeviceUUID, payload)
		if err != nil {
			return err
		}

		return t.Send(ctx, WireMessage{Kind: KindAck, Payload: mustMarshal(&ack)})

	case KindBackfillRequest:
		var req BackfillRequestPayload
		if _, err := req.UnmarshalMsg(msg.Payload); err != nil {
			return err
		}

		page, err := e.BuildBackfillPage(ctx, req, "")
		if err != nil {
			return err
		}

		return t.Send(ctx, WireMessage{Kind: KindBackfillPage, Payload: mustMarshal(&page)})

	case KindBackfillPage:
		var page BackfillPagePayload
		if _, err := page.UnmarshalMsg(msg.Payload); err != nil {
			return err
		}

		ack, err := e.HandleBackfillPage(ctx, peerDeviceUUID, page)
		if err != nil {
			return err
		}

		return t.Send(ctx, WireMessage{Kind: KindBackfillAck, Payload: mustMarshal(&ack)})

	case KindBackfillAck:
		var ack BackfillAckPayload
		if _, err := ack.UnmarshalMsg(msg.Payload); err != nil {
			return err
		}

		if ack.UpToHLC == "" {
			return nil
		}

		page, err := e.BuildBackfillPage(ctx, BackfillRequestPayload{}, ack.UpToHLC)
		if err != nil || len(page.Entries) == 0 {
			return err
		}

		return t.Send(ctx, WireMessage{Kind: KindBackfillPage, Payload: mustMarshal(&page)})

	case KindAck, KindPeerGoodbye:
		return nil // fire-and-forget acknowledgements; nothing further to do

	default:
		return protocolErr("dispatch", ErrProtocol)
	}
}

// mustMarshal encodes a payload that this process itself constructed, so a
// marshal error would indicate a programming bug rather than bad input.
func mustMarshal(m interface{ MarshalMsg([]byte) ([]byte, error) }) []byte {
	b, err := m.MarshalMsg(nil)
	if err != nil {
		panic(err)
	}

	return b
}
