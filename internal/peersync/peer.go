package peersync

import (
	"sync"
	"time"
)

// PeerStatus is a paired peer's current connection lifecycle state
// (spec.md §4.7: "connection status").
type PeerStatus int

const (
	PeerConnecting PeerStatus = iota
	PeerConnected
	PeerDisconnected
	PeerQuarantined
)

func (s PeerStatus) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// peerState is the per-peer bookkeeping spec.md §4.7 requires: "connection
// status, last-sent hlc watermark, last-applied hlc per resource type, a
// bounded receive buffer, and a backfill cursor." last-applied-per-type
// and watermarks live in internal/peerlog's device_resource_watermarks
// table, not here; this struct holds only the session-local state that
// does not outlive a process restart.
type peerState struct {
	deviceUUID     string
	status         PeerStatus
	lastSentHLC    string
	backfillCursor string
	failures       int
	quarantinedAt  time.Time
}

// peerRegistry tracks live per-peer session state, grounded on the
// teacher's failureTracker: a mutex-guarded map keyed by peer id, with a
// failure counter used to decide when a repeatedly-failing peer should be
// quarantined rather than retried immediately (spec.md §4.7: "persistent
// failure transitions the peer status to Disconnected").
type peerRegistry struct {
	mu    sync.Mutex
	peers map[string]*peerState
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{peers: make(map[string]*peerState)}
}

func (r *peerRegistry) get(deviceUUID string) *peerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[deviceUUID]
	if !ok {
		p = &peerState{deviceUUID: deviceUUID, status: PeerConnecting}
		r.peers[deviceUUID] = p
	}

	return p
}

func (r *peerRegistry) setStatus(deviceUUID string, status PeerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[deviceUUID]
	if !ok {
		p = &peerState{deviceUUID: deviceUUID}
		r.peers[deviceUUID] = p
	}

	p.status = status

	if status == PeerConnected {
		p.failures = 0
	}
}

func (r *peerRegistry) recordFailure(deviceUUID string, quarantineThreshold int) PeerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[deviceUUID]
	if !ok {
		p = &peerState{deviceUUID: deviceUUID}
		r.peers[deviceUUID] = p
	}

	p.failures++

	if p.failures >= quarantineThreshold {
		p.status = PeerQuarantined
		p.quarantinedAt = time.Now().UTC()
	} else {
		p.status = PeerDisconnected
	}

	return p.status
}

func (r *peerRegistry) setLastSentHLC(deviceUUID, hlc string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[deviceUUID]; ok {
		p.lastSentHLC = hlc
	}
}

func (r *peerRegistry) setBackfillCursor(deviceUUID, hlc string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[deviceUUID]; ok {
		p.backfillCursor = hlc
	}
}

func (r *peerRegistry) status(deviceUUID string) PeerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[deviceUUID]; ok {
		return p.status
	}

	return PeerConnecting
}

func (r *peerRegistry) remove(deviceUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, deviceUUID)
}

// snapshot returns a stable copy of all tracked peers' status, for
// SyncMetricsSnapshot events.
func (r *peerRegistry) snapshot() map[string]PeerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]PeerStatus, len(r.peers))
	for id, p := range r.peers {
		out[id] = p.status
	}

	return out
}
