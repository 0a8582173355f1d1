package peersync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordFailureQuarantinesAfterThreshold(t *testing.T) {
	r := newPeerRegistry()

	assert.Equal(t, PeerDisconnected, r.recordFailure("peer-1", 3))
	assert.Equal(t, PeerDisconnected, r.recordFailure("peer-1", 3))
	assert.Equal(t, PeerQuarantined, r.recordFailure("peer-1", 3))
}

func TestSetStatusConnectedResetsFailureCount(t *testing.T) {
	r := newPeerRegistry()

	r.recordFailure("peer-1", 3)
	r.recordFailure("peer-1", 3)
	r.setStatus("peer-1", PeerConnected)

	// Back below threshold: two more failures should not yet quarantine.
	assert.Equal(t, PeerDisconnected, r.recordFailure("peer-1", 3))
}

func TestSnapshotReflectsAllTrackedPeers(t *testing.T) {
	r := newPeerRegistry()

	r.setStatus("peer-1", PeerConnected)
	r.setStatus("peer-2", PeerQuarantined)

	snap := r.snapshot()
	assert.Equal(t, PeerConnected, snap["peer-1"])
	assert.Equal(t, PeerQuarantined, snap["peer-2"])
}

func TestRemoveDropsTrackedState(t *testing.T) {
	r := newPeerRegistry()

	r.setStatus("peer-1", PeerConnected)
	r.remove("peer-1")

	assert.Equal(t, PeerConnecting, r.status("peer-1"))
}
