package peersync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireMessageRoundTrips(t *testing.T) {
	msg := WireMessage{SessionID: "sess-1", Kind: KindBroadcast, Payload: []byte{1, 2, 3, 4}}

	data, err := msg.MarshalMsg(nil)
	require.NoError(t, err)

	var got WireMessage
	rest, err := got.UnmarshalMsg(data)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, msg, got)
}

func TestPeerLogEntryRoundTrips(t *testing.T) {
	entry := PeerLogEntry{
		HLC:        "00000000000000000100:0000000000:dev-1",
		ModelType:  "entry",
		RecordUUID: "rec-1",
		ChangeType: "insert",
		Data:       `{"name":"a"}`,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := entry.MarshalMsg(nil)
	require.NoError(t, err)

	var got PeerLogEntry
	rest, err := got.UnmarshalMsg(data)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, entry.HLC, got.HLC)
	assert.Equal(t, entry.Data, got.Data)
	assert.True(t, entry.CreatedAt.Equal(got.CreatedAt))
}

func TestBroadcastPayloadRoundTripsMultipleEntries(t *testing.T) {
	payload := BroadcastPayload{Entries: []PeerLogEntry{
		{HLC: "a", ModelType: "entry", RecordUUID: "r1", ChangeType: "insert", Data: "{}"},
		{HLC: "b", ModelType: "entry", RecordUUID: "r2", ChangeType: "update", Data: "{}"},
	}}

	data, err := payload.MarshalMsg(nil)
	require.NoError(t, err)

	var got BroadcastPayload
	_, err = got.UnmarshalMsg(data)
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, "r1", got.Entries[0].RecordUUID)
	assert.Equal(t, "r2", got.Entries[1].RecordUUID)
}

func TestBackfillRequestPayloadRoundTrips(t *testing.T) {
	payload := BackfillRequestPayload{Watermarks: map[string]string{"entry": "a", "device": "b"}}

	data, err := payload.MarshalMsg(nil)
	require.NoError(t, err)

	var got BackfillRequestPayload
	_, err = got.UnmarshalMsg(data)
	require.NoError(t, err)
	assert.Equal(t, payload.Watermarks, got.Watermarks)
}

func TestBackfillPagePayloadRoundTrips(t *testing.T) {
	payload := BackfillPagePayload{
		Entries: []PeerLogEntry{{HLC: "a", ModelType: "entry", RecordUUID: "r1", ChangeType: "insert", Data: "{}"}},
		HasMore: true,
	}

	data, err := payload.MarshalMsg(nil)
	require.NoError(t, err)

	var got BackfillPagePayload
	_, err = got.UnmarshalMsg(data)
	require.NoError(t, err)
	assert.True(t, got.HasMore)
	require.Len(t, got.Entries, 1)
}

func TestPeerHelloPayloadRoundTrips(t *testing.T) {
	payload := PeerHelloPayload{DeviceUUID: "dev-1", LibraryUUIDs: []string{"lib-1", "lib-2"}, SupportedVersions: []int{1, 2}}

	data, err := payload.MarshalMsg(nil)
	require.NoError(t, err)

	var got PeerHelloPayload
	_, err = got.UnmarshalMsg(data)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestNegotiateVersionPicksMaxCommon(t *testing.T) {
	v, ok := NegotiateVersion([]int{1, 2, 3}, []int{2, 3, 4})
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestNegotiateVersionFailsWithNoOverlap(t *testing.T) {
	_, ok := NegotiateVersion([]int{1}, []int{2})
	assert.False(t, ok)
}
