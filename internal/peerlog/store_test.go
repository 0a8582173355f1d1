package peerlog

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/libraryd/internal/hlc"
	"github.com/tonimelisma/libraryd/internal/ids"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*SQLiteStore, ids.DeviceID) {
	t.Helper()

	ctx := context.Background()

	device := ids.NewDeviceID()
	clock := hlc.New(device, nil)

	store, err := NewStore(ctx, ":memory:", clock, device, testLogger())
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, store.Close()) })

	return store, device
}

func TestAppendAssignsStrictlyIncreasingHLC(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	e1, err := s.Append(ctx, "entry", "rec-1", ChangeInsert, `{"name":"a"}`)
	require.NoError(t, err)

	e2, err := s.Append(ctx, "entry", "rec-2", ChangeUpdate, `{"name":"b"}`)
	require.NoError(t, err)

	assert.Less(t, e1.HLC, e2.HLC)
}

func TestSinceReturnsEntriesStrictlyAfterInAscendingOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	e1, err := s.Append(ctx, "entry", "rec-1", ChangeInsert, `{}`)
	require.NoError(t, err)

	e2, err := s.Append(ctx, "entry", "rec-2", ChangeInsert, `{}`)
	require.NoError(t, err)

	e3, err := s.Append(ctx, "entry", "rec-3", ChangeInsert, `{}`)
	require.NoError(t, err)

	all, err := s.Since(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{e1.HLC, e2.HLC, e3.HLC}, hlcs(all))

	afterFirst, err := s.Since(ctx, e1.HLC, 100)
	require.NoError(t, err)
	require.Len(t, afterFirst, 2)
	assert.Equal(t, []string{e2.HLC, e3.HLC}, hlcs(afterFirst))
}

func TestSinceHonorsPageLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "entry", "rec", ChangeInsert, `{}`)
		require.NoError(t, err)
	}

	page, err := s.Since(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func hlcs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.HLC
	}

	return out
}

func TestLatestForRecordReturnsGreatestHLCOrEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	empty, err := s.LatestForRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = s.Append(ctx, "entry", "rec-1", ChangeInsert, `{}`)
	require.NoError(t, err)

	second, err := s.Append(ctx, "entry", "rec-1", ChangeUpdate, `{}`)
	require.NoError(t, err)

	latest, err := s.LatestForRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, second.HLC, latest)
}

func TestRecordAckRejectsSelfAck(t *testing.T) {
	s, device := newTestStore(t)
	ctx := context.Background()

	err := s.RecordAck(ctx, device.String(), "irrelevant")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSelfAck)
}

func TestRecordAckOnlyAdvancesForward(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	peer := ids.NewDeviceID().String()

	require.NoError(t, s.RecordAck(ctx, peer, "00000000000000000100:0000000000:peer"))
	require.NoError(t, s.RecordAck(ctx, peer, "00000000000000000050:0000000000:peer")) // older, ignored

	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT last_acked_hlc FROM peer_acks WHERE peer_device_id = ?`, peer).Scan(&stored)
	require.NoError(t, err)
	assert.Equal(t, "00000000000000000100:0000000000:peer", stored)
}

func TestPruneIsNoopWithoutAnyAck(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	e1, err := s.Append(ctx, "entry", "rec-1", ChangeInsert, `{}`)
	require.NoError(t, err)

	require.NoError(t, s.Prune(ctx))

	remaining, err := s.Since(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, e1.HLC, remaining[0].HLC)
}

func TestPruneDeletesUpToMinAckedAcrossPeers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	e1, err := s.Append(ctx, "entry", "rec-1", ChangeInsert, `{}`)
	require.NoError(t, err)

	e2, err := s.Append(ctx, "entry", "rec-2", ChangeInsert, `{}`)
	require.NoError(t, err)

	e3, err := s.Append(ctx, "entry", "rec-3", ChangeInsert, `{}`)
	require.NoError(t, err)

	peerA := ids.NewDeviceID().String()
	peerB := ids.NewDeviceID().String()

	// peerA has acked through e2, peerB only through e1: min across peers is
	// e1's hlc, so only e1 should be pruned.
	require.NoError(t, s.RecordAck(ctx, peerA, e2.HLC))
	require.NoError(t, s.RecordAck(ctx, peerB, e1.HLC))

	require.NoError(t, s.Prune(ctx))

	remaining, err := s.Since(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, []string{e2.HLC, e3.HLC}, hlcs(remaining))
}

func TestRemovePeerDropsAckAndWatermarks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	peer := ids.NewDeviceID().String()

	require.NoError(t, s.RecordAck(ctx, peer, "00000000000000000100:0000000000:peer"))
	require.NoError(t, s.UpsertWatermark(ctx, peer, "entry", "00000000000000000100:0000000000:peer"))

	require.NoError(t, s.RemovePeer(ctx, peer))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM peer_acks WHERE peer_device_id = ?`, peer).Scan(&count))
	assert.Zero(t, count)

	_, ok, err := s.GetWatermark(ctx, peer, "entry")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendRemotePreservesSenderHLCAndIgnoresDuplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	e := Entry{HLC: "00000000000000000100:0000000000:peer", ModelType: "entry", RecordUUID: "rec-1", ChangeType: ChangeInsert, Data: "{}"}
	require.NoError(t, s.AppendRemote(ctx, e))

	latest, err := s.LatestForRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, e.HLC, latest)

	// Redelivering the same hlc (e.g. a retried backfill page) must not error.
	require.NoError(t, s.AppendRemote(ctx, e))

	all, err := s.Since(ctx, "", 100)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestWatermarkGetReturnsFalseWhenUnset(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetWatermark(ctx, "peer-1", "entry")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatermarkUpsertOnlyAdvancesForward(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	peer := "peer-1"

	require.NoError(t, s.UpsertWatermark(ctx, peer, "entry", "00000000000000000100:0000000000:peer"))
	require.NoError(t, s.UpsertWatermark(ctx, peer, "entry", "00000000000000000050:0000000000:peer")) // older, ignored

	ts, ok, err := s.GetWatermark(ctx, peer, "entry")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "00000000000000000100:0000000000:peer", ts)

	require.NoError(t, s.UpsertWatermark(ctx, peer, "entry", "00000000000000000200:0000000000:peer")) // newer, applied

	ts, ok, err = s.GetWatermark(ctx, peer, "entry")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "00000000000000000200:0000000000:peer", ts)
}
