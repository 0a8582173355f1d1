package peersync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/libraryd/internal/library"
)

func TestHandleSessionNegotiatesAndRegistersPeer(t *testing.T) {
	teA := newTestEngine(t)
	teB := newTestEngine(t)

	pA, pB := newPipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = teA.engine.HandleSession(ctx, pA) }()
	go func() { _ = teB.engine.HandleSession(ctx, pB) }()

	require.Eventually(t, func() bool {
		return teA.engine.PeerStatus(teB.device.String()) == PeerConnected &&
			teB.engine.PeerStatus(teA.device.String()) == PeerConnected
	}, time.Second, time.Millisecond)
}

func TestLocalMutationBroadcastsToConnectedPeerAndApplies(t *testing.T) {
	teA := newTestEngine(t)
	teB := newTestEngine(t)

	locA := seedDeviceAndLocation(t, teA.libStore)
	seedDeviceAndLocation(t, teB.libStore) // same fixed uuids, emulating the shared library on both devices

	pA, pB := newPipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = teA.engine.HandleSession(ctx, pA) }()
	go func() { _ = teB.engine.HandleSession(ctx, pB) }()

	require.Eventually(t, func() bool {
		return teA.engine.PeerStatus(teB.device.String()) == PeerConnected
	}, time.Second, time.Millisecond)

	_, err := teA.libStore.CreateEntry(context.Background(), library.Entry{
		UUID: "entry-1", LocationUUID: locA.UUID, Name: "shared.txt", Kind: library.KindFile,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := teB.libStore.GetEntryByUUID(context.Background(), "entry-1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	got, err := teB.libStore.GetEntryByUUID(context.Background(), "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "shared.txt", got.Name)
}
