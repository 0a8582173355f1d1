package library

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTagCreatesOnFirstCallAndReusesAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureTag(ctx, "work")
	require.NoError(t, err)
	assert.NotEmpty(t, first.UUID)

	second, err := s.EnsureTag(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID, "re-ensuring the same name must not create a second tag")
}

func TestAddEntryTagIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loc := seedDeviceAndLocation(t, s)

	entryID, err := s.CreateEntry(ctx, Entry{UUID: "entry-1", LocationUUID: loc.UUID, Name: "a.txt", Kind: KindFile})
	require.NoError(t, err)
	_ = entryID

	tag, err := s.EnsureTag(ctx, "work")
	require.NoError(t, err)

	require.NoError(t, s.AddEntryTag(ctx, "entry-1", tag.UUID))
	require.NoError(t, s.AddEntryTag(ctx, "entry-1", tag.UUID))

	tags, err := s.ListTagsForEntry(ctx, "entry-1")
	require.NoError(t, err)
	assert.Len(t, tags, 1)
}

func TestListTagsForEntryReturnsEveryAttachedTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loc := seedDeviceAndLocation(t, s)

	_, err := s.CreateEntry(ctx, Entry{UUID: "entry-1", LocationUUID: loc.UUID, Name: "a.txt", Kind: KindFile})
	require.NoError(t, err)

	work, err := s.EnsureTag(ctx, "work")
	require.NoError(t, err)
	urgent, err := s.EnsureTag(ctx, "urgent")
	require.NoError(t, err)

	require.NoError(t, s.AddEntryTag(ctx, "entry-1", work.UUID))
	require.NoError(t, s.AddEntryTag(ctx, "entry-1", urgent.UUID))

	tags, err := s.ListTagsForEntry(ctx, "entry-1")
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "urgent", tags[0].Name) // ordered by name
	assert.Equal(t, "work", tags[1].Name)
}

func TestRemoveEntryTagDetachesPairing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loc := seedDeviceAndLocation(t, s)

	_, err := s.CreateEntry(ctx, Entry{UUID: "entry-1", LocationUUID: loc.UUID, Name: "a.txt", Kind: KindFile})
	require.NoError(t, err)

	tag, err := s.EnsureTag(ctx, "work")
	require.NoError(t, err)

	require.NoError(t, s.AddEntryTag(ctx, "entry-1", tag.UUID))
	require.NoError(t, s.RemoveEntryTag(ctx, "entry-1", tag.UUID))

	has, err := s.HasEntryTag(ctx, "entry-1", tag.UUID)
	require.NoError(t, err)
	assert.False(t, has)

	// removing an already-absent pairing is a no-op, not an error.
	require.NoError(t, s.RemoveEntryTag(ctx, "entry-1", tag.UUID))
}

func TestApplyRemoteChangeInsertsTagAndEntryTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	loc := seedDeviceAndLocation(t, s)

	_, err := s.CreateEntry(ctx, Entry{UUID: "entry-1", LocationUUID: loc.UUID, Name: "a.txt", Kind: KindFile})
	require.NoError(t, err)

	tag := Tag{UUID: "tag-1", Name: "work"}
	require.NoError(t, s.ApplyRemoteChange(ctx, "tag", tag.UUID, "insert", marshalRecord(t, tag)))

	pairing := EntryTagSyncRecord{EntryUUID: "entry-1", TagUUID: "tag-1"}
	require.NoError(t, s.ApplyRemoteChange(ctx, "entry_tag", entryTagRecordUUID("entry-1", "tag-1"), "insert", marshalRecord(t, pairing)))

	tags, err := s.ListTagsForEntry(ctx, "entry-1")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "work", tags[0].Name)
}
