package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/libraryd/internal/eventbus"
	"github.com/tonimelisma/libraryd/internal/library"
	"github.com/tonimelisma/libraryd/internal/volume"
	"github.com/tonimelisma/libraryd/pkg/fingerprint"
)

func TestIdentifyIsNoopAtShallowMode(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "note.txt", "hello")

	pipeline, store, _ := newTestPipeline(t, root) // IndexShallow per newTestPipeline
	ctx := context.Background()

	created, err := pipeline.ProcessPath(ctx, "note.txt")
	require.NoError(t, err)

	entry, err := store.GetEntry(ctx, created.EntryID)
	require.NoError(t, err)
	assert.Empty(t, entry.ContentID)
}

func TestIdentifyComputesContentIdentityAtContentMode(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "note.txt", "hello world")

	ctx := context.Background()

	store, err := library.NewStore(ctx, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	dev := library.Device{UUID: "dev-1", Slug: "laptop", Name: "Laptop", OS: "linux"}
	require.NoError(t, store.InsertDevice(ctx, dev))

	loc := library.Location{UUID: "loc-1", DeviceUUID: dev.UUID, RootPath: root, IndexMode: library.IndexContent}
	require.NoError(t, store.InsertLocation(ctx, loc))

	backend := volume.NewLocalBackend(root)
	rules := NewRules(root, "", false, nil, 0)
	bus := eventbus.New()
	identifier := NewIdentifier(store, library.IndexContent)
	pipeline := NewPipeline(backend, store, rules, bus, identifier, loc, testLogger())

	decision, err := pipeline.ProcessPath(ctx, "note.txt")
	require.NoError(t, err)

	entry, err := store.GetEntry(ctx, decision.EntryID)
	require.NoError(t, err)
	require.NotEmpty(t, entry.ContentID)

	ci, err := store.GetContentIdentity(ctx, entry.ContentID)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello world")), ci.Size)
	assert.Equal(t, 1, ci.ReferenceCount)
}

func TestIdentifySameContentProducesSameCasID(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "a.txt", "identical payload")
	mustWriteFile(t, root, "b.txt", "identical payload")

	identifier := NewIdentifier(nil, library.IndexContent)

	backend := volume.NewLocalBackend(root)

	ra, err := backend.Open(context.Background(), "a.txt")
	require.NoError(t, err)
	defer ra.Close()

	rb, err := backend.Open(context.Background(), "b.txt")
	require.NoError(t, err)
	defer rb.Close()

	idA, err := identifier.identify(ra, int64(len("identical payload")), false)
	require.NoError(t, err)

	idB, err := identifier.identify(rb, int64(len("identical payload")), false)
	require.NoError(t, err)

	assert.Equal(t, idA, idB)
}

func TestIdentifyVideoSamplesAboveThreshold(t *testing.T) {
	root := t.TempDir()

	// Build a file just large enough to cross sampleThreshold without
	// actually writing hundreds of megabytes to disk for the test: a
	// sparse file whose reported size exceeds the threshold is enough to
	// exercise the sampling branch, since identifyVideo only reads up to
	// size bytes total.
	path := filepath.Join(root, "movie.mp4")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(sampleThreshold+sampleWindow))
	require.NoError(t, f.Close())

	identifier := NewIdentifier(nil, library.IndexContent)
	backend := volume.NewLocalBackend(root)

	r, err := backend.Open(context.Background(), "movie.mp4")
	require.NoError(t, err)
	defer r.Close()

	casID, err := identifier.identify(r, sampleThreshold+sampleWindow, true)
	require.NoError(t, err)
	assert.NotEmpty(t, casID)
}

func TestDetectMimeType(t *testing.T) {
	// ".json" is in Go's builtin mime table regardless of the host's
	// /etc/mime.types, unlike ".txt" which depends on OS configuration.
	assert.Equal(t, "application/json", detectMimeType("manifest.json"))
	assert.Empty(t, detectMimeType("no_extension"))
}

func TestLikelyDuplicateReturnsEmptyBeforeAnythingIdentified(t *testing.T) {
	identifier := NewIdentifier(nil, library.IndexContent)

	var zero [fingerprint.Size]byte

	assert.Empty(t, identifier.LikelyDuplicate(zero, 123))
}

func TestIdentifyPopulatesLikelyDuplicate(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "a.txt", "identical payload")
	mustWriteFile(t, root, "b.txt", "identical payload")

	identifier := NewIdentifier(nil, library.IndexContent)
	backend := volume.NewLocalBackend(root)

	ra, err := backend.Open(context.Background(), "a.txt")
	require.NoError(t, err)
	defer ra.Close()

	size := int64(len("identical payload"))

	casID, err := identifier.identify(ra, size, false)
	require.NoError(t, err)

	fp := fingerprint.Sum160([]byte("identical payload"))

	assert.Equal(t, casID, identifier.LikelyDuplicate(fp, size))
}
