package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/libraryd/internal/config"
	"github.com/tonimelisma/libraryd/internal/eventbus"
	"github.com/tonimelisma/libraryd/internal/jobs"
	"github.com/tonimelisma/libraryd/internal/library"
	"github.com/tonimelisma/libraryd/internal/volume"
)

func newTestJobDeps(t *testing.T, root string) (*Deps, *library.SQLiteStore, *jobs.Executor) {
	t.Helper()

	ctx := context.Background()

	store, err := library.NewStore(ctx, ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	jobStore, err := jobs.NewSQLStore(ctx, store.DB())
	require.NoError(t, err)

	exec := jobs.NewExecutor(jobStore, testLogger(), 2)
	require.NoError(t, exec.Start(ctx))
	t.Cleanup(exec.Shutdown)

	dev := library.Device{UUID: "dev-1", Slug: "laptop", Name: "Laptop", OS: "linux"}
	require.NoError(t, store.InsertDevice(ctx, dev))

	loc := library.Location{UUID: "loc-1", DeviceUUID: dev.UUID, RootPath: root, IndexMode: library.IndexShallow}
	require.NoError(t, store.InsertLocation(ctx, loc))

	deps := &Deps{
		Store:   store,
		Bus:     eventbus.New(),
		Backend: volume.NewLocalBackend(root),
		Config: config.IndexerConfig{
			MaxFileSize: "0",
			BatchWindow: "50ms",
		},
		Logger: testLogger(),
	}

	return deps, store, exec
}

func TestIndexerJobWalksAndPromotesIndexMode(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "a.txt", "hello")
	mustWriteFile(t, root, "dir/b.txt", "world")

	deps, store, exec := newTestJobDeps(t, root)

	job := NewIndexerJob(deps, "loc-1", library.IndexContent)

	handle, err := exec.Dispatch(job)
	require.NoError(t, err)

	output, err := handle.Result()
	require.NoError(t, err)
	assert.Empty(t, output.NonCriticalErrors)

	loc, err := store.GetLocation(context.Background(), "loc-1")
	require.NoError(t, err)
	assert.Equal(t, library.IndexContent, loc.IndexMode)
	assert.Equal(t, library.ScanCompleted, loc.ScanState)

	entry, err := store.FindByPath(context.Background(), nil, "a.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ContentID)
}

func TestIndexerJobCompletesAcrossCheckpointIntervals(t *testing.T) {
	root := t.TempDir()

	for i := 0; i < 250; i++ {
		mustWriteFile(t, root, fmt.Sprintf("bulk-%03d.txt", i), "x")
	}

	deps, store, exec := newTestJobDeps(t, root)

	job := NewIndexerJob(deps, "loc-1", library.IndexShallow)

	handle, err := exec.Dispatch(job)
	require.NoError(t, err)

	_, err = handle.Result()
	require.NoError(t, err)

	entry, getErr := store.FindByPath(context.Background(), nil, "bulk-000.txt")
	require.NoError(t, getErr)
	assert.Equal(t, library.KindFile, entry.Kind)
}

func TestIndexerJobFactoryInjectsDepsAndDecodesCheckpointState(t *testing.T) {
	deps := &Deps{Logger: testLogger()}

	ctor := NewIndexerJobFactory(deps)
	job := ctor()

	ij, ok := job.(*IndexerJob)
	require.True(t, ok)
	assert.Same(t, deps, ij.deps)

	state := []byte(`{"location_uuid":"loc-9","target_mode":"deep","processed_count":7}`)
	require.NoError(t, json.Unmarshal(state, ij))

	assert.Equal(t, "loc-9", ij.LocationUUID)
	assert.Equal(t, library.IndexDeep, ij.TargetMode)
	assert.Equal(t, int64(7), ij.ProcessedCount)
	assert.Same(t, deps, ij.deps, "unexported deps field must survive json.Unmarshal untouched")
}
