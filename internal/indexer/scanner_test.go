package indexer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/libraryd/internal/volume"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustWriteFile(t *testing.T, root, rel, content string) {
	t.Helper()

	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestScanVisitsEveryAcceptedEntryBreadthFirst(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "a.txt", "a")
	mustWriteFile(t, root, "dir/b.txt", "bb")
	mustWriteFile(t, root, "dir/sub/c.txt", "ccc")

	backend := volume.NewLocalBackend(root)
	rules := NewRules(root, "", false, nil, 0)
	scanner := NewScanner(backend, rules, testLogger())

	var visited []string

	err := scanner.Scan(context.Background(), func(e walkEntry) error {
		visited = append(visited, e.relPath)
		return nil
	})
	require.NoError(t, err)

	sort.Strings(visited)
	assert.Equal(t, []string{"a.txt", "dir", "dir/b.txt", "dir/sub", "dir/sub/c.txt"}, visited)
}

func TestScanNeverDescendsIntoRejectedDirectory(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, ".git/HEAD", "ref: refs/heads/main")
	mustWriteFile(t, root, "keep.txt", "x")

	backend := volume.NewLocalBackend(root)
	rules := NewRules(root, "", false, nil, 0)
	scanner := NewScanner(backend, rules, testLogger())

	var visited []string

	err := scanner.Scan(context.Background(), func(e walkEntry) error {
		visited = append(visited, e.relPath)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"keep.txt"}, visited)
}

func TestScanContinuesPastMissingSubdirectory(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "open.txt", "y")

	backend := volume.NewLocalBackend(root)
	rules := NewRules(root, "", false, nil, 0)
	scanner := NewScanner(backend, rules, testLogger())

	// Simulate a directory disappearing between listing and descent by
	// removing it immediately after the walk starts: the visit callback
	// itself deletes "vanishing" the first time it is seen, so the
	// subsequent ReadDir on it fails and the walk must not abort.
	mustWriteFile(t, root, "vanishing/child.txt", "z")

	var visited []string

	err := scanner.Scan(context.Background(), func(e walkEntry) error {
		visited = append(visited, e.relPath)

		if e.relPath == "vanishing" {
			require.NoError(t, os.RemoveAll(filepath.Join(root, "vanishing")))
		}

		return nil
	})
	require.NoError(t, err)

	assert.Contains(t, visited, "open.txt")
	assert.Contains(t, visited, "vanishing")
}

func TestScanPropagatesVisitError(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, root, "a.txt", "a")

	backend := volume.NewLocalBackend(root)
	rules := NewRules(root, "", false, nil, 0)
	scanner := NewScanner(backend, rules, testLogger())

	boom := assert.AnError

	err := scanner.Scan(context.Background(), func(e walkEntry) error {
		return boom
	})
	require.Error(t, err)
}
