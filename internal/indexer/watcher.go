package indexer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

func statIsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	return info.IsDir(), nil
}

// RawKind classifies one raw filesystem notification before batching.
type RawKind int

const (
	RawCreate RawKind = iota
	RawModify
	RawRemove
	RawRename
)

// rawEvent is one fsnotify notification translated into this package's
// terms, relative to the watched location root.
type rawEvent struct {
	relPath string
	kind    RawKind
}

// kindRank orders raw events within a batch per spec.md §4.5's "Removes ->
// Renames -> Creates -> Modifies" rule, chosen to minimize spurious churn
// when a tool writes a temp file then renames it over the target, or
// deletes before recreating.
var kindRank = map[RawKind]int{
	RawRemove: 0,
	RawRename: 1,
	RawCreate: 2,
	RawModify: 3,
}

// Batcher deduplicates and orders raw filesystem events over a short
// window before they reach the pipeline. Grounded on internal/sync/buffer.go's
// Buffer (map-keyed-by-path pending set, debounce-driven flush), adapted
// from PathChanges grouping (per-observer source slices) to a single
// latest-wins raw event per path, since this domain's per-event pipeline
// re-derives the true change type from current metadata rather than
// reading which observer(s) reported it.
type Batcher struct {
	mu      sync.Mutex
	pending map[string]rawEvent
	notify  chan struct{}
	window  time.Duration
	logger  *slog.Logger
}

// NewBatcher creates a Batcher flushing every window.
func NewBatcher(window time.Duration, logger *slog.Logger) *Batcher {
	return &Batcher{
		pending: make(map[string]rawEvent),
		notify:  make(chan struct{}, 1),
		window:  window,
		logger:  logger,
	}
}

// Add records ev, overwriting any prior pending event for the same path
// (dedup-by-path per spec.md §4.5's batch protocol).
func (b *Batcher) Add(ev rawEvent) {
	b.mu.Lock()
	b.pending[ev.relPath] = ev
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Run drives the debounce loop, invoking flush with each ordered batch
// until ctx is cancelled. Any events still pending at cancellation are
// flushed once more before returning (in-flight batch is still flushed,
// per spec.md §5's watcher cancellation guarantee).
func (b *Batcher) Run(ctx context.Context, flush func([]rawEvent)) {
	timer := time.NewTimer(b.window)
	if !timer.Stop() {
		<-timer.C
	}

	armed := false

	for {
		select {
		case <-ctx.Done():
			if batch := b.drain(); len(batch) > 0 {
				flush(batch)
			}

			return

		case <-b.notify:
			if !armed {
				timer.Reset(b.window)
				armed = true
			}

		case <-timer.C:
			armed = false

			if batch := b.drain(); len(batch) > 0 {
				flush(batch)
			}
		}
	}
}

func (b *Batcher) drain() []rawEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}

	batch := make([]rawEvent, 0, len(b.pending))
	for _, ev := range b.pending {
		batch = append(batch, ev)
	}

	b.pending = make(map[string]rawEvent)

	sort.Slice(batch, func(i, j int) bool {
		if kindRank[batch[i].kind] != kindRank[batch[j].kind] {
			return kindRank[batch[i].kind] < kindRank[batch[j].kind]
		}

		return batch[i].relPath < batch[j].relPath
	})

	return batch
}

// Watcher subscribes to raw filesystem events under root via fsnotify,
// recursively watching every directory, and feeds batched, ordered events
// into the shared pipeline. Grounded on the teacher's
// internal/sync/observer_local.go (fsnotify.Watcher wrapped behind a
// small interface, recursive Add on every directory found during an
// initial walk, new directories watched as Create events for them arrive).
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	batcher *Batcher
	logger  *slog.Logger
}

// NewWatcher creates an fsnotify-backed Watcher rooted at root.
func NewWatcher(root string, window time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:    root,
		fsw:     fsw,
		batcher: NewBatcher(window, logger),
		logger:  logger,
	}, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// AddRecursive registers a watch on the location root and every
// subdirectory scanner finds under it, so watches exist before
// Run starts translating raw events.
func (w *Watcher) AddRecursive(ctx context.Context, scanner *Scanner) error {
	if err := w.fsw.Add(w.fullPath("")); err != nil {
		return err
	}

	return scanner.Scan(ctx, func(entry walkEntry) error {
		if entry.isDir {
			return w.fsw.Add(w.fullPath(entry.relPath))
		}

		return nil
	})
}

func (w *Watcher) fullPath(relPath string) string {
	return filepath.Join(w.root, filepath.FromSlash(relPath))
}

func (w *Watcher) relPath(fullPath string) string {
	rel, err := filepath.Rel(w.root, fullPath)
	if err != nil {
		return fullPath
	}

	return filepath.ToSlash(rel)
}

// Run translates fsnotify events into batched rawEvents and invokes
// process for each ordered batch until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, process func(rawEvent)) error {
	go w.batcher.Run(ctx, func(batch []rawEvent) {
		for _, ev := range batch {
			process(ev)
		}
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			w.handleRaw(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("indexer: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleRaw(ev fsnotify.Event) {
	relPath := w.relPath(ev.Name)
	if relPath == "" || strings.HasPrefix(relPath, "..") {
		return
	}

	var kind RawKind

	switch {
	case ev.Has(fsnotify.Create):
		kind = RawCreate

		if info, err := statIsDir(ev.Name); err == nil && info {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("indexer: failed to watch new directory", "path", ev.Name, "error", err)
			}
		}

	case ev.Has(fsnotify.Remove):
		kind = RawRemove

	case ev.Has(fsnotify.Rename):
		kind = RawRename

	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		kind = RawModify

	default:
		return
	}

	w.batcher.Add(rawEvent{relPath: relPath, kind: kind})
}
