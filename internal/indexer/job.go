package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/libraryd/internal/config"
	"github.com/tonimelisma/libraryd/internal/eventbus"
	"github.com/tonimelisma/libraryd/internal/jobs"
	"github.com/tonimelisma/libraryd/internal/library"
	"github.com/tonimelisma/libraryd/internal/volume"
)

// Deps bundles the shared, non-serializable collaborators an IndexerJob
// needs at run time. Registered once at startup (see NewIndexerJobFactory);
// never part of a job's persisted state blob.
type Deps struct {
	Store   *library.SQLiteStore
	Bus     *eventbus.Bus
	Backend volume.Backend
	Config  config.IndexerConfig
	Logger  *slog.Logger
}

// errPauseRequested breaks out of an in-progress scan once PauseRequested
// is observed, without being mistaken for a failure by the executor.
var errPauseRequested = errors.New("indexer: pause requested")

// IndexerJob walks a Location's directory tree breadth-first, applying
// indexing rules, and runs the per-event pipeline for every accepted path
// (spec.md §4.5's indexer-job entry point). Only the exported fields are
// persisted across a pause/resume cycle; deps is rebound by the registered
// Constructor on every decode.
type IndexerJob struct {
	LocationUUID   string            `json:"location_uuid"`
	TargetMode     library.IndexMode `json:"target_mode"`
	ProcessedCount int64             `json:"processed_count"`

	deps *Deps
}

// NewIndexerJobFactory returns a jobs.Constructor bound to deps, to be
// registered once under the "indexer" name at process startup.
func NewIndexerJobFactory(deps *Deps) jobs.Constructor {
	return func() jobs.Job {
		return &IndexerJob{deps: deps}
	}
}

// NewIndexerJob builds a fresh (never-dispatched) indexer job for
// locationUUID, promoting it to targetMode once the walk completes.
func NewIndexerJob(deps *Deps, locationUUID string, targetMode library.IndexMode) *IndexerJob {
	return &IndexerJob{LocationUUID: locationUUID, TargetMode: targetMode, deps: deps}
}

func (j *IndexerJob) Name() string    { return "indexer" }
func (j *IndexerJob) Resumable() bool { return true }

func (j *IndexerJob) OnPause(*jobs.Context) error  { return nil }
func (j *IndexerJob) OnResume(*jobs.Context) error { return nil }
func (j *IndexerJob) OnCancel(*jobs.Context) error { return nil }

// Run walks the location's tree, promotes its index mode on success, and
// reports a Count progress every 100 entries. A mode promotion walks the
// tree again: the pipeline's decideUpdateOrNone path identifies any
// existing file that has no content id yet, so switching from Shallow to
// Content or Deep mode fills in content identities, and a single Run
// handles both a fresh walk and a mode promotion. Files that already have
// a content id are not re-identified, so a Content-to-Deep switch does not
// add mime types to them.
func (j *IndexerJob) Run(jobCtx *jobs.Context) (jobs.Output, error) {
	ctx := jobCtx.Context()

	location, err := j.deps.Store.GetLocation(ctx, j.LocationUUID)
	if err != nil {
		return jobs.Output{}, fmt.Errorf("indexer job: loading location %s: %w", j.LocationUUID, err)
	}

	maxSize, err := j.deps.Config.MaxFileSizeBytes()
	if err != nil {
		return jobs.Output{}, fmt.Errorf("indexer job: parsing max_file_size: %w", err)
	}

	rules := NewRules(location.RootPath, j.deps.Config.IgnoreMarker, j.deps.Config.SkipHidden, j.deps.Config.GlobExcludes, maxSize)
	scanner := NewScanner(j.deps.Backend, rules, j.deps.Logger)
	identifier := NewIdentifier(j.deps.Store, j.TargetMode)
	pipeline := NewPipeline(j.deps.Backend, j.deps.Store, rules, j.deps.Bus, identifier, location, j.deps.Logger)
	pipeline.BindJobContext(jobCtx)

	var nonCritical []string

	scanErr := scanner.Scan(ctx, func(entry walkEntry) error {
		if err := jobCtx.CheckInterrupt(); err != nil {
			return err
		}

		if jobCtx.PauseRequested() {
			if err := jobCtx.Checkpoint(j); err != nil {
				j.deps.Logger.Warn("indexer job: checkpoint before pause failed", "error", err)
			}

			return errPauseRequested
		}

		if _, procErr := pipeline.ProcessPath(ctx, entry.relPath); procErr != nil {
			wrapped := fmt.Errorf("indexer job: processing %q: %w", entry.relPath, procErr)
			jobCtx.AddNonCriticalError(wrapped)
			nonCritical = append(nonCritical, wrapped.Error())

			return nil // per-entry failures are non-critical; the walk continues
		}

		j.ProcessedCount++

		if j.ProcessedCount%100 == 0 {
			jobCtx.Progress(jobs.Count(j.ProcessedCount, 0))

			if err := jobCtx.Checkpoint(j); err != nil {
				j.deps.Logger.Warn("indexer job: periodic checkpoint failed", "error", err)
			}
		}

		return nil
	})

	switch {
	case errors.Is(scanErr, errPauseRequested):
		return jobs.Output{NonCriticalErrors: nonCritical}, nil

	case scanErr != nil:
		return jobs.Output{NonCriticalErrors: nonCritical}, scanErr
	}

	if err := j.deps.Store.PromoteIndexMode(ctx, j.LocationUUID, j.TargetMode); err != nil {
		return jobs.Output{}, fmt.Errorf("indexer job: promoting index mode: %w", err)
	}

	if err := j.deps.Store.UpdateScanState(ctx, j.LocationUUID, library.ScanCompleted); err != nil {
		return jobs.Output{}, fmt.Errorf("indexer job: updating scan state: %w", err)
	}

	out, err := jobs.Structured(map[string]any{"processed": j.ProcessedCount})
	if err != nil {
		return jobs.Output{}, err
	}

	return jobs.Output{Result: out.Structured, NonCriticalErrors: nonCritical}, nil
}

// WatcherJob runs the fsnotify-backed entry point for a location, feeding
// batched events into the same Pipeline the walk uses. It is long-running
// and non-resumable: spec.md §5 categorizes continuous watching separately
// from the bounded, checkpointable indexer walk.
type WatcherJob struct {
	LocationUUID string `json:"location_uuid"`

	deps *Deps
}

// NewWatcherJobFactory returns a jobs.Constructor bound to deps, registered
// once under the "indexer-watch" name at process startup.
func NewWatcherJobFactory(deps *Deps) jobs.Constructor {
	return func() jobs.Job {
		return &WatcherJob{deps: deps}
	}
}

// NewWatcherJob builds a fresh watcher job for locationUUID.
func NewWatcherJob(deps *Deps, locationUUID string) *WatcherJob {
	return &WatcherJob{LocationUUID: locationUUID, deps: deps}
}

func (j *WatcherJob) Name() string    { return "indexer-watch" }
func (j *WatcherJob) Resumable() bool { return false }

func (j *WatcherJob) OnPause(*jobs.Context) error  { return nil }
func (j *WatcherJob) OnResume(*jobs.Context) error { return nil }
func (j *WatcherJob) OnCancel(*jobs.Context) error { return nil }

// Run registers recursive watches over the location and processes batched
// filesystem events until the job is cancelled (watch jobs are never
// paused; Cancel is the only way out).
func (j *WatcherJob) Run(jobCtx *jobs.Context) (jobs.Output, error) {
	ctx := jobCtx.Context()

	location, err := j.deps.Store.GetLocation(ctx, j.LocationUUID)
	if err != nil {
		return jobs.Output{}, fmt.Errorf("watcher job: loading location %s: %w", j.LocationUUID, err)
	}

	maxSize, err := j.deps.Config.MaxFileSizeBytes()
	if err != nil {
		return jobs.Output{}, fmt.Errorf("watcher job: parsing max_file_size: %w", err)
	}

	window, err := j.deps.Config.BatchWindowDuration()
	if err != nil {
		return jobs.Output{}, fmt.Errorf("watcher job: parsing batch_window: %w", err)
	}

	rules := NewRules(location.RootPath, j.deps.Config.IgnoreMarker, j.deps.Config.SkipHidden, j.deps.Config.GlobExcludes, maxSize)
	scanner := NewScanner(j.deps.Backend, rules, j.deps.Logger)
	identifier := NewIdentifier(j.deps.Store, location.IndexMode)
	pipeline := NewPipeline(j.deps.Backend, j.deps.Store, rules, j.deps.Bus, identifier, location, j.deps.Logger)
	pipeline.BindJobContext(jobCtx)

	watcher, err := NewWatcher(location.RootPath, window, j.deps.Logger)
	if err != nil {
		return jobs.Output{}, fmt.Errorf("watcher job: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.AddRecursive(ctx, scanner); err != nil {
		return jobs.Output{}, fmt.Errorf("watcher job: registering watches: %w", err)
	}

	// fsnotify.Watcher has no cooperative-cancel hook of its own, so a
	// ticker polls CheckInterrupt and cancels the derived context that
	// watcher.Run actually selects on (spec.md §5: Cancel is the only way
	// to stop a watch job; it is never paused).
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if jobCtx.CheckInterrupt() != nil {
					stop()
					return
				}
			}
		}
	}()

	var nonCritical []string

	runErr := watcher.Run(runCtx, func(ev rawEvent) {
		var procErr error

		if ev.kind == RawRemove {
			_, procErr = pipeline.processRemoval(ctx, ev.relPath)
		} else {
			_, procErr = pipeline.ProcessPath(ctx, ev.relPath)
		}

		if procErr != nil {
			wrapped := fmt.Errorf("watcher job: processing %q: %w", ev.relPath, procErr)
			jobCtx.AddNonCriticalError(wrapped)
			nonCritical = append(nonCritical, wrapped.Error())
		}
	})

	if jobCtx.CheckInterrupt() != nil {
		return jobs.Output{NonCriticalErrors: nonCritical}, jobs.ErrCancelled
	}

	if runErr != nil {
		return jobs.Output{NonCriticalErrors: nonCritical}, runErr
	}

	return jobs.Output{NonCriticalErrors: nonCritical}, jobs.ErrCancelled
}
