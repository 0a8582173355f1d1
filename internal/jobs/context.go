package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// maxChildDepth bounds how many levels of DispatchChildren may nest,
// guarding against a runaway recursive fan-out (spec.md §9: "The dispatcher
// enforces a maximum child-job depth").
const maxChildDepth = 8

// maxConcurrentChildren bounds how many of one DispatchChildren call's
// ChildFuncs run at once, mirroring the teacher's WorkerPool concurrency
// cap (internal/sync/worker.go) applied to one parent's fan-out rather
// than the whole process.
const maxConcurrentChildren = 8

// errMaxChildDepth is returned by DispatchChildren once a Context's depth
// would exceed maxChildDepth.
var errMaxChildDepth = errors.New("jobs: max child-job depth exceeded")

// ChildFunc is one unit of work dispatched as a child of a running Job via
// Context.DispatchChildren. Unlike a top-level Job, a child's lifecycle is
// not independently persisted, paused, or resumed: it lives and dies
// within its parent's Run call, and its result is returned directly to the
// caller rather than observed through a Handle. This is the "enqueue a
// content-identification sub-task" mechanism spec.md §4.5 step 5 and §9
// describe: message passing through the dispatcher, never a shared
// mutable reference back into the spawning job.
type ChildFunc func(ctx *Context) (Output, error)

// ChildStats summarizes one DispatchChildren call. Grounded on the
// teacher's WorkerPool succeeded/failed atomic counters
// (internal/sync/worker.go's Stats).
type ChildStats struct {
	Succeeded int32
	Failed    int32
}

// Context is passed to a running Job. It is the cooperative suspension
// point (CheckInterrupt), the progress/log sink, the checkpoint writer,
// and the non-critical-error accumulator described in spec.md's job
// system contract.
type Context struct {
	ctx    context.Context
	jobID  int64
	store  Store
	logger *slog.Logger
	handle *Handle

	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool

	depth int

	mu                stdsync.Mutex
	nonCriticalErrors []string
	lastState         json.RawMessage
	lastProgress      json.RawMessage
}

func newContext(ctx context.Context, jobID int64, store Store, logger *slog.Logger, handle *Handle) *Context {
	return &Context{
		ctx:    ctx,
		jobID:  jobID,
		store:  store,
		logger: logger,
		handle: handle,
	}
}

// DispatchChildren runs fns concurrently as child jobs of c, bounded by
// maxConcurrentChildren via an errgroup (grounded on the teacher's
// WorkerPool/DepTracker: a bounded pool of goroutines pulling ready work,
// with atomic success/failure counters — internal/sync/worker.go,
// internal/sync/tracker.go). Every fn's dependency on c having already run
// is structural, not tracked: DispatchChildren is called from inside a
// Run that has already committed whatever the children depend on, so
// there is no separate ready-channel/dependency-graph needed the way the
// teacher's DepTracker has for independently-orderable actions.
//
// Returns once every fn has returned (or the first one canceled the
// shared context via errgroup's error propagation). The first non-nil
// error is returned; ChildStats always reflects the full run regardless
// of which fn failed first.
func (c *Context) DispatchChildren(fns []ChildFunc) ([]Output, ChildStats, error) {
	if len(fns) == 0 {
		return nil, ChildStats{}, nil
	}

	if c.depth+1 > maxChildDepth {
		return nil, ChildStats{}, fmt.Errorf("jobs: dispatch %d children at depth %d: %w", len(fns), c.depth+1, errMaxChildDepth)
	}

	outputs := make([]Output, len(fns))

	g, gctx := errgroup.WithContext(c.ctx)
	g.SetLimit(maxConcurrentChildren)

	var succeeded, failed atomic.Int32

	for i, fn := range fns {
		g.Go(func() error {
			child := &Context{
				ctx:    gctx,
				jobID:  c.jobID,
				store:  c.store,
				logger: c.logger,
				handle: c.handle,
				depth:  c.depth + 1,
			}

			out, err := fn(child)
			outputs[i] = out

			if err != nil {
				failed.Add(1)
			} else {
				succeeded.Add(1)
			}

			return err
		})
	}

	err := g.Wait()

	return outputs, ChildStats{Succeeded: succeeded.Load(), Failed: failed.Load()}, err
}

// Context returns the underlying context.Context, for passing to
// cancellation-aware I/O (storage calls, network requests).
func (c *Context) Context() context.Context { return c.ctx }

// CheckInterrupt is the cooperative suspension point. Implementations MUST
// call this at least once per loop iteration and before any unbounded
// blocking operation. It returns ErrCancelled once cancellation has been
// requested; pause is handled by the executor between calls, not here,
// since pausing requires returning control to persist a checkpoint.
func (c *Context) CheckInterrupt() error {
	if c.ctx.Err() != nil || c.cancelRequested.Load() {
		return ErrCancelled
	}

	return nil
}

// PauseRequested reports whether a pause has been requested. Run loops
// that checkpoint at natural phase boundaries should check this alongside
// CheckInterrupt and return early (with no error) so the executor can
// transition the job to Paused.
func (c *Context) PauseRequested() bool {
	return c.pauseRequested.Load()
}

// Progress reports a progress update, visible to JobHandle watchers and
// persisted as the jobs row's progress column.
func (c *Context) Progress(p Progress) {
	raw, err := json.Marshal(p)
	if err != nil {
		c.logger.Error("jobs: marshal progress", slog.Int64("job_id", c.jobID), slog.Any("error", err))
		return
	}

	c.handle.publishProgress(p)

	c.mu.Lock()
	c.lastProgress = raw
	c.mu.Unlock()

	if err := c.store.UpdateStatus(c.ctx, c.jobID, StatusRunning, raw); err != nil {
		c.logger.Error("jobs: persist progress", slog.Int64("job_id", c.jobID), slog.Any("error", err))
	}
}

// Log emits a structured log line attributed to this job.
func (c *Context) Log(msg string) {
	c.logger.Info(msg, slog.Int64("job_id", c.jobID))
}

// Checkpoint persists job as the current state blob in one transaction
// with the last-known progress. Call between meaningful phases so a
// restart resumes close to where it left off.
func (c *Context) Checkpoint(job Job) error {
	raw, err := encodeJob(job)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lastState = raw
	progress := c.lastProgress
	c.mu.Unlock()

	if err := c.store.UpdateCheckpoint(c.ctx, c.jobID, raw, progress); err != nil {
		return fmt.Errorf("jobs: checkpoint job %d: %w", c.jobID, err)
	}

	return nil
}

// AddNonCriticalError records an error that did not abort the job but
// should be surfaced to the caller in the final Output.
func (c *Context) AddNonCriticalError(err error) {
	if err == nil {
		return
	}

	c.mu.Lock()
	c.nonCriticalErrors = append(c.nonCriticalErrors, err.Error())
	c.mu.Unlock()
}

func (c *Context) collectNonCritical() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.nonCriticalErrors))
	copy(out, c.nonCriticalErrors)

	return out
}

func (c *Context) requestPause()  { c.pauseRequested.Store(true) }
func (c *Context) requestCancel() { c.cancelRequested.Store(true) }
