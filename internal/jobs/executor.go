package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
)

// Executor runs dispatched jobs up to a configured concurrency limit,
// transitioning status in the Store and on each job's Handle as it moves
// through Queued -> Running -> {Completed, Failed, Cancelled, Paused}.
//
// Grounded on the teacher's WorkerPool (internal/sync/worker.go): a flat
// goroutine pool gated by a concurrency semaphore, panic recovery around
// each unit of work, and atomic bookkeeping rather than a central
// scheduler loop. Unlike the teacher's pool, which dispatches pre-planned
// Actions with static dependencies, this executor dispatches long-lived
// Jobs whose pause/resume/cancel lifecycle is driven by handle signals
// rather than a DepTracker.
type Executor struct {
	store       Store
	logger      *slog.Logger
	concurrency int
	sem         chan struct{}

	mu       stdsync.Mutex
	handles  map[int64]*Handle
	contexts map[int64]*Context
	wg       stdsync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewExecutor creates an executor. concurrency is the maximum number of
// jobs run simultaneously; values below 1 are raised to 1.
func NewExecutor(store Store, logger *slog.Logger, concurrency int) *Executor {
	if concurrency < 1 {
		concurrency = 1
	}

	return &Executor{
		store:       store,
		logger:      logger,
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		handles:     make(map[int64]*Handle),
		contexts:    make(map[int64]*Context),
	}
}

// Start begins accepting dispatches and, per spec.md's startup-recovery
// protocol, scans the store for rows left Running or Paused by a prior
// process and re-dispatches the resumable ones with OnResume invoked
// before Run. Non-resumable rows in those states are marked Failed with
// reason "process restarted".
func (e *Executor) Start(ctx context.Context) error {
	e.baseCtx, e.cancel = context.WithCancel(ctx)

	rows, err := e.store.ListResumable(e.baseCtx)
	if err != nil {
		return fmt.Errorf("jobs: executor start: %w", err)
	}

	for _, row := range rows {
		job, decodeErr := decodeJob(row.Name, row.StateBlob)
		if decodeErr != nil {
			e.logger.Error("jobs: cannot decode row on recovery, marking failed",
				slog.Int64("job_id", row.ID), slog.Any("error", decodeErr))
			_ = e.store.Fail(e.baseCtx, row.ID, decodeErr.Error(), nil)

			continue
		}

		if !job.Resumable() {
			e.logger.Warn("jobs: non-resumable job left running, marking failed",
				slog.Int64("job_id", row.ID), slog.String("name", row.Name))
			_ = e.store.Fail(e.baseCtx, row.ID, "process restarted", nil)

			continue
		}

		handle := newHandle(row.ID)
		e.registerHandle(row.ID, handle)
		e.runJob(row.ID, job, handle, true)
	}

	return nil
}

// Dispatch serializes job, inserts a Queued row, and hands it to the
// executor pool. Returns a Handle the caller can watch.
func (e *Executor) Dispatch(job Job) (*Handle, error) {
	state, err := encodeJob(job)
	if err != nil {
		return nil, err
	}

	id, err := e.store.Insert(e.baseCtx, job.Name(), state)
	if err != nil {
		return nil, fmt.Errorf("jobs: dispatch %s: %w", job.Name(), err)
	}

	handle := newHandle(id)
	e.registerHandle(id, handle)
	e.runJob(id, job, handle, false)

	return handle, nil
}

// Pause requests a cooperative pause of the running job id. The job
// transitions to Paused once its Run loop next observes the request at a
// checkpoint boundary (PauseRequested) and returns.
func (e *Executor) Pause(id int64) error {
	jobCtx, ok := e.lookupContext(id)
	if !ok {
		return fmt.Errorf("jobs: pause %d: %w", id, ErrNotFound)
	}

	jobCtx.requestPause()

	return nil
}

// Cancel requests cooperative cancellation of the running job id.
// Idempotent; cancelling a terminal or unknown job is a no-op per
// spec.md's cancellation semantics.
func (e *Executor) Cancel(id int64) error {
	jobCtx, ok := e.lookupContext(id)
	if !ok {
		return nil
	}

	jobCtx.requestCancel()

	return nil
}

// Shutdown cancels all in-flight jobs and waits for their goroutines to
// exit.
func (e *Executor) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}

	e.wg.Wait()
}

func (e *Executor) registerHandle(id int64, handle *Handle) {
	e.mu.Lock()
	e.handles[id] = handle
	e.mu.Unlock()
}

func (e *Executor) lookupContext(id int64) (*Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.contexts[id]

	return c, ok
}

// runJob acquires a concurrency slot and runs job to completion in its own
// goroutine, handling the resume/run/pause/cancel/fail/complete protocol.
func (e *Executor) runJob(id int64, job Job, handle *Handle, resuming bool) {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		select {
		case e.sem <- struct{}{}:
		case <-e.baseCtx.Done():
			handle.transition(StatusCancelled)
			handle.finish(Output{}, ErrCancelled)

			return
		}
		defer func() { <-e.sem }()

		jobCtx := newContext(e.baseCtx, id, e.store, e.logger, handle)

		e.mu.Lock()
		e.contexts[id] = jobCtx
		e.mu.Unlock()

		defer func() {
			e.mu.Lock()
			delete(e.contexts, id)
			e.mu.Unlock()
		}()

		e.safeRun(id, job, jobCtx, handle, resuming)
	}()
}

func (e *Executor) safeRun(id int64, job Job, jobCtx *Context, handle *Handle, resuming bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("jobs: panic in job run", slog.Int64("job_id", id), slog.Any("panic", r))
			_ = e.store.Fail(e.baseCtx, id, fmt.Sprintf("panic: %v", r), nil)
			handle.transition(StatusFailed)
			handle.finish(Output{}, fmt.Errorf("jobs: panic: %v", r))
		}
	}()

	handle.transition(StatusRunning)
	if err := e.store.UpdateStatus(e.baseCtx, id, StatusRunning, nil); err != nil {
		e.logger.Error("jobs: persist running transition", slog.Int64("job_id", id), slog.Any("error", err))
	}

	if resuming {
		if err := job.OnResume(jobCtx); err != nil {
			e.fail(id, jobCtx, handle, err)

			return
		}
	}

	output, err := job.Run(jobCtx)

	switch {
	case errorIsCancelled(err):
		e.cancelled(id, job, jobCtx, handle)
	case jobCtx.PauseRequested() && err == nil:
		e.paused(id, job, jobCtx, handle)
	case err != nil:
		e.fail(id, jobCtx, handle, err)
	default:
		e.complete(id, jobCtx, handle, output)
	}
}

func errorIsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func (e *Executor) complete(id int64, jobCtx *Context, handle *Handle, output Output) {
	output.NonCriticalErrors = jobCtx.collectNonCritical()

	if err := e.store.UpdateStatus(e.baseCtx, id, StatusCompleted, nil); err != nil {
		e.logger.Error("jobs: persist completion", slog.Int64("job_id", id), slog.Any("error", err))
	}

	_ = e.store.Delete(e.baseCtx, id)

	handle.transition(StatusCompleted)
	handle.finish(output, nil)
}

func (e *Executor) fail(id int64, jobCtx *Context, handle *Handle, cause error) {
	output := Output{NonCriticalErrors: jobCtx.collectNonCritical()}

	if err := e.store.Fail(e.baseCtx, id, cause.Error(), nil); err != nil {
		e.logger.Error("jobs: persist failure", slog.Int64("job_id", id), slog.Any("error", err))
	}

	handle.transition(StatusFailed)
	handle.finish(output, cause)
}

func (e *Executor) cancelled(id int64, job Job, jobCtx *Context, handle *Handle) {
	if err := job.OnCancel(jobCtx); err != nil {
		e.logger.Error("jobs: OnCancel hook failed", slog.Int64("job_id", id), slog.Any("error", err))
	}

	output := Output{NonCriticalErrors: jobCtx.collectNonCritical()}

	if err := e.store.UpdateStatus(e.baseCtx, id, StatusCancelled, nil); err != nil {
		e.logger.Error("jobs: persist cancellation", slog.Int64("job_id", id), slog.Any("error", err))
	}

	handle.transition(StatusCancelled)
	handle.finish(output, ErrCancelled)
}

func (e *Executor) paused(id int64, job Job, jobCtx *Context, handle *Handle) {
	if err := job.OnPause(jobCtx); err != nil {
		e.logger.Error("jobs: OnPause hook failed", slog.Int64("job_id", id), slog.Any("error", err))
	}

	state, err := encodeJob(job)
	if err != nil {
		e.fail(id, jobCtx, handle, err)
		return
	}

	if err := e.store.UpdateCheckpoint(e.baseCtx, id, state, nil); err != nil {
		e.logger.Error("jobs: persist pause checkpoint", slog.Int64("job_id", id), slog.Any("error", err))
	}

	if err := e.store.UpdateStatus(e.baseCtx, id, StatusPaused, nil); err != nil {
		e.logger.Error("jobs: persist pause transition", slog.Int64("job_id", id), slog.Any("error", err))
	}

	handle.transition(StatusPaused)
}
