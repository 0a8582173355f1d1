package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store used for executor tests, avoiding any
// dependency on a real database handle.
type memStore struct {
	mu     stdsync.Mutex
	rows   map[int64]Row
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]Row)}
}

func (m *memStore) Insert(_ context.Context, name string, state json.RawMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.rows[m.nextID] = Row{ID: m.nextID, Name: name, Status: StatusQueued, StateBlob: state}

	return m.nextID, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id int64, status Status, progress json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.rows[id]
	row.Status = status

	if progress != nil {
		row.Progress = progress
	}

	m.rows[id] = row

	return nil
}

func (m *memStore) UpdateCheckpoint(_ context.Context, id int64, state json.RawMessage, progress json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.rows[id]
	row.StateBlob = state
	m.rows[id] = row

	return nil
}

func (m *memStore) Fail(_ context.Context, id int64, errMsg string, _ json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.rows[id]
	row.Status = StatusFailed
	row.ErrorMessage = errMsg
	m.rows[id] = row

	return nil
}

func (m *memStore) Get(_ context.Context, id int64) (Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[id]
	if !ok {
		return Row{}, ErrNotFound
	}

	return row, nil
}

func (m *memStore) ListResumable(_ context.Context) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Row

	for _, r := range m.rows {
		if r.Status == StatusRunning || r.Status == StatusPaused {
			out = append(out, r)
		}
	}

	return out, nil
}

func (m *memStore) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rows, id)

	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// completingJob finishes successfully as soon as it is run.
type completingJob struct {
	Count int `json:"count"`
}

func (j *completingJob) Name() string       { return "completing" }
func (j *completingJob) Resumable() bool    { return true }
func (j *completingJob) OnPause(*Context) error  { return nil }
func (j *completingJob) OnResume(*Context) error { return nil }
func (j *completingJob) OnCancel(*Context) error { return nil }

func (j *completingJob) Run(ctx *Context) (Output, error) {
	j.Count++
	ctx.Progress(Count(1, 1))

	result, _ := json.Marshal(j)

	return Output{Result: result}, nil
}

// blockingJob waits on a signal channel in its run loop, calling
// CheckInterrupt each iteration, so tests can exercise cancel/pause.
type blockingJob struct {
	Iterations int             `json:"iterations"`
	unblock    chan struct{}
}

func (j *blockingJob) Name() string    { return "blocking" }
func (j *blockingJob) Resumable() bool { return false }
func (j *blockingJob) OnPause(*Context) error  { return nil }
func (j *blockingJob) OnResume(*Context) error { return nil }
func (j *blockingJob) OnCancel(*Context) error { return nil }

func (j *blockingJob) Run(ctx *Context) (Output, error) {
	for {
		if err := ctx.CheckInterrupt(); err != nil {
			return Output{}, err
		}

		if ctx.PauseRequested() {
			return Output{}, nil
		}

		select {
		case <-j.unblock:
			return Output{}, nil
		case <-time.After(5 * time.Millisecond):
			j.Iterations++
		}
	}
}

func TestDispatchCompletesSuccessfully(t *testing.T) {
	store := newMemStore()
	exec := NewExecutor(store, testLogger(), 2)
	require.NoError(t, exec.Start(context.Background()))

	handle, err := exec.Dispatch(&completingJob{})
	require.NoError(t, err)

	output, err := handle.Result()
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, handle.Status())
	assert.NotEmpty(t, output.Result)

	_, getErr := store.Get(context.Background(), handle.ID())
	assert.ErrorIs(t, getErr, ErrNotFound, "completed job row must be deleted per spec checkpoint cleanup")

	exec.Shutdown()
}

func TestCancelStopsBlockingJob(t *testing.T) {
	store := newMemStore()
	exec := NewExecutor(store, testLogger(), 2)
	require.NoError(t, exec.Start(context.Background()))

	job := &blockingJob{unblock: make(chan struct{})}
	handle, err := exec.Dispatch(job)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, exec.Cancel(handle.ID()))

	_, err = handle.Result()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, handle.Status())

	exec.Shutdown()
}

func TestPauseTransitionsToPausedAndPersistsCheckpoint(t *testing.T) {
	store := newMemStore()
	exec := NewExecutor(store, testLogger(), 2)
	require.NoError(t, exec.Start(context.Background()))

	job := &blockingJob{unblock: make(chan struct{})}
	handle, err := exec.Dispatch(job)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, exec.Pause(handle.ID()))

	select {
	case status := <-handle.Watch():
		_ = status
	case <-time.After(time.Second):
	}

	require.Eventually(t, func() bool {
		return handle.Status() == StatusPaused
	}, time.Second, 5*time.Millisecond)

	row, err := store.Get(context.Background(), handle.ID())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, row.Status)
	assert.NotEmpty(t, row.StateBlob)

	exec.Shutdown()
}

func TestDispatchUnknownNameFailsFast(t *testing.T) {
	_, err := decodeJob("does-not-exist", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownJobName)
}

func TestRegisterAndDecodeRoundTrip(t *testing.T) {
	Register("roundtrip-test-job", func() Job { return &completingJob{} })

	state, err := json.Marshal(&completingJob{Count: 3})
	require.NoError(t, err)

	job, err := decodeJob("roundtrip-test-job", state)
	require.NoError(t, err)

	cj, ok := job.(*completingJob)
	require.True(t, ok)
	assert.Equal(t, 3, cj.Count)
}
