package jobs

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Constructor builds a zero-value Job of a registered type, ready to have
// its persisted state unmarshalled into it.
type Constructor func() Job

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register associates a job name with a Constructor. Call once per job type
// at startup, before Executor.Start resumes persisted jobs (cmd/libraryd
// registers the indexer job factories this way), mirroring the teacher
// repository's pattern of registering action/executor variants by a fixed
// key rather than switching on a concrete type downstream.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = ctor
}

// newByName constructs a zero-value Job for name, or ErrUnknownJobName.
func newByName(name string) (Job, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobName, name)
	}

	return ctor(), nil
}

// decodeJob constructs the job named by name and unmarshals state into it.
// An empty state is valid only for a freshly dispatched (never-run) job.
func decodeJob(name string, state json.RawMessage) (Job, error) {
	job, err := newByName(name)
	if err != nil {
		return nil, err
	}

	if len(state) == 0 {
		return job, nil
	}

	if err := json.Unmarshal(state, job); err != nil {
		return nil, fmt.Errorf("jobs: decode state for %s: %w", name, err)
	}

	return job, nil
}

// encodeJob serializes a job's current state for persistence.
func encodeJob(job Job) (json.RawMessage, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("jobs: encode state for %s: %w", job.Name(), err)
	}

	return raw, nil
}
