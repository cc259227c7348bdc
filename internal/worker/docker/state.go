package docker

import (
	"jobhost/internal/apperrors"
	"sync"
	"time"
)

// Reasons a container was stopped by the worker.
const (
	stopNone      = ""
	stopCancelled = "cancelled"
	stopTimedOut  = "timed_out"
)

// run holds the runtime state of one job container.
type run struct {
	jobID       string
	hostID      string
	address     string
	image       string
	containerID string
	started     time.Time

	mu         sync.Mutex
	stopReason string
}

func (r *run) markStopped(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopReason == stopNone {
		r.stopReason = reason
	}
}

func (r *run) stoppedBy() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopReason
}

// runs tracks job containers with thread-safe access.
type runs struct {
	mu   sync.RWMutex
	jobs map[string]*run
}

func newRuns() *runs {
	return &runs{jobs: make(map[string]*run)}
}

// reserve claims a job id slot until commit or release. A reserved slot
// holds nil.
func (r *runs) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return apperrors.Conflict("job", jobID, "job is already running on this worker")
	}
	r.jobs[jobID] = nil
	return nil
}

func (r *runs) commit(jobID string, rn *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = rn
}

// release removes a job and returns its state if it existed.
func (r *runs) release(jobID string) (*run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rn, exists := r.jobs[jobID]
	if exists {
		delete(r.jobs, jobID)
	}
	return rn, exists
}

// get returns (nil, true) for a job that is reserved but not committed.
func (r *runs) get(jobID string) (*run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, exists := r.jobs[jobID]
	return rn, exists
}

// list returns the committed runs.
func (r *runs) list() []*run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*run, 0, len(r.jobs))
	for _, rn := range r.jobs {
		if rn != nil {
			out = append(out, rn)
		}
	}
	return out
}
