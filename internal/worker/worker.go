// Package worker defines the contract of the component that executes jobs
// and reports their progress back as typed events.
package worker

import (
	"context"
	"jobhost/internal/job"
	"jobhost/internal/task"
	"sync"
	"time"
)

// EventKind identifies a worker callback.
type EventKind string

// Event kinds
const (
	EventExecuting        EventKind = "executing"
	EventExecuted         EventKind = "executed"
	EventCancelling       EventKind = "cancelling"
	EventCancelled        EventKind = "cancelled"
	EventProgressChanged  EventKind = "progress_changed"
	EventHostNotAvailable EventKind = "host_not_available"
)

// Event is pushed by a worker when a job it runs changes state.
type Event struct {
	Kind   EventKind
	JobID  string
	HostID string
	// Status is the terminal status reported with EventExecuted.
	Status   job.Status
	Progress *job.Progress
	Message  string
	Time     time.Time
}

// Worker executes jobs. Execute, Cancel and Timeout may block on network
// calls; completion is reported through Events.
type Worker interface {
	// Execute starts jobID on hostID. An empty hostID means local execution.
	Execute(ctx context.Context, jobID string, t *task.Task, params map[string]string, hostID string) error
	// Cancel forcibly stops a job.
	Cancel(ctx context.Context, jobID, hostID string) error
	// Timeout asks a job to wind down after its workflow deadline passed.
	Timeout(ctx context.Context, jobID, hostID string) error
	// Events returns the stream of job callbacks. It is closed when the
	// worker shuts down.
	Events() <-chan Event
}

// Prober is implemented by workers that dispatch to remote hosts.
type Prober interface {
	// IsHostAvailable reports whether hostID can accept work. It must honor
	// ctx cancellation.
	IsHostAvailable(ctx context.Context, hostID string) bool
}

// Emitter is an ordered event stream for Worker implementations. Emit blocks
// until the event is consumed or ctx is done, so events are neither dropped
// nor reordered while a subscriber keeps reading.
type Emitter struct {
	ch   chan Event
	mu   sync.RWMutex
	done bool
	now  func() time.Time
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(buffer int) *Emitter {
	return &Emitter{ch: make(chan Event, buffer), now: time.Now}
}

// Emit publishes ev, stamping its time when unset. It returns false when the
// emitter is closed or ctx ends first.
func (e *Emitter) Emit(ctx context.Context, ev Event) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.done {
		return false
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	select {
	case e.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Events returns the receive side of the stream.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close closes the stream. Emit calls blocked on a full buffer must be
// released through their contexts first.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.done {
		e.done = true
		close(e.ch)
	}
}
