// Package job defines the job record, its status state machine, and the
// JobService that validates and persists lifecycle changes.
package job

import (
	"maps"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Status constants
const (
	StatusPending    Status = "pending"
	StatusStarting   Status = "starting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusUnknown    Status = "unknown"
	StatusCancel     Status = "cancel" // cancellation requested, not yet forwarded
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusTimingOut  Status = "timing_out"
	StatusTimedOut   Status = "timed_out"
)

// WorkflowTimeoutParameter is the reserved job parameter that overrides the
// task's workflow timeout. It is accepted even when the task does not declare it.
const WorkflowTimeoutParameter = "WorkflowTimeout"

// Progress is a point-in-time progress report for a running job.
type Progress struct {
	Value   int    `json:"value"` // 0-100
	Message string `json:"message,omitempty"`
}

// NewProgress clamps value into the 0-100 range.
func NewProgress(value int, message string) Progress {
	return Progress{Value: min(max(value, 0), 100), Message: message}
}

// Compare orders progress reports by value.
func (p Progress) Compare(other Progress) int {
	switch {
	case p.Value < other.Value:
		return -1
	case p.Value > other.Value:
		return 1
	default:
		return 0
	}
}

// Job is one request to execute a task.
type Job struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	AccountID string `json:"accountId,omitempty"`

	Priority  int        `json:"priority"`
	Requested time.Time  `json:"requested"`
	Starting  *time.Time `json:"starting,omitempty"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Rejected  *time.Time `json:"rejected,omitempty"`

	HostID        string            `json:"hostId,omitempty"`
	HostGroup     string            `json:"hostGroup,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Progress      *Progress         `json:"progress,omitempty"`
	StatusMessage string            `json:"statusMessage,omitempty"`
	Heartbeat     *time.Time        `json:"heartbeat,omitempty"`
	Tag           string            `json:"tag,omitempty"`

	Status Status `json:"status"`
}

// Clone returns a deep copy so callers never share pointers with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Starting = cloneTime(j.Starting)
	cp.Started = cloneTime(j.Started)
	cp.Finished = cloneTime(j.Finished)
	cp.Rejected = cloneTime(j.Rejected)
	cp.Heartbeat = cloneTime(j.Heartbeat)
	if j.Progress != nil {
		p := *j.Progress
		cp.Progress = &p
	}
	if j.Parameters != nil {
		cp.Parameters = maps.Clone(j.Parameters)
	}
	return &cp
}

// RunningSince returns when the job began running, falling back to the
// starting and requested timestamps for records that never reported start.
func (j *Job) RunningSince() time.Time {
	switch {
	case j.Started != nil:
		return *j.Started
	case j.Starting != nil:
		return *j.Starting
	default:
		return j.Requested
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
