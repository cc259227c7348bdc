package job

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StatusOption adjusts the record written by UpdateStatus.
type StatusOption func(*statusUpdate)

type statusUpdate struct {
	message       *string
	progress      *Progress
	clearProgress bool
	hostID        *string
	requeue       bool
}

// WithMessage sets the job's status message.
func WithMessage(msg string) StatusOption {
	return func(u *statusUpdate) {
		u.message = &msg
	}
}

// WithProgress records a progress report.
func WithProgress(p Progress) StatusOption {
	return func(u *statusUpdate) {
		u.progress = &p
	}
}

// ClearProgress drops any recorded progress.
func ClearProgress() StatusOption {
	return func(u *statusUpdate) {
		u.clearProgress = true
	}
}

// WithHost assigns the job to a host.
func WithHost(hostID string) StatusOption {
	return func(u *statusUpdate) {
		u.hostID = &hostID
	}
}

// Requeue puts the job back at the end of the queue: Requested is refreshed
// and the previous host assignment is dropped.
func Requeue() StatusOption {
	return func(u *statusUpdate) {
		u.requeue = true
	}
}

func (u *statusUpdate) apply(j *Job, now time.Time) {
	if u.message != nil {
		j.StatusMessage = *u.message
	}
	if u.progress != nil {
		p := *u.progress
		j.Progress = &p
	}
	if u.clearProgress {
		j.Progress = nil
	}
	if u.hostID != nil {
		j.HostID = *u.hostID
	}
	if u.requeue {
		j.Requested = now
		j.HostID = ""
		j.Starting = nil
		j.Rejected = nil
		j.Progress = nil
	}
}

// ParseWorkflowTimeout parses the WorkflowTimeout job parameter. Both Go
// durations ("90m") and whole seconds ("5400") are accepted.
func ParseWorkflowTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("workflow timeout must not be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid workflow timeout %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("workflow timeout must not be negative")
	}
	return d, nil
}
