package job

import (
	"context"
	"slices"
	"time"
)

// Filter selects jobs. Zero-valued fields do not constrain the match.
type Filter struct {
	IDs       []string
	AccountID string
	TaskID    string
	HostID    string
	Tag       string
	Statuses  []Status
	Since     time.Time // Requested >= Since
	Before    time.Time // Requested < Before
}

// Match reports whether j satisfies every set field of f.
func (f Filter) Match(j *Job) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, j.ID) {
		return false
	}
	if f.AccountID != "" && j.AccountID != f.AccountID {
		return false
	}
	if f.TaskID != "" && j.TaskID != f.TaskID {
		return false
	}
	if f.HostID != "" && j.HostID != f.HostID {
		return false
	}
	if f.Tag != "" && j.Tag != f.Tag {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
		return false
	}
	if !f.Since.IsZero() && j.Requested.Before(f.Since) {
		return false
	}
	if !f.Before.IsZero() && !j.Requested.Before(f.Before) {
		return false
	}
	return true
}

// Repository persists jobs. Implementations return apperrors.NotFound for
// missing ids and hand out copies, never shared pointers.
type Repository interface {
	Add(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Contains(ctx context.Context, id string) (bool, error)
	Update(ctx context.Context, j *Job) error
	// SetHeartbeat updates only the heartbeat field.
	SetHeartbeat(ctx context.Context, id string, at time.Time) error
	// Query returns matching jobs ordered by Requested ascending.
	Query(ctx context.Context, f Filter) ([]*Job, error)
	Remove(ctx context.Context, id string) error
	// RemoveMatching deletes matching jobs and returns how many were removed.
	RemoveMatching(ctx context.Context, f Filter) (int, error)
}

// AccountChecker reports whether an account exists.
type AccountChecker interface {
	Contains(ctx context.Context, accountID string) (bool, error)
}

// TaskCatalog is the task lookup the service needs for validation.
type TaskCatalog interface {
	// DeclaredParameters returns the parameter names the task accepts, or a
	// not-found error when the task does not exist.
	DeclaredParameters(ctx context.Context, taskID string) ([]string, error)
}

// Hook intercepts writes before they reach the repository. Returning an
// error cancels the write and is returned to the caller.
type Hook interface {
	BeforeUpdate(ctx context.Context, prev, next *Job) error
	BeforeRemove(ctx context.Context, jobs []*Job) error
}

// Notifier receives job changes after they are persisted.
type Notifier interface {
	Updated(ctx context.Context, j *Job)
	Removed(ctx context.Context, jobs []*Job)
	HeartbeatThresholdPassed(ctx context.Context, j *Job)
}

// MetricsRecorder is an optional interface for recording job metrics.
type MetricsRecorder interface {
	RecordJobAdded(ctx context.Context, taskID string)
	RecordJobTransition(ctx context.Context, from, to Status)
}
