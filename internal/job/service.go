package job

import (
	"context"
	"fmt"
	"jobhost/internal/apperrors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Service validates and persists job changes.
//
// Add and Update are the entry points for untrusted callers and check the
// referenced account, task and parameters. UpdateStatus is used by the
// orchestrator for lifecycle transitions and only enforces the state machine.
type Service struct {
	repo     Repository
	tasks    TaskCatalog
	accounts AccountChecker
	hook     Hook
	notifier Notifier
	metrics  MetricsRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceConfig holds the collaborators of a Service.
type ServiceConfig struct {
	Repository Repository      // required
	Tasks      TaskCatalog     // required
	Accounts   AccountChecker  // optional; account ids are not checked when nil
	Hook       Hook            // optional
	Notifier   Notifier        // optional
	Metrics    MetricsRecorder // optional
	Logger     *slog.Logger    // optional
	Clock      func() time.Time
}

// NewService creates a new job service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:     cfg.Repository,
		tasks:    cfg.Tasks,
		accounts: cfg.Accounts,
		hook:     cfg.Hook,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "job-service"),
		now:      clock,
	}
}

// Add validates and stores a new pending job.
func (s *Service) Add(ctx context.Context, j *Job) (*Job, error) {
	if j == nil {
		return nil, apperrors.Validation("job", "job is required")
	}
	if j.TaskID == "" {
		return nil, apperrors.Validation("taskId", "task ID is required")
	}
	if j.Status != "" && j.Status != StatusPending {
		return nil, apperrors.Validation("status", "new jobs must be pending")
	}

	next := j.Clone()
	next.Status = StatusPending
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.Requested.IsZero() {
		next.Requested = s.now()
	}

	if err := s.validate(ctx, next); err != nil {
		return nil, err
	}
	exists, err := s.repo.Contains(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperrors.Conflict("job", next.ID, "job already exists")
	}

	if err := s.repo.Add(ctx, next); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordJobAdded(ctx, next.TaskID)
	}
	s.logger.Info("Job added", "jobId", next.ID, "taskId", next.TaskID, "priority", next.Priority)
	return next.Clone(), nil
}

// Update validates and writes a full job record. A status change must be a
// legal transition; lifecycle timestamps are kept from the stored job.
func (s *Service) Update(ctx context.Context, j *Job) (*Job, error) {
	if j == nil {
		return nil, apperrors.Validation("job", "job is required")
	}
	prev, err := s.repo.Get(ctx, j.ID)
	if err != nil {
		return nil, err
	}
	if j.TaskID != prev.TaskID {
		return nil, apperrors.Validation("taskId", "task ID cannot change")
	}
	if j.AccountID != prev.AccountID {
		return nil, apperrors.Validation("accountId", "account ID cannot change")
	}
	if err := s.validate(ctx, j); err != nil {
		return nil, err
	}
	if j.Status != prev.Status {
		if err := checkTransition(prev, j.Status); err != nil {
			return nil, err
		}
	}

	// Lifecycle timestamps only move with the status.
	next := j.Clone()
	next.Starting = cloneTime(prev.Starting)
	next.Started = cloneTime(prev.Started)
	next.Finished = cloneTime(prev.Finished)
	next.Heartbeat = cloneTime(prev.Heartbeat)
	if next.Status != prev.Status {
		next.Status = prev.Status
		applyStatus(next, j.Status, s.now())
	}
	if err := s.write(ctx, prev, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// UpdateStatus moves a job to status, enforcing the lifecycle rules.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status, opts ...StatusOption) (*Job, error) {
	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(prev, status); err != nil {
		return nil, err
	}

	next := prev.Clone()
	now := s.now()
	if !applyStatus(next, status, now) {
		s.logger.Debug("Status change suppressed", "jobId", id, "status", prev.Status, "requested", status)
		return prev, nil
	}

	var u statusUpdate
	for _, opt := range opts {
		opt(&u)
	}
	u.apply(next, now)

	if err := s.write(ctx, prev, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// RequestCancel asks for a pending or running job to be cancelled.
func (s *Service) RequestCancel(ctx context.Context, id string) (*Job, error) {
	return s.UpdateStatus(ctx, id, StatusCancel)
}

// MarkRejected records that no host could take a pending job. When hostID
// is set the job is pinned to that host for the next sweep.
func (s *Service) MarkRejected(ctx context.Context, id, hostID string) error {
	prev, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if prev.Status != StatusPending {
		return apperrors.InvalidState("job", id, fmt.Sprintf("only pending jobs can be rejected, job is %s", prev.Status))
	}
	next := prev.Clone()
	next.Rejected = timePtr(s.now())
	if hostID != "" {
		next.HostID = hostID
	}
	return s.write(ctx, prev, next)
}

// UpdateHeartbeat records that the job's workload is alive.
func (s *Service) UpdateHeartbeat(ctx context.Context, id string) error {
	return s.repo.SetHeartbeat(ctx, id, s.now())
}

// NotifyHeartbeatThresholdPassed forwards a lost-heartbeat signal to the notifier.
func (s *Service) NotifyHeartbeatThresholdPassed(ctx context.Context, j *Job) {
	if s.notifier != nil {
		s.notifier.HeartbeatThresholdPassed(ctx, j)
	}
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// Query returns matching jobs ordered by Requested ascending.
func (s *Service) Query(ctx context.Context, f Filter) ([]*Job, error) {
	return s.repo.Query(ctx, f)
}

// GetLast returns the most recently requested matching job.
func (s *Service) GetLast(ctx context.Context, f Filter) (*Job, error) {
	jobs, err := s.repo.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, apperrors.NotFound("job", "matching filter")
	}
	return jobs[len(jobs)-1], nil
}

// GetJobsNotFinished returns starting, pending and in-progress jobs,
// restricted to hostID when it is not empty.
func (s *Service) GetJobsNotFinished(ctx context.Context, hostID string) ([]*Job, error) {
	return s.repo.Query(ctx, Filter{HostID: hostID, Statuses: NotFinishedStatuses})
}

// CountNotFinished returns the number of unfinished jobs assigned to hostID.
func (s *Service) CountNotFinished(ctx context.Context, hostID string) (int, error) {
	jobs, err := s.GetJobsNotFinished(ctx, hostID)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// Remove deletes a single job.
func (s *Service) Remove(ctx context.Context, id string) error {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.remove(ctx, []*Job{j})
}

// RemoveMatching deletes all jobs matching f and returns how many were removed.
func (s *Service) RemoveMatching(ctx context.Context, f Filter) (int, error) {
	jobs, err := s.repo.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	if err := s.remove(ctx, jobs); err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (s *Service) remove(ctx context.Context, jobs []*Job) error {
	if s.hook != nil {
		if err := s.hook.BeforeRemove(ctx, jobs); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	removed, err := s.repo.RemoveMatching(ctx, Filter{IDs: ids})
	if err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifier.Removed(ctx, jobs)
	}
	s.logger.Info("Jobs removed", "count", removed)
	return nil
}

// write runs the update hook, persists next and publishes the change.
func (s *Service) write(ctx context.Context, prev, next *Job) error {
	if s.hook != nil {
		if err := s.hook.BeforeUpdate(ctx, prev, next); err != nil {
			return err
		}
	}
	if err := s.repo.Update(ctx, next); err != nil {
		return err
	}
	if prev.Status != next.Status {
		if s.metrics != nil {
			s.metrics.RecordJobTransition(ctx, prev.Status, next.Status)
		}
		s.logger.Info("Job status changed", "jobId", next.ID, "from", prev.Status, "to", next.Status)
	}
	if s.notifier != nil {
		s.notifier.Updated(ctx, next.Clone())
	}
	return nil
}

// validate checks the account, task and parameters a job refers to.
func (s *Service) validate(ctx context.Context, j *Job) error {
	if s.accounts != nil && j.AccountID != "" {
		ok, err := s.accounts.Contains(ctx, j.AccountID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.NotFound("account", j.AccountID)
		}
	}

	declared, err := s.tasks.DeclaredParameters(ctx, j.TaskID)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(j.Parameters))
	for name := range j.Parameters {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if name == WorkflowTimeoutParameter {
			if _, err := ParseWorkflowTimeout(j.Parameters[name]); err != nil {
				return apperrors.Validation("parameters", err.Error())
			}
			continue
		}
		if !slices.Contains(declared, name) {
			return apperrors.Validation("parameters", fmt.Sprintf("parameter %q is not declared by task %s", name, j.TaskID))
		}
	}
	return nil
}
