// Package jobworker drives jobs from pending to finished: it dispatches
// pending jobs to hosts, forwards cancellations, reacts to worker events and
// sweeps for stalled or overrunning work.
package jobworker

import (
	"context"
	"errors"
	"fmt"
	"jobhost/internal/apperrors"
	"jobhost/internal/balancer"
	"jobhost/internal/cloud"
	"jobhost/internal/host"
	"jobhost/internal/job"
	"jobhost/internal/task"
	"jobhost/internal/worker"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for Config durations.
const (
	DefaultHeartbeatTimeout = 5 * time.Minute
	DefaultStartTimeout     = 5 * time.Minute
	DefaultJobTimeout       = 24 * time.Hour
)

// Dispatch outcomes reported to metrics.
const (
	OutcomeDispatched = "dispatched"
	OutcomeRejected   = "rejected"
	OutcomeWaiting    = "waiting_for_host"
	OutcomeClaimed    = "claimed_elsewhere"
	OutcomeFailed     = "failed"
)

// Claimer grants exclusive dispatch rights on a job for a limited time.
// Processes sharing one job store use it so a pending job is dispatched by
// one of them only.
type Claimer interface {
	Claim(ctx context.Context, jobID string) (bool, error)
	Release(ctx context.Context, jobID string) error
}

// CloudLauncher starts and stops cloud instances without waiting.
// *cloud.Launcher implements it.
type CloudLauncher interface {
	Start(hostID string, inst cloud.Instance) bool
	Stop(hostID string, inst cloud.Instance) bool
}

// MetricsRecorder is an optional interface for recording orchestration metrics.
type MetricsRecorder interface {
	RecordDispatch(ctx context.Context, outcome string)
	RecordWorkerEvent(ctx context.Context, kind string)
	RecordSweep(ctx context.Context, sweep string, durationSeconds float64, err error)
}

// Config holds the collaborators and limits of a JobWorker.
type Config struct {
	Jobs   *job.Service   // required
	Tasks  *task.Service  // required
	Worker worker.Worker  // required
	Hosts  *host.Service  // optional; without hosts every job runs locally
	// Balancer defaults to balancer.Sequential when Hosts is set.
	Balancer balancer.LoadBalancer
	Launcher CloudLauncher
	Claimer  Claimer

	HeartbeatTimeout  time.Duration // default: 5m
	StartTimeout      time.Duration // default: 5m
	DefaultJobTimeout time.Duration // used when a task has no Timeout, default: 24h

	Metrics MetricsRecorder
	Logger  *slog.Logger
	Clock   func() time.Time
}

// JobWorker orchestrates job execution. Each sweep method is safe to call
// concurrently with the others, but a single sweep must not overlap itself.
type JobWorker struct {
	jobs     *job.Service
	tasks    *task.Service
	worker   worker.Worker
	prober   worker.Prober
	hosts    *host.Service
	balancer balancer.LoadBalancer
	launcher CloudLauncher
	claimer  Claimer

	heartbeatTimeout time.Duration
	startTimeout     time.Duration
	jobTimeout       time.Duration

	metrics MetricsRecorder
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a JobWorker.
func New(cfg Config) (*JobWorker, error) {
	if cfg.Jobs == nil || cfg.Tasks == nil || cfg.Worker == nil {
		return nil, apperrors.Configuration("job worker requires a job service, a task service and a worker")
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = DefaultJobTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Launcher == nil {
		cfg.Launcher = cloud.NewLauncher(cloud.LauncherConfig{Logger: cfg.Logger})
	}

	w := &JobWorker{
		jobs:             cfg.Jobs,
		tasks:            cfg.Tasks,
		worker:           cfg.Worker,
		hosts:            cfg.Hosts,
		balancer:         cfg.Balancer,
		launcher:         cfg.Launcher,
		claimer:          cfg.Claimer,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		startTimeout:     cfg.StartTimeout,
		jobTimeout:       cfg.DefaultJobTimeout,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger.With("component", "jobworker"),
		tracer:           otel.Tracer("jobhost/jobworker"),
		now:              cfg.Clock,
	}
	if p, ok := cfg.Worker.(worker.Prober); ok {
		w.prober = p
	}
	if w.hosts != nil && w.balancer == nil {
		w.balancer = balancer.NewSequential(balancer.Config{
			Hosts:    w.hosts,
			Jobs:     w.jobs,
			Prober:   w.prober,
			Launcher: w.launcher,
			Logger:   cfg.Logger,
		})
	}
	return w, nil
}

// ExecutePending dispatches pending jobs in (priority, requested) order.
// Failures are isolated per job, so a job whose host group cannot be
// resolved stays pending without holding back the others. Consistency
// errors stop the sweep.
func (w *JobWorker) ExecutePending(ctx context.Context) (err error) {
	ctx, span := w.startSweep(ctx, "ExecutePending")
	defer func() { endSpan(span, err) }()

	pending, err := w.jobs.Query(ctx, job.Filter{Statuses: []job.Status{job.StatusPending}})
	if err != nil {
		return err
	}
	sortByPriority(pending)
	span.SetAttributes(attribute.Int("jobs.pending", len(pending)))

	var errs []error
	for _, j := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if fatal := w.isolate(j.ID, w.dispatch(ctx, j), &errs); fatal != nil {
			return errors.Join(append(errs, fatal)...)
		}
	}
	return errors.Join(errs...)
}

// dispatch claims j before a host is chosen, so a job another process
// holds never moves the round-robin rotation. The claim is released when
// the job stays pending.
func (w *JobWorker) dispatch(ctx context.Context, j *job.Job) error {
	if w.claimer != nil {
		ok, err := w.claimer.Claim(ctx, j.ID)
		if err != nil {
			return err
		}
		if !ok {
			w.logger.Debug("Job claimed by another worker", "jobId", j.ID)
			w.record(ctx, OutcomeClaimed)
			return nil
		}
	}

	started, err := w.place(ctx, j)
	if !started && w.claimer != nil {
		if rerr := w.claimer.Release(ctx, j.ID); rerr != nil {
			w.logger.Warn("Failed to release claim", "jobId", j.ID, "error", rerr)
		}
	}
	return err
}

// place selects a host for j and hands it to the worker. It reports
// whether the job left Pending.
func (w *JobWorker) place(ctx context.Context, j *job.Job) (bool, error) {
	logger := w.logger.With("jobId", j.ID)

	t, err := w.tasks.Get(ctx, j.TaskID)
	if errors.Is(err, apperrors.ErrNotFound) {
		w.record(ctx, OutcomeFailed)
		return false, w.fail(ctx, j.ID, fmt.Sprintf("task %s no longer exists", j.TaskID))
	}
	if err != nil {
		return false, err
	}

	if w.hosts == nil {
		return w.execute(ctx, j, t, "")
	}

	group := j.HostGroup
	if group == "" {
		group = t.HostGroup
	}
	group, err = w.hosts.ResolveGroup(ctx, group)
	if errors.Is(err, apperrors.ErrNotFound) {
		w.record(ctx, OutcomeFailed)
		return false, w.fail(ctx, j.ID, err.Error())
	}
	if err != nil {
		return false, err
	}

	var h *host.Host
	if j.HostID != "" {
		h, err = w.hosts.Get(ctx, j.HostID)
		if errors.Is(err, apperrors.ErrNotFound) {
			logger.Warn("Assigned host no longer exists, selecting another", "hostId", j.HostID)
			h = nil
		} else if err != nil {
			return false, err
		}
	}
	if h == nil {
		h, err = w.balancer.GetHost(ctx, j.ID, group)
		if err != nil {
			return false, err
		}
		if h == nil {
			logger.Debug("No host available")
			w.record(ctx, OutcomeRejected)
			return false, w.reject(ctx, j.ID, "")
		}
	}

	inst, err := w.hosts.Instance(h)
	if err != nil {
		return false, err
	}
	if inst != nil {
		status, err := inst.Status(ctx)
		if err != nil {
			logger.Warn("Failed to read cloud instance status", "hostId", h.ID, "error", err)
			status = cloud.StatusUnknown
		}
		if status != cloud.StatusRunning && !w.reachable(ctx, h.ID) {
			if status == cloud.StatusStopped {
				w.launcher.Start(h.ID, inst)
			}
			logger.Info("Waiting for cloud host", "hostId", h.ID, "cloudStatus", status)
			w.record(ctx, OutcomeWaiting)
			return false, w.reject(ctx, j.ID, h.ID)
		}
	}

	return w.execute(ctx, j, t, h.ID)
}

func (w *JobWorker) execute(ctx context.Context, j *job.Job, t *task.Task, hostID string) (bool, error) {
	logger := w.logger.With("jobId", j.ID, "hostId", hostID)

	if _, err := w.update(ctx, j.ID, job.StatusStarting, job.WithHost(hostID)); err != nil {
		return false, err
	}

	if err := w.worker.Execute(ctx, j.ID, t, j.Parameters, hostID); err != nil {
		logger.Error("Dispatch failed", "error", err)
		w.record(ctx, OutcomeFailed)
		return true, w.fail(ctx, j.ID, fmt.Sprintf("dispatch failed: %v", err))
	}

	logger.Info("Job dispatched", "taskId", t.ID)
	w.record(ctx, OutcomeDispatched)
	return true, nil
}

// Cancel forwards the oldest cancellation request. A job whose heartbeat is
// missing or stale is marked cancelled right away; otherwise the worker's
// callback confirms the cancellation.
func (w *JobWorker) Cancel(ctx context.Context) (err error) {
	ctx, span := w.startSweep(ctx, "Cancel")
	defer func() { endSpan(span, err) }()

	requested, err := w.jobs.Query(ctx, job.Filter{Statuses: []job.Status{job.StatusCancel}})
	if err != nil || len(requested) == 0 {
		return err
	}
	j := requested[0]
	logger := w.logger.With("jobId", j.ID, "hostId", j.HostID)
	span.SetAttributes(attribute.String("job.id", j.ID))

	if w.heartbeatStale(j) {
		if err := w.worker.Cancel(ctx, j.ID, j.HostID); err != nil {
			logger.Warn("Best-effort cancel failed", "error", err)
		}
		_, err := w.update(ctx, j.ID, job.StatusCancelled, job.ClearProgress(), job.WithMessage("cancelled without confirmation, job is unreachable"))
		if err == nil {
			logger.Info("Unreachable job cancelled")
			w.stopIdleInstances(ctx)
		}
		return err
	}

	if err := w.worker.Cancel(ctx, j.ID, j.HostID); err != nil {
		return fmt.Errorf("forward cancel for job %s: %w", j.ID, err)
	}
	logger.Info("Cancellation forwarded")
	return nil
}

// CleanLongRunningJobs forces jobs running longer than their task timeout
// (or the default job timeout) to error after asking the worker to cancel.
func (w *JobWorker) CleanLongRunningJobs(ctx context.Context) (err error) {
	return w.sweepInProgress(ctx, "CleanLongRunningJobs", func(ctx context.Context, j *job.Job) error {
		limit := w.jobTimeout
		t, err := w.tasks.Get(ctx, j.TaskID)
		switch {
		case err == nil && t.Timeout > 0:
			limit = t.Timeout
		case err != nil && !errors.Is(err, apperrors.ErrNotFound):
			return err
		}
		if w.now().Sub(j.RunningSince()) <= limit {
			return nil
		}

		if err := w.worker.Cancel(ctx, j.ID, j.HostID); err != nil {
			w.logger.Warn("Cancel of overrunning job failed", "jobId", j.ID, "error", err)
		}
		_, err = w.update(ctx, j.ID, job.StatusError, job.WithMessage(fmt.Sprintf("job exceeded its timeout of %s", limit)))
		return err
	})
}

// CleanNotStartedJobs forces jobs whose host never confirmed the start to
// error.
func (w *JobWorker) CleanNotStartedJobs(ctx context.Context) (err error) {
	ctx, span := w.startSweep(ctx, "CleanNotStartedJobs")
	defer func() { endSpan(span, err) }()

	starting, err := w.jobs.Query(ctx, job.Filter{Statuses: []job.Status{job.StatusStarting}})
	if err != nil {
		return err
	}

	var errs []error
	for _, j := range starting {
		since := j.Requested
		if j.Starting != nil {
			since = *j.Starting
		}
		if w.now().Sub(since) <= w.startTimeout {
			continue
		}
		_, err := w.update(ctx, j.ID, job.StatusError, job.WithMessage(fmt.Sprintf("host %s did not start the job within %s", j.HostID, w.startTimeout)))
		if fatal := w.isolate(j.ID, err, &errs); fatal != nil {
			return errors.Join(append(errs, fatal)...)
		}
	}
	return errors.Join(errs...)
}

// MonitorInProgressHeartbeat forces running jobs with a missing or stale
// heartbeat to error and raises a heartbeat notification for each.
func (w *JobWorker) MonitorInProgressHeartbeat(ctx context.Context) (err error) {
	return w.sweepInProgress(ctx, "MonitorInProgressHeartbeat", func(ctx context.Context, j *job.Job) error {
		if !w.heartbeatStale(j) {
			return nil
		}
		updated, err := w.update(ctx, j.ID, job.StatusError, job.WithMessage(fmt.Sprintf("no heartbeat for more than %s", w.heartbeatTimeout)))
		if err != nil {
			return err
		}
		w.logger.Warn("Job heartbeat lost", "jobId", j.ID, "hostId", j.HostID)
		w.jobs.NotifyHeartbeatThresholdPassed(ctx, updated)
		return nil
	})
}

// MonitorTimeouts times out running jobs that passed their workflow
// timeout, taken from the job's WorkflowTimeout parameter or else the task.
func (w *JobWorker) MonitorTimeouts(ctx context.Context) (err error) {
	return w.sweepInProgress(ctx, "MonitorTimeouts", func(ctx context.Context, j *job.Job) error {
		limit, err := w.workflowTimeout(ctx, j)
		if err != nil || limit <= 0 {
			return err
		}
		if w.now().Sub(j.RunningSince()) <= limit {
			return nil
		}

		if _, err := w.update(ctx, j.ID, job.StatusTimedOut, job.WithMessage(fmt.Sprintf("workflow timeout of %s exceeded", limit))); err != nil {
			return err
		}
		if err := w.worker.Timeout(ctx, j.ID, j.HostID); err != nil {
			w.logger.Warn("Worker timeout request failed", "jobId", j.ID, "error", err)
		}
		return nil
	})
}

func (w *JobWorker) workflowTimeout(ctx context.Context, j *job.Job) (time.Duration, error) {
	if raw, ok := j.Parameters[job.WorkflowTimeoutParameter]; ok {
		d, err := job.ParseWorkflowTimeout(raw)
		if err != nil {
			return 0, apperrors.Validation("parameters", err.Error())
		}
		if d > 0 {
			return d, nil
		}
	}
	t, err := w.tasks.Get(ctx, j.TaskID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return t.WorkflowTimeout, nil
}

// sweepInProgress applies fn to every in-progress job.
func (w *JobWorker) sweepInProgress(ctx context.Context, name string, fn func(context.Context, *job.Job) error) (err error) {
	ctx, span := w.startSweep(ctx, name)
	defer func() { endSpan(span, err) }()

	running, err := w.jobs.Query(ctx, job.Filter{Statuses: []job.Status{job.StatusInProgress}})
	if err != nil {
		return err
	}

	var errs []error
	for _, j := range running {
		if fatal := w.isolate(j.ID, fn(ctx, j), &errs); fatal != nil {
			return errors.Join(append(errs, fatal)...)
		}
	}
	return errors.Join(errs...)
}

// heartbeatStale reports whether j's workload should be presumed dead. A
// running job that never sent a heartbeat gets the timeout as grace period
// from its start.
func (w *JobWorker) heartbeatStale(j *job.Job) bool {
	switch {
	case j.Heartbeat != nil:
		return w.now().Sub(*j.Heartbeat) > w.heartbeatTimeout
	case j.Status == job.StatusInProgress:
		return w.now().Sub(j.RunningSince()) > w.heartbeatTimeout
	default:
		return true
	}
}

func (w *JobWorker) reachable(ctx context.Context, hostID string) bool {
	if w.prober == nil {
		return true
	}
	return w.prober.IsHostAvailable(ctx, hostID)
}

// update applies a status change. A job that disappeared from the store is
// reported as an inconsistency.
func (w *JobWorker) update(ctx context.Context, id string, status job.Status, opts ...job.StatusOption) (*job.Job, error) {
	j, err := w.jobs.UpdateStatus(ctx, id, status, opts...)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.Inconsistent("jobworker.update", err)
	}
	return j, err
}

func (w *JobWorker) fail(ctx context.Context, id, msg string) error {
	_, err := w.update(ctx, id, job.StatusError, job.WithMessage(msg))
	return err
}

func (w *JobWorker) reject(ctx context.Context, id, hostID string) error {
	err := w.jobs.MarkRejected(ctx, id, hostID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.Inconsistent("jobworker.reject", err)
	}
	return err
}

// isolate logs a per-job failure and collects it. Fatal errors are returned
// so the caller can stop. A job that changed state since it was listed is
// skipped silently.
func (w *JobWorker) isolate(jobID string, err error, errs *[]error) error {
	switch {
	case err == nil:
		return nil
	case apperrors.IsFatal(err):
		w.logger.Error("Sweep aborted", "jobId", jobID, "error", err)
		return err
	case errors.Is(err, apperrors.ErrInvalidState):
		w.logger.Debug("Job changed during sweep", "jobId", jobID, "error", err)
		return nil
	case errors.Is(err, apperrors.ErrConfiguration):
		w.logger.Error("Job skipped, configuration error", "jobId", jobID, "error", err)
		*errs = append(*errs, fmt.Errorf("job %s: %w", jobID, err))
		return nil
	default:
		w.logger.Error("Job processing failed", "jobId", jobID, "error", err)
		*errs = append(*errs, fmt.Errorf("job %s: %w", jobID, err))
		return nil
	}
}

func (w *JobWorker) record(ctx context.Context, outcome string) {
	if w.metrics != nil {
		w.metrics.RecordDispatch(ctx, outcome)
	}
}

func (w *JobWorker) startSweep(ctx context.Context, name string) (context.Context, trace.Span) {
	return w.tracer.Start(ctx, "jobworker."+name, trace.WithAttributes(attribute.String("sweep", name)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
