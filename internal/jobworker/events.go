package jobworker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"jobhost/internal/apperrors"
	"jobhost/internal/cloud"
	"jobhost/internal/job"
	"jobhost/internal/worker"
	"slices"
)

// Run consumes the worker's event stream until ctx is done or the stream
// closes. A consistency error stops the loop and is returned.
func (w *JobWorker) Run(ctx context.Context) error {
	events := w.worker.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				w.logger.Info("Worker event stream closed")
				return nil
			}
			if err := w.HandleEvent(ctx, ev); err != nil {
				if apperrors.IsFatal(err) {
					w.logger.Error("Stopping event loop", "jobId", ev.JobID, "event", ev.Kind, "error", err)
					return err
				}
				w.logger.Warn("Worker event not applied", "jobId", ev.JobID, "event", ev.Kind, "error", err)
			}
		}
	}
}

// HandleEvent applies one worker callback to the job it refers to. Events
// that no longer fit the job's state are logged and ignored; an event for a
// job missing from the store is an inconsistency error.
func (w *JobWorker) HandleEvent(ctx context.Context, ev worker.Event) error {
	logger := w.logger.With("jobId", ev.JobID, "hostId", ev.HostID, "event", ev.Kind)
	if w.metrics != nil {
		w.metrics.RecordWorkerEvent(ctx, string(ev.Kind))
	}

	var opts []job.StatusOption
	if ev.Message != "" {
		opts = append(opts, job.WithMessage(ev.Message))
	}

	var status job.Status
	switch ev.Kind {
	case worker.EventExecuting:
		status = job.StatusInProgress
	case worker.EventExecuted:
		status = ev.Status
		if status == "" {
			status = job.StatusCompleted
		}
		if !status.IsTerminal() {
			return apperrors.Validation("status", fmt.Sprintf("executed event carries non-terminal status %q", status))
		}
		opts = append(opts, job.ClearProgress())
	case worker.EventCancelling:
		status = job.StatusCancelling
	case worker.EventCancelled:
		status = job.StatusCancelled
		opts = append(opts, job.ClearProgress())
	case worker.EventProgressChanged:
		current, err := w.current(ctx, ev.JobID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			logger.Debug("Ignoring progress for finished job", "status", current.Status)
			return nil
		}
		status = current.Status
		if ev.Progress != nil {
			opts = append(opts, job.WithProgress(job.NewProgress(ev.Progress.Value, ev.Progress.Message)))
		}
	case worker.EventHostNotAvailable:
		status = job.StatusPending
		opts = append(opts, job.Requeue())
		if ev.Message == "" {
			opts = append(opts, job.WithMessage(fmt.Sprintf("host %s not available", ev.HostID)))
		}
	default:
		return apperrors.Validation("kind", fmt.Sprintf("unknown worker event %q", ev.Kind))
	}

	if status.IsTerminal() {
		// A job cancelled locally by the Cancel sweep is also reported by
		// the worker; the second report must not rewrite the record.
		current, err := w.current(ctx, ev.JobID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			logger.Debug("Ignoring event for finished job", "status", current.Status)
			return nil
		}
	}

	updated, err := w.update(ctx, ev.JobID, status, opts...)
	if errors.Is(err, apperrors.ErrInvalidState) {
		logger.Warn("Ignoring stale worker event", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	logger.Debug("Worker event applied", "status", updated.Status)

	if updated.Status.IsTerminal() {
		w.stopIdleInstances(ctx)
	}
	return nil
}

// current loads the job an event refers to. A missing job means the store
// and the worker disagree.
func (w *JobWorker) current(ctx context.Context, id string) (*job.Job, error) {
	j, err := w.jobs.Get(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.Inconsistent("jobworker.HandleEvent", err)
	}
	return j, err
}

// stopIdleInstances stops every running cloud instance once no job is left
// unfinished. Failures are logged only.
func (w *JobWorker) stopIdleInstances(ctx context.Context) {
	if w.hosts == nil {
		return
	}
	remaining, err := w.jobs.GetJobsNotFinished(ctx, "")
	if err != nil {
		w.logger.Warn("Failed to count unfinished jobs", "error", err)
		return
	}
	if len(remaining) > 0 {
		return
	}

	hosts, err := w.hosts.List(ctx)
	if err != nil {
		w.logger.Warn("Failed to list hosts", "error", err)
		return
	}
	for _, h := range hosts {
		inst, err := w.hosts.Instance(h)
		if err != nil {
			w.logger.Warn("Failed to resolve cloud instance", "hostId", h.ID, "error", err)
			continue
		}
		if inst == nil {
			continue
		}
		status, err := inst.Status(ctx)
		if err != nil {
			w.logger.Warn("Failed to read cloud instance status", "hostId", h.ID, "error", err)
			continue
		}
		if status == cloud.StatusRunning && w.launcher.Stop(h.ID, inst) {
			w.logger.Info("Stopping idle cloud instance", "hostId", h.ID)
		}
	}
}

// sortByPriority orders jobs by ascending priority, then by request time.
func sortByPriority(jobs []*job.Job) {
	slices.SortStableFunc(jobs, func(a, b *job.Job) int {
		return cmp.Or(
			cmp.Compare(a.Priority, b.Priority),
			a.Requested.Compare(b.Requested),
			cmp.Compare(a.ID, b.ID),
		)
	})
}
