// Package balancer picks the host a pending job should run on.
//
// Two strategies are provided. Sequential walks candidates in priority order
// and probes them one at a time. RoundRobin probes all candidates in
// parallel under a shared deadline and spreads work across equally
// prioritised hosts by least recent assignment.
//
// Both fall back to cloud-backed hosts that did not answer: a stopped
// instance is started in the background and returned optimistically, a
// starting one is returned as is. The job worker then keeps the job pending
// until the instance answers probes.
package balancer

import (
	"context"
	"fmt"
	"jobhost/internal/apperrors"
	"jobhost/internal/cloud"
	"jobhost/internal/host"
	"jobhost/internal/worker"
	"log/slog"
)

// LoadBalancer selects a host for a job. A nil host without an error means
// no host can take the job right now.
type LoadBalancer interface {
	GetHost(ctx context.Context, jobID, group string) (*host.Host, error)
}

// Hosts is the host registry view a balancer needs. *host.Service
// implements it.
type Hosts interface {
	ResolveGroup(ctx context.Context, group string) (string, error)
	Candidates(ctx context.Context, group string) ([]*host.Host, error)
	Instance(h *host.Host) (cloud.Instance, error)
}

// JobCounter counts unfinished jobs on a host. *job.Service implements it.
type JobCounter interface {
	CountNotFinished(ctx context.Context, hostID string) (int, error)
}

// Starter starts cloud instances without waiting. *cloud.Launcher
// implements it.
type Starter interface {
	Start(hostID string, inst cloud.Instance) bool
}

// MetricsRecorder is an optional interface for recording balancer metrics.
type MetricsRecorder interface {
	RecordHostSelection(ctx context.Context, strategy string, found bool)
}

// Config holds the collaborators shared by both strategies.
type Config struct {
	Hosts  Hosts      // required
	Jobs   JobCounter // required
	Prober worker.Prober
	// Launcher starts stopped cloud instances. Defaults to a cloud.Launcher
	// with default settings.
	Launcher Starter
	Metrics  MetricsRecorder
	Logger   *slog.Logger
}

// selector holds the steps both strategies share.
type selector struct {
	hosts    Hosts
	jobs     JobCounter
	prober   worker.Prober
	launcher Starter
	metrics  MetricsRecorder
	logger   *slog.Logger
}

func newSelector(cfg Config, strategy string) selector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	launcher := cfg.Launcher
	if launcher == nil {
		launcher = cloud.NewLauncher(cloud.LauncherConfig{Logger: logger})
	}
	return selector{
		hosts:    cfg.Hosts,
		jobs:     cfg.Jobs,
		prober:   cfg.Prober,
		launcher: launcher,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "balancer", "strategy", strategy),
	}
}

// candidates resolves group and lists its hosts by ascending priority.
func (s *selector) candidates(ctx context.Context, group string) ([]*host.Host, error) {
	group, err := s.hosts.ResolveGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	return s.hosts.Candidates(ctx, group)
}

// hasCapacity reports whether h runs fewer unfinished jobs than its limit.
func (s *selector) hasCapacity(ctx context.Context, h *host.Host) (bool, error) {
	n, err := s.jobs.CountNotFinished(ctx, h.ID)
	if err != nil {
		return false, err
	}
	return n < h.RunningJobsLimit, nil
}

// reachable probes a single host. Without a prober every host is reachable.
func (s *selector) reachable(ctx context.Context, h *host.Host) bool {
	if s.prober == nil {
		return true
	}
	return s.prober.IsHostAvailable(ctx, h.ID)
}

// cloudFallback returns the first unreachable cloud host that is stopped
// (after requesting a start) or already starting. Hosts without spare
// capacity, non-cloud hosts and instances that are running, stopping or in
// an unknown state are skipped.
func (s *selector) cloudFallback(ctx context.Context, jobID string, unreachable []*host.Host) (*host.Host, error) {
	for _, h := range unreachable {
		inst, err := s.hosts.Instance(h)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			continue
		}
		ok, err := s.hasCapacity(ctx, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		logger := s.logger.With("jobId", jobID, "hostId", h.ID)
		status, err := inst.Status(ctx)
		if err != nil {
			logger.Warn("Failed to read cloud instance status", "error", err)
			continue
		}

		switch status {
		case cloud.StatusRunning, cloud.StatusStopping, cloud.StatusUnknown:
			continue
		case cloud.StatusStopped:
			s.launcher.Start(h.ID, inst)
			logger.Info("Starting cloud instance for job")
			return h, nil
		case cloud.StatusStarting:
			logger.Debug("Waiting for cloud instance to start")
			return h, nil
		default:
			return nil, apperrors.Configuration(fmt.Sprintf("unsupported cloud instance status %q on host %s", status, h.ID))
		}
	}
	return nil, nil
}

func (s *selector) record(ctx context.Context, strategy string, h *host.Host) {
	if s.metrics != nil {
		s.metrics.RecordHostSelection(ctx, strategy, h != nil)
	}
}
