package jobworker

import (
	"context"
	"errors"
	"jobhost/internal/apperrors"
	"log/slog"
	"sync"
	"time"
)

// Sweep names, also used as metric labels.
const (
	SweepExecutePending   = "execute_pending"
	SweepCancel           = "cancel"
	SweepCleanLongRunning = "clean_long_running"
	SweepCleanNotStarted  = "clean_not_started"
	SweepHeartbeat        = "heartbeat"
	SweepTimeouts         = "timeouts"
)

// Intervals configures how often each sweep runs. A negative interval
// disables the sweep.
type Intervals struct {
	ExecutePending   time.Duration `mapstructure:"execute_pending"`    // default: 2s
	Cancel           time.Duration `mapstructure:"cancel"`             // default: 2s
	CleanLongRunning time.Duration `mapstructure:"clean_long_running"` // default: 1m
	CleanNotStarted  time.Duration `mapstructure:"clean_not_started"`  // default: 30s
	Heartbeat        time.Duration `mapstructure:"heartbeat"`          // default: 30s
	Timeouts         time.Duration `mapstructure:"timeouts"`           // default: 30s
}

func (i Intervals) withDefaults() Intervals {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&i.ExecutePending, 2*time.Second)
	def(&i.Cancel, 2*time.Second)
	def(&i.CleanLongRunning, time.Minute)
	def(&i.CleanNotStarted, 30*time.Second)
	def(&i.Heartbeat, 30*time.Second)
	def(&i.Timeouts, 30*time.Second)
	return i
}

// Scheduler runs the JobWorker sweeps periodically, each on its own
// goroutine so that a sweep never overlaps itself, and consumes the worker's
// event stream.
type Scheduler struct {
	worker    *JobWorker
	intervals Intervals
	logger    *slog.Logger
}

// NewScheduler creates a scheduler for w.
func NewScheduler(w *JobWorker, intervals Intervals) *Scheduler {
	return &Scheduler{
		worker:    w,
		intervals: intervals.withDefaults(),
		logger:    w.logger.With("subcomponent", "scheduler"),
	}
}

// Run blocks until parent is cancelled or a sweep hits a consistency
// error, in which case every loop is stopped and the error is returned.
// Other sweep errors, configuration errors included, are logged and the
// sweep runs again on its next tick.
func (s *Scheduler) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	sweeps := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{SweepExecutePending, s.intervals.ExecutePending, s.worker.ExecutePending},
		{SweepCancel, s.intervals.Cancel, s.worker.Cancel},
		{SweepCleanLongRunning, s.intervals.CleanLongRunning, s.worker.CleanLongRunningJobs},
		{SweepCleanNotStarted, s.intervals.CleanNotStarted, s.worker.CleanNotStartedJobs},
		{SweepHeartbeat, s.intervals.Heartbeat, s.worker.MonitorInProgressHeartbeat},
		{SweepTimeouts, s.intervals.Timeouts, s.worker.MonitorTimeouts},
	}

	var wg sync.WaitGroup
	for _, sw := range sweeps {
		if sw.interval < 0 {
			s.logger.Info("Sweep disabled", "sweep", sw.name)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, cancel, sw.name, sw.interval, sw.fn)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.worker.Run(ctx); err != nil {
			cancel(err)
		}
	}()

	s.logger.Info("Scheduler started")
	wg.Wait()

	if parent.Err() == nil {
		if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stop context.CancelCauseFunc, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := fn(ctx)
			if s.worker.metrics != nil {
				s.worker.metrics.RecordSweep(ctx, name, time.Since(start).Seconds(), err)
			}
			switch {
			case err == nil:
			case apperrors.IsFatal(err):
				s.logger.Error("Sweep failed, stopping scheduler", "sweep", name, "error", err)
				stop(err)
				return
			case ctx.Err() != nil:
				return
			default:
				s.logger.Warn("Sweep finished with errors", "sweep", name, "error", err)
			}
		}
	}
}
