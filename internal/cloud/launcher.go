package cloud

import (
	"context"
	"errors"
	"jobhost/pkg/backoff"
	"jobhost/pkg/circuitbreaker"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operation names used in logs and metrics.
const (
	OpStart = "start"
	OpStop  = "stop"
)

// LauncherMetrics is an optional interface for recording instance operations.
type LauncherMetrics interface {
	RecordCloudOperation(ctx context.Context, op string, err error)
}

// LauncherConfig configures a Launcher. Zero values use defaults.
type LauncherConfig struct {
	MinInterval time.Duration // minimum time between operations on one host (default: 30s)
	OpTimeout   time.Duration // per operation deadline including retries (default: 2m)
	Retry       backoff.Config
	Breaker     circuitbreaker.Config
	Metrics     LauncherMetrics
	Logger      *slog.Logger
}

func (c LauncherConfig) withDefaults() LauncherConfig {
	if c.MinInterval <= 0 {
		c.MinInterval = 30 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 2 * time.Minute
	}
	if c.Retry.Initial <= 0 {
		c.Retry.Initial = time.Second
	}
	if c.Retry.Max <= 0 {
		c.Retry.Max = 20 * time.Second
	}
	if c.Retry.Jitter <= 0 {
		c.Retry.Jitter = 0.2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Launcher runs instance Start and Stop calls in the background so callers
// never wait for a cloud provider. Operations on one host are rate limited,
// deduplicated while in flight, retried with backoff and guarded by a
// per-host circuit breaker.
type Launcher struct {
	cfg      LauncherConfig
	logger   *slog.Logger
	breakers *circuitbreaker.Registry

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	inflight map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLauncher creates a launcher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "cloud-launcher"),
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		limiters: make(map[string]*rate.Limiter),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start asks inst to start without waiting. It returns false when the call
// was skipped because one is in flight, the host is rate limited or its
// breaker is open.
func (l *Launcher) Start(hostID string, inst Instance) bool {
	return l.launch(OpStart, hostID, inst.Start)
}

// Stop asks inst to stop without waiting.
func (l *Launcher) Stop(hostID string, inst Instance) bool {
	return l.launch(OpStop, hostID, inst.Stop)
}

func (l *Launcher) launch(op, hostID string, fn func(context.Context) error) bool {
	key := op + ":" + hostID
	logger := l.logger.With("hostId", hostID, "op", op)

	if l.ctx.Err() != nil {
		return false
	}

	l.mu.Lock()
	if _, busy := l.inflight[key]; busy {
		l.mu.Unlock()
		logger.Debug("Cloud operation already in flight")
		return false
	}
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.cfg.MinInterval), 1)
		l.limiters[key] = lim
	}
	if !lim.Allow() {
		l.mu.Unlock()
		logger.Debug("Cloud operation rate limited")
		return false
	}
	breaker := l.breakers.Get(hostID)
	if !breaker.Allow() {
		l.mu.Unlock()
		logger.Warn("Cloud operation skipped, breaker open")
		return false
	}
	l.inflight[key] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.inflight, key)
			l.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(l.ctx, l.cfg.OpTimeout)
		defer cancel()

		start := time.Now()
		err := backoff.Retry(ctx, &l.cfg.Retry, fn)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.RecordCloudOperation(ctx, op, err)
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				breaker.RecordFailure()
			}
			logger.Error("Cloud operation failed", "error", err, "duration", time.Since(start))
			return
		}
		breaker.RecordSuccess()
		logger.Info("Cloud operation requested", "duration", time.Since(start))
	}()
	return true
}

// Wait blocks until all in-flight operations have finished.
func (l *Launcher) Wait() {
	l.wg.Wait()
}

// Close cancels in-flight operations and waits for them until ctx is done.
func (l *Launcher) Close(ctx context.Context) error {
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
