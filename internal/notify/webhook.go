// Package notify publishes job changes as CloudEvents to webhook endpoints.
// Events are queued in a bounded buffer and delivered by a worker pool with
// retry and a circuit breaker per destination host.
package notify

import (
	"context"
	"errors"
	"fmt"
	"jobhost/internal/job"
	"jobhost/pkg/backoff"
	"jobhost/pkg/circuitbreaker"
	"jobhost/pkg/cloudevent"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Event types
const (
	TypeJobUpdated               = "jobhost.job.updated"
	TypeJobsRemoved              = "jobhost.jobs.removed"
	TypeHeartbeatThresholdPassed = "jobhost.job.heartbeat_threshold_passed"
)

// ErrBufferFull is returned when an event is dropped because the queue is full.
var ErrBufferFull = errors.New("notification buffer full, event dropped")

// Endpoint is one webhook destination.
type Endpoint struct {
	URL        string   `mapstructure:"url"`
	SigningKey string   `mapstructure:"signing_key"`
	Types      []string `mapstructure:"types"` // empty: every type
}

func (e Endpoint) accepts(eventType string) bool {
	return len(e.Types) == 0 || slices.Contains(e.Types, eventType)
}

// Config configures a Webhook notifier.
type Config struct {
	Endpoints   []Endpoint    `mapstructure:"endpoints"`
	Source      string        `mapstructure:"source"`       // default: "jobhost"
	BufferSize  int           `mapstructure:"buffer_size"`  // default: 1000
	Workers     int           `mapstructure:"workers"`      // default: 4
	HTTPTimeout time.Duration `mapstructure:"http_timeout"` // default: 10s

	Retry   backoff.Config        `mapstructure:"-"`
	Breaker circuitbreaker.Config `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "jobhost"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 4
	}
	return c
}

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordNotificationDelivered(ctx context.Context, eventType string, durationSeconds float64)
	RecordNotificationFailed(ctx context.Context, eventType string)
	RecordNotificationDropped(ctx context.Context, eventType string)
}

// Stats holds delivery counters.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	BreakersOpen int
}

type delivery struct {
	event    *cloudevent.CloudEvent
	endpoint Endpoint
}

// Webhook is a job.Notifier that posts CloudEvents to the configured
// endpoints. Notification never blocks the caller.
type Webhook struct {
	cfg      Config
	queue    chan delivery
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	metrics  MetricsRecorder
	logger   *slog.Logger
	now      func() time.Time

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewWebhook starts a notifier with cfg.Workers delivery goroutines.
func NewWebhook(cfg Config, metrics MetricsRecorder, logger *slog.Logger) *Webhook {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(key string, from, to circuitbreaker.State) {
		logger.Info("Webhook circuit changed", "destination", key, "from", from.String(), "to", to.String())
	}

	w := &Webhook{
		cfg:      cfg,
		queue:    make(chan delivery, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(breakerCfg),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		shutdown: make(chan struct{}),
	}

	w.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go w.worker()
	}
	w.logger.Info("Notifier started", "endpoints", len(cfg.Endpoints), "workers", cfg.Workers)
	return w
}

// Updated publishes a job.updated event.
func (w *Webhook) Updated(ctx context.Context, j *job.Job) {
	w.publish(ctx, TypeJobUpdated, j.ID, j)
}

// Removed publishes a jobs.removed event listing the removed ids.
func (w *Webhook) Removed(ctx context.Context, jobs []*job.Job) {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	w.publish(ctx, TypeJobsRemoved, "", map[string]any{"jobIds": ids})
}

// HeartbeatThresholdPassed publishes a heartbeat alert for j.
func (w *Webhook) HeartbeatThresholdPassed(ctx context.Context, j *job.Job) {
	w.publish(ctx, TypeHeartbeatThresholdPassed, j.ID, j)
}

func (w *Webhook) publish(ctx context.Context, eventType, subject string, data any) {
	for _, ep := range w.cfg.Endpoints {
		if !ep.accepts(eventType) {
			continue
		}
		ev := cloudevent.New(eventType, w.cfg.Source, subject, w.now(), data)
		if err := w.enqueue(ctx, delivery{event: ev, endpoint: ep}); err != nil {
			w.logger.Warn("Notification not queued", "type", eventType, "destination", destination(ep.URL), "error", err)
		}
	}
}

func (w *Webhook) enqueue(ctx context.Context, d delivery) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return fmt.Errorf("notifier is closed")
	}

	select {
	case w.queue <- d:
		w.queued.Add(1)
		return nil
	default:
		w.dropped.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotificationDropped(ctx, d.event.Type)
		}
		return ErrBufferFull
	}
}

// Stats returns current delivery counters.
func (w *Webhook) Stats() Stats {
	return Stats{
		QueueDepth:   len(w.queue),
		Queued:       w.queued.Load(),
		Delivered:    w.delivered.Load(),
		Failed:       w.failed.Load(),
		Dropped:      w.dropped.Load(),
		BreakersOpen: w.breakers.Stats().Open,
	}
}

// Close stops accepting events and waits for queued ones to be delivered
// until ctx is done.
func (w *Webhook) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.logger.Info("Notifier shutting down", "queued", len(w.queue))
	close(w.shutdown)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Notifier shutdown complete",
			"delivered", w.delivered.Load(),
			"failed", w.failed.Load(),
			"dropped", w.dropped.Load(),
			"trippedDestinations", w.breakers.Stats().Tripped,
		)
		return nil
	case <-ctx.Done():
		w.logger.Warn("Notifier shutdown timed out", "remaining", len(w.queue))
		return ctx.Err()
	}
}

func (w *Webhook) worker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.shutdown:
			for {
				select {
				case d := <-w.queue:
					w.deliver(d)
				default:
					return
				}
			}
		case d := <-w.queue:
			w.deliver(d)
		}
	}
}

func (w *Webhook) deliver(d delivery) {
	host := destination(d.endpoint.URL)
	logger := w.logger.With("destination", host, "type", d.event.Type, "eventId", d.event.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 4*w.cfg.HTTPTimeout)
	defer cancel()

	start := time.Now()
	err := w.breakers.Get(host).Do(ctx, func(ctx context.Context) error {
		return backoff.Retry(ctx, &w.cfg.Retry, func(ctx context.Context) error {
			err := w.sender.Send(ctx, d.endpoint.URL, d.event, d.endpoint.SigningKey)
			if cloudevent.IsClientError(err) {
				return &backoff.Permanent{Err: err}
			}
			return err
		})
	})

	switch {
	case err == nil:
		w.delivered.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotificationDelivered(ctx, d.event.Type, time.Since(start).Seconds())
		}
	case errors.Is(err, circuitbreaker.ErrOpen):
		w.dropped.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotificationDropped(ctx, d.event.Type)
		}
		logger.Debug("Notification dropped, circuit open")
	default:
		w.failed.Add(1)
		if w.metrics != nil {
			w.metrics.RecordNotificationFailed(ctx, d.event.Type)
		}
		logger.Warn("Notification delivery failed", "error", err)
	}
}

// destination extracts the host from a URL for circuit breaker keying.
func destination(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ job.Notifier = (*Webhook)(nil)
