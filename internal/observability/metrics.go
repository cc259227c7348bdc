package observability

import (
	"context"
	"jobhost/internal/job"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics. It implements the optional
// recorder interfaces of the job service, balancers, job worker, cloud
// launcher, container worker and notifier.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle
	JobsAdded        metric.Int64Counter
	JobTransitions   metric.Int64Counter
	JobDispatches    metric.Int64Counter
	WorkerEvents     metric.Int64Counter
	ContainerRuns    metric.Int64Counter
	ContainerRunTime metric.Float64Histogram

	// Orchestration
	HostSelections  metric.Int64Counter
	SweepDuration   metric.Float64Histogram
	SweepErrors     metric.Int64Counter
	CloudOperations metric.Int64Counter

	// Notifications (Latency, Traffic, Errors)
	NotificationDuration  metric.Float64Histogram
	NotificationDelivered metric.Int64Counter
	NotificationFailed    metric.Int64Counter
	NotificationDropped   metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobhost")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job lifecycle
	m.JobsAdded, err = meter.Int64Counter(
		"jobs_added_total",
		metric.WithDescription("Total number of jobs added"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobTransitions, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Total number of job status transitions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDispatches, err = meter.Int64Counter(
		"job_dispatches_total",
		metric.WithDescription("Dispatch attempts of pending jobs by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkerEvents, err = meter.Int64Counter(
		"worker_events_total",
		metric.WithDescription("Worker events handled by kind"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ContainerRuns, err = meter.Int64Counter(
		"container_runs_total",
		metric.WithDescription("Finished job containers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ContainerRunTime, err = meter.Float64Histogram(
		"container_run_duration_seconds",
		metric.WithDescription("Job container run time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	// Orchestration
	m.HostSelections, err = meter.Int64Counter(
		"host_selections_total",
		metric.WithDescription("Host selection attempts by strategy and result"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram(
		"sweep_duration_seconds",
		metric.WithDescription("Job worker sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepErrors, err = meter.Int64Counter(
		"sweep_errors_total",
		metric.WithDescription("Job worker sweeps that returned an error"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CloudOperations, err = meter.Int64Counter(
		"cloud_operations_total",
		metric.WithDescription("Cloud instance start and stop calls by result"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifications
	m.NotificationDuration, err = meter.Float64Histogram(
		"notification_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationDelivered, err = meter.Int64Counter(
		"notifications_delivered_total",
		metric.WithDescription("Total notifications successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationFailed, err = meter.Int64Counter(
		"notifications_failed_total",
		metric.WithDescription("Total notifications failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationDropped, err = meter.Int64Counter(
		"notifications_dropped_total",
		metric.WithDescription("Total notifications dropped (buffer full or circuit open)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobAdded records a new job being stored.
func (m *Metrics) RecordJobAdded(ctx context.Context, taskID string) {
	m.JobsAdded.Add(ctx, 1, metric.WithAttributes(taskAttr(taskID)))
}

// RecordJobTransition records a job status change.
func (m *Metrics) RecordJobTransition(ctx context.Context, from, to job.Status) {
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(fromAttr(string(from)), toAttr(string(to))))
}

// RecordDispatch records the outcome of one pending job dispatch attempt.
func (m *Metrics) RecordDispatch(ctx context.Context, outcome string) {
	m.JobDispatches.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordWorkerEvent records a handled worker event.
func (m *Metrics) RecordWorkerEvent(ctx context.Context, kind string) {
	m.WorkerEvents.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordSweep records a job worker sweep and whether it failed.
func (m *Metrics) RecordSweep(ctx context.Context, sweep string, durationSeconds float64, err error) {
	attrs := metric.WithAttributes(sweepAttr(sweep), successAttr(err == nil))
	m.SweepDuration.Record(ctx, durationSeconds, attrs)
	if err != nil {
		m.SweepErrors.Add(ctx, 1, metric.WithAttributes(sweepAttr(sweep)))
	}
}

// RecordHostSelection records a balancer decision.
func (m *Metrics) RecordHostSelection(ctx context.Context, strategy string, found bool) {
	m.HostSelections.Add(ctx, 1, metric.WithAttributes(strategyAttr(strategy), foundAttr(found)))
}

// RecordCloudOperation records a cloud instance start or stop.
func (m *Metrics) RecordCloudOperation(ctx context.Context, op string, err error) {
	m.CloudOperations.Add(ctx, 1, metric.WithAttributes(opAttr(op), successAttr(err == nil)))
}

// RecordContainerRun records a finished job container.
func (m *Metrics) RecordContainerRun(ctx context.Context, image string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(imageAttr(image), successAttr(success))
	m.ContainerRuns.Add(ctx, 1, attrs)
	m.ContainerRunTime.Record(ctx, durationSeconds, attrs)
}

// RecordNotificationDelivered records a successful webhook delivery with its duration.
func (m *Metrics) RecordNotificationDelivered(ctx context.Context, eventType string, durationSeconds float64) {
	attrs := metric.WithAttributes(eventTypeAttr(eventType))
	m.NotificationDelivered.Add(ctx, 1, attrs)
	m.NotificationDuration.Record(ctx, durationSeconds, attrs)
}

// RecordNotificationFailed records a failed webhook delivery.
func (m *Metrics) RecordNotificationFailed(ctx context.Context, eventType string) {
	m.NotificationFailed.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

// RecordNotificationDropped records a dropped notification.
func (m *Metrics) RecordNotificationDropped(ctx context.Context, eventType string) {
	m.NotificationDropped.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}
