package observability

import (
	"jobhost/internal/balancer"
	"jobhost/internal/cloud"
	"jobhost/internal/job"
	"jobhost/internal/jobworker"
	"jobhost/internal/notify"
	"jobhost/internal/worker/docker"
)

var (
	_ job.MetricsRecorder       = (*Metrics)(nil)
	_ balancer.MetricsRecorder  = (*Metrics)(nil)
	_ jobworker.MetricsRecorder = (*Metrics)(nil)
	_ cloud.LauncherMetrics     = (*Metrics)(nil)
	_ docker.MetricsRecorder    = (*Metrics)(nil)
	_ notify.MetricsRecorder    = (*Metrics)(nil)
)
