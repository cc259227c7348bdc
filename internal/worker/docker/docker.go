// Package docker is a worker that runs each job as a Docker container,
// either on the local daemon or on the daemon bound to the job's host, and
// reports container lifecycle changes as worker events.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"jobhost/internal/apperrors"
	"jobhost/internal/job"
	"jobhost/internal/task"
	"jobhost/internal/worker"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Container labels
const (
	labelManagedBy = "managed-by"
	managedBy      = "jobhost"
	labelJobID     = "jobhost.job-id"
	labelHostID    = "jobhost.host-id"
)

// MetricsRecorder is an optional interface for recording container runs.
type MetricsRecorder interface {
	RecordContainerRun(ctx context.Context, image string, success bool, durationSeconds float64)
}

// HeartbeatFunc records that a job's container is still running.
type HeartbeatFunc func(ctx context.Context, jobID string) error

// Config configures a Worker.
type Config struct {
	// Clients defaults to a fresh cache owned and closed by the worker.
	Clients *Clients
	// Endpoints maps host ids to daemon addresses. Other hosts and local
	// jobs use the local daemon.
	Endpoints map[string]string
	Network   string

	StopTimeout       time.Duration // grace period before SIGKILL (default: 10s)
	ProbeCache        time.Duration // reuse of a successful host probe (default: 5s)
	HeartbeatInterval time.Duration // default: 30s
	Heartbeat         HeartbeatFunc // optional
	EventBuffer       int           // default: 64

	Metrics MetricsRecorder
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.ProbeCache <= 0 {
		c.ProbeCache = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker implements worker.Worker and worker.Prober on Docker.
type Worker struct {
	cfg         Config
	clients     *Clients
	ownsClients bool
	events      *worker.Emitter
	runs        *runs
	logger      *slog.Logger

	probeMu sync.Mutex
	probed  map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker. Call Reconcile to resume containers left by a
// previous process.
func New(cfg Config) *Worker {
	cfg = cfg.withDefaults()
	clients, owns := cfg.Clients, false
	if clients == nil {
		clients, owns = NewClients(), true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:         cfg,
		clients:     clients,
		ownsClients: owns,
		events:      worker.NewEmitter(cfg.EventBuffer),
		runs:        newRuns(),
		logger:      cfg.Logger.With("component", "docker-worker"),
		probed:      make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Events implements worker.Worker.
func (w *Worker) Events() <-chan worker.Event {
	return w.events.Events()
}

// Execute pulls the task image if needed, then creates and starts the job
// container. Completion is reported through Events.
func (w *Worker) Execute(ctx context.Context, jobID string, t *task.Task, params map[string]string, hostID string) error {
	if t.Image == "" {
		return apperrors.Validation("image", fmt.Sprintf("task %s has no container image", t.ID))
	}
	if err := w.runs.reserve(jobID); err != nil {
		return err
	}

	rn := &run{jobID: jobID, hostID: hostID, address: w.cfg.Endpoints[hostID], image: t.Image}
	logger := w.logger.With("jobId", jobID, "hostId", hostID)

	cli, err := w.clients.Get(rn.address)
	if err != nil {
		w.runs.release(jobID)
		return apperrors.Internal("docker.client", err)
	}

	// On failure, remove whatever was created and release the reservation
	success := false
	defer func() {
		if !success {
			w.removeContainer(context.WithoutCancel(ctx), cli, rn.containerID)
			w.runs.release(jobID)
		}
	}()

	// Pull with a detached context so a short sweep deadline doesn't abort it
	if err := w.pullImageIfNeeded(context.WithoutCancel(ctx), cli, t.Image); err != nil {
		return w.dispatchError(ctx, rn, "docker.pullImage", err)
	}

	if rn.containerID, err = w.createContainer(ctx, cli, rn, t, params); err != nil {
		return w.dispatchError(ctx, rn, "docker.createContainer", err)
	}
	if err := cli.ContainerStart(ctx, rn.containerID, container.StartOptions{}); err != nil {
		return w.dispatchError(ctx, rn, "docker.startContainer", err)
	}

	rn.started = time.Now()
	w.track(cli, rn)
	success = true

	logger.Info("Container started", "containerId", rn.containerID, "image", t.Image)
	w.events.Emit(ctx, worker.Event{Kind: worker.EventExecuting, JobID: jobID, HostID: hostID})
	return nil
}

// dispatchError reports a remote daemon that cannot be reached as
// HostNotAvailable so the job is requeued; other failures are returned.
func (w *Worker) dispatchError(ctx context.Context, rn *run, op string, err error) error {
	if rn.hostID != "" && client.IsErrConnectionFailed(err) {
		w.forgetProbe(rn.hostID)
		w.logger.Warn("Docker host not reachable", "jobId", rn.jobID, "hostId", rn.hostID, "error", err)
		w.events.Emit(ctx, worker.Event{
			Kind:    worker.EventHostNotAvailable,
			JobID:   rn.jobID,
			HostID:  rn.hostID,
			Message: fmt.Sprintf("docker host %s not reachable", rn.hostID),
		})
		return nil
	}
	return apperrors.Internal(op, err)
}

// track commits rn and starts its watcher.
func (w *Worker) track(cli *client.Client, rn *run) {
	w.runs.commit(rn.jobID, rn)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watch(w.ctx, cli, rn)
	}()
}

// finishDetached reports a container that exited while nobody watched it.
// Its event is emitted from a tracked goroutine, so Reconcile returns
// before the event stream has a subscriber.
func (w *Worker) finishDetached(cli *client.Client, rn *run, exitCode int, exitErr string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.finish(cli, rn, exitCode, exitErr)
	}()
}

// watch waits for the container to exit, sending heartbeats meanwhile.
func (w *Worker) watch(ctx context.Context, cli *client.Client, rn *run) {
	logger := w.logger.With("jobId", rn.jobID, "hostId", rn.hostID)

	var beat <-chan time.Time
	if w.cfg.Heartbeat != nil {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		beat = ticker.C
		w.heartbeat(ctx, logger, rn.jobID)
	}

	statusCh, errCh := cli.ContainerWait(ctx, rn.containerID, container.WaitConditionNotRunning)
	for {
		select {
		case <-ctx.Done():
			// Worker shutting down; the container keeps running and is
			// picked up again by Reconcile.
			return
		case <-beat:
			w.heartbeat(ctx, logger, rn.jobID)
		case err := <-errCh:
			if ctx.Err() != nil {
				return
			}
			// Leave the job to the heartbeat and long-running sweeps.
			w.runs.release(rn.jobID)
			logger.Error("Lost track of container", "containerId", rn.containerID, "error", err)
			return
		case resp := <-statusCh:
			var exitErr string
			if resp.Error != nil {
				exitErr = resp.Error.Message
			}
			w.finish(cli, rn, int(resp.StatusCode), exitErr)
			return
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, logger *slog.Logger, jobID string) {
	if err := w.cfg.Heartbeat(ctx, jobID); err != nil && ctx.Err() == nil {
		logger.Warn("Heartbeat failed", "error", err)
	}
}

// finish reports a container exit and removes the container.
func (w *Worker) finish(cli *client.Client, rn *run, exitCode int, exitErr string) {
	w.runs.release(rn.jobID)
	logger := w.logger.With("jobId", rn.jobID, "hostId", rn.hostID, "exitCode", exitCode)

	success := exitCode == 0 && exitErr == ""
	if w.cfg.Metrics != nil && !rn.started.IsZero() {
		w.cfg.Metrics.RecordContainerRun(w.ctx, rn.image, success, time.Since(rn.started).Seconds())
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.cfg.StopTimeout+10*time.Second)
	w.removeContainer(cleanupCtx, cli, rn.containerID)
	cancel()

	switch rn.stoppedBy() {
	case stopCancelled:
		logger.Info("Container cancelled")
		w.events.Emit(w.ctx, worker.Event{Kind: worker.EventCancelled, JobID: rn.jobID, HostID: rn.hostID})
	case stopTimedOut:
		// The job is already timed out.
		logger.Info("Container stopped after workflow timeout")
	default:
		status, msg := exitStatus(exitCode, exitErr)
		logger.Info("Container exited", "status", status)
		w.events.Emit(w.ctx, worker.Event{Kind: worker.EventExecuted, JobID: rn.jobID, HostID: rn.hostID, Status: status, Message: msg})
	}
}

// Cancel stops the job container. The Cancelled event follows once it has
// exited. A job without a container is reported cancelled right away.
func (w *Worker) Cancel(ctx context.Context, jobID, hostID string) error {
	return w.stop(ctx, jobID, hostID, stopCancelled)
}

// Timeout stops the job container after its workflow deadline passed.
func (w *Worker) Timeout(ctx context.Context, jobID, hostID string) error {
	return w.stop(ctx, jobID, hostID, stopTimedOut)
}

func (w *Worker) stop(ctx context.Context, jobID, hostID, reason string) error {
	rn, tracked := w.runs.get(jobID)
	if tracked && rn == nil {
		return apperrors.InvalidState("job", jobID, "container is still being created")
	}

	address := w.cfg.Endpoints[hostID]
	if tracked {
		address = rn.address
	}
	cli, err := w.clients.Get(address)
	if err != nil {
		return apperrors.Internal("docker.client", err)
	}

	if tracked {
		rn.markStopped(reason)
		if reason == stopCancelled {
			w.events.Emit(ctx, worker.Event{Kind: worker.EventCancelling, JobID: jobID, HostID: hostID})
		}
		if err := w.stopContainer(ctx, cli, rn.containerID); err != nil && !cerrdefs.IsNotFound(err) {
			return apperrors.Internal("docker.stopContainer", err)
		}
		return nil
	}

	// Not watched by this process: stop any leftover container by name.
	name := containerName(jobID)
	if err := w.stopContainer(ctx, cli, name); err != nil && !cerrdefs.IsNotFound(err) {
		return apperrors.Internal("docker.stopContainer", err)
	}
	w.removeContainer(ctx, cli, name)
	if reason == stopCancelled {
		w.events.Emit(ctx, worker.Event{Kind: worker.EventCancelled, JobID: jobID, HostID: hostID})
	}
	return nil
}

// IsHostAvailable pings the daemon bound to hostID. Successful probes are
// reused for Config.ProbeCache.
func (w *Worker) IsHostAvailable(ctx context.Context, hostID string) bool {
	w.probeMu.Lock()
	last, ok := w.probed[hostID]
	w.probeMu.Unlock()
	if ok && time.Since(last) < w.cfg.ProbeCache {
		return true
	}

	cli, err := w.clients.Get(w.cfg.Endpoints[hostID])
	if err != nil {
		return false
	}
	if _, err := cli.Ping(ctx); err != nil {
		w.logger.Debug("Docker host probe failed", "hostId", hostID, "error", err)
		w.forgetProbe(hostID)
		return false
	}

	w.probeMu.Lock()
	w.probed[hostID] = time.Now()
	w.probeMu.Unlock()
	return true
}

func (w *Worker) forgetProbe(hostID string) {
	w.probeMu.Lock()
	defer w.probeMu.Unlock()
	delete(w.probed, hostID)
}

// Ready checks if the local Docker daemon is reachable and responsive.
func (w *Worker) Ready(ctx context.Context) error {
	cli, err := w.clients.Get("")
	if err != nil {
		return err
	}
	_, err = cli.Ping(ctx)
	return err
}

// Reconcile scans every configured daemon for job containers. Running ones
// are watched again; exited ones are reported and removed in the
// background, so Reconcile may run before anything reads Events.
func (w *Worker) Reconcile(ctx context.Context) error {
	hosts := map[string]string{"": ""}
	for hostID, address := range w.cfg.Endpoints {
		hosts[address] = hostID
	}

	var errs []error
	for address := range hosts {
		if err := w.reconcileDaemon(ctx, address); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) reconcileDaemon(ctx context.Context, address string) error {
	logger := w.logger.With("daemon", address)

	cli, err := w.clients.Get(address)
	if err != nil {
		return err
	}
	containers, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy)),
	})
	if err != nil {
		return fmt.Errorf("list containers on %q: %w", address, err)
	}

	var resumed, finished int
	for _, c := range containers {
		jobID := c.Labels[labelJobID]
		if jobID == "" {
			continue
		}
		if err := w.runs.reserve(jobID); err != nil {
			continue
		}
		rn := &run{
			jobID:       jobID,
			hostID:      c.Labels[labelHostID],
			address:     address,
			image:       c.Image,
			containerID: c.ID,
		}

		if c.State == "running" {
			w.track(cli, rn)
			resumed++
			continue
		}

		inspect, err := cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			w.runs.release(jobID)
			logger.Warn("Failed to inspect container", "jobId", jobID, "error", err)
			continue
		}
		exitCode, exitErr := 0, ""
		if inspect.State != nil {
			exitCode, exitErr = inspect.State.ExitCode, inspect.State.Error
		}
		w.finishDetached(cli, rn, exitCode, exitErr)
		finished++
	}

	logger.Info("Reconciled job containers", "resumed", resumed, "finished", finished)
	return nil
}

// Close stops watching containers and closes the event stream. Running
// containers are left alone.
func (w *Worker) Close(ctx context.Context) error {
	w.logger.Info("Docker worker closing", "running", len(w.runs.list()))
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	w.events.Close()
	if w.ownsClients {
		err = errors.Join(err, w.clients.Close())
	}
	return err
}

func (w *Worker) createContainer(ctx context.Context, cli *client.Client, rn *run, t *task.Task, params map[string]string) (string, error) {
	containerConfig := &container.Config{
		Image: t.Image,
		Cmd:   t.Command,
		Env:   containerEnv(rn.jobID, t.ID, params),
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelJobID:     rn.jobID,
			labelHostID:    rn.hostID,
		},
	}

	hostConfig := &container.HostConfig{}
	if w.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(w.cfg.Network)
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(rn.jobID))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (w *Worker) pullImageIfNeeded(ctx context.Context, cli *client.Client, imageName string) error {
	_, err := cli.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (w *Worker) stopContainer(ctx context.Context, cli *client.Client, containerID string) error {
	timeout := int(w.cfg.StopTimeout.Seconds())
	return cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (w *Worker) removeContainer(ctx context.Context, cli *client.Client, containerID string) {
	if containerID == "" {
		return
	}
	if err := cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		w.logger.Warn("Failed to remove container", "containerId", containerID, "error", err)
	}
}

// exitStatus maps a container exit to the job's final status.
func exitStatus(exitCode int, exitErr string) (job.Status, string) {
	switch {
	case exitErr != "":
		return job.StatusError, fmt.Sprintf("container failed with code %d: %s", exitCode, exitErr)
	case exitCode != 0:
		return job.StatusError, fmt.Sprintf("container exited with code %d", exitCode)
	default:
		return job.StatusCompleted, ""
	}
}

// containerEnv passes job parameters as environment variables, sorted by name.
func containerEnv(jobID, taskID string, params map[string]string) []string {
	env := make([]string, 0, len(params)+2)
	env = append(env, "JOBHOST_JOB_ID="+jobID, "JOBHOST_TASK_ID="+taskID)
	for _, name := range slices.Sorted(maps.Keys(params)) {
		env = append(env, name+"="+params[name])
	}
	return env
}

// containerName derives a valid, stable container name from a job id.
func containerName(jobID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, jobID)
	return "jobhost-" + name
}

var (
	_ worker.Worker = (*Worker)(nil)
	_ worker.Prober = (*Worker)(nil)
)
