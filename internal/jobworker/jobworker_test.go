package jobworker_test

import (
	"context"
	"errors"
	"jobhost/internal/apperrors"
	"jobhost/internal/balancer"
	"jobhost/internal/cloud"
	"jobhost/internal/host"
	"jobhost/internal/job"
	"jobhost/internal/jobworker"
	"jobhost/internal/store/memory"
	"jobhost/internal/task"
	"jobhost/internal/worker"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type call struct {
	jobID  string
	hostID string
}

// fakeWorker records calls and reports hosts in down as unreachable.
type fakeWorker struct {
	*worker.Emitter

	mu         sync.Mutex
	executed   []call
	cancelled  []call
	timedOut   []call
	down       map[string]bool
	executeErr error
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{Emitter: worker.NewEmitter(16), down: map[string]bool{}}
}

func (w *fakeWorker) Execute(_ context.Context, jobID string, _ *task.Task, _ map[string]string, hostID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executed = append(w.executed, call{jobID, hostID})
	return w.executeErr
}

func (w *fakeWorker) Cancel(_ context.Context, jobID, hostID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = append(w.cancelled, call{jobID, hostID})
	return nil
}

func (w *fakeWorker) Timeout(_ context.Context, jobID, hostID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timedOut = append(w.timedOut, call{jobID, hostID})
	return nil
}

func (w *fakeWorker) IsHostAvailable(_ context.Context, hostID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.down[hostID]
}

func (w *fakeWorker) setDown(hostID string, down bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.down[hostID] = down
}

func (w *fakeWorker) executions() []call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]call(nil), w.executed...)
}

type fakeInstance struct {
	mu     sync.Mutex
	status cloud.Status
}

func (f *fakeInstance) Start(context.Context) error { return nil }
func (f *fakeInstance) Stop(context.Context) error  { return nil }

func (f *fakeInstance) Status(context.Context) (cloud.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeInstance) set(s cloud.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

// pickFirst hands out host, or nothing when host is nil, and records the
// jobs it was asked about.
type pickFirst struct {
	mu    sync.Mutex
	host  *host.Host
	asked []string
}

func (b *pickFirst) GetHost(_ context.Context, jobID, _ string) (*host.Host, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.asked = append(b.asked, jobID)
	return b.host, nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (l *fakeLauncher) Start(hostID string, _ cloud.Instance) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, hostID)
	return true
}

func (l *fakeLauncher) Stop(hostID string, _ cloud.Instance) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = append(l.stopped, hostID)
	return true
}

type notifier struct {
	mu        sync.Mutex
	heartbeat []string
	updates   map[string]int
}

func (n *notifier) Updated(_ context.Context, j *job.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates[j.ID]++
}

func (n *notifier) Removed(context.Context, []*job.Job) {}

func (n *notifier) updateCount(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.updates[id]
}

func (n *notifier) HeartbeatThresholdPassed(_ context.Context, j *job.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.heartbeat = append(n.heartbeat, j.ID)
}

type metrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	events   map[string]int
	sweeps   map[string]int
}

func (m *metrics) RecordDispatch(_ context.Context, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *metrics) RecordWorkerEvent(_ context.Context, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[kind]++
}

func (m *metrics) RecordSweep(_ context.Context, sweep string, _ float64, _ error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps[sweep]++
}

func (m *metrics) sweepCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps[name]
}

type fixture struct {
	clock    *clock
	tasks    *memory.TaskRepository
	jobs     *job.Service
	worker   *fakeWorker
	launcher *fakeLauncher
	instance *fakeInstance
	notifier *notifier
	metrics  *metrics
	jw       *jobworker.JobWorker
}

type options struct {
	hosts    host.Repository
	claimer  jobworker.Claimer
	balancer balancer.LoadBalancer
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()

	f := &fixture{
		clock: &clock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
		tasks: memory.NewTaskRepository(
			&task.Task{ID: "build", Name: "Build", Parameters: []string{"ref"}, Timeout: time.Hour},
			&task.Task{ID: "report", Name: "Report", Timeout: 3 * time.Hour, WorkflowTimeout: time.Hour},
			&task.Task{ID: "gpu", Name: "GPU", HostGroup: "cpu"},
		),
		worker:   newFakeWorker(),
		launcher: &fakeLauncher{},
		instance: &fakeInstance{status: cloud.StatusStopped},
		notifier: &notifier{updates: map[string]int{}},
		metrics:  &metrics{outcomes: map[string]int{}, events: map[string]int{}, sweeps: map[string]int{}},
	}
	taskSvc := task.NewService(f.tasks)
	f.jobs = job.NewService(job.ServiceConfig{
		Repository: memory.NewJobRepository(),
		Tasks:      taskSvc,
		Notifier:   f.notifier,
		Clock:      f.clock.Now,
	})

	cfg := jobworker.Config{
		Jobs:     f.jobs,
		Tasks:    taskSvc,
		Worker:   f.worker,
		Launcher: f.launcher,
		Claimer:  opts.claimer,
		Balancer: opts.balancer,
		Metrics:  f.metrics,
		Clock:    f.clock.Now,
	}
	if opts.hosts != nil {
		registry := cloud.NewRegistry()
		registry.Register("fake", func(map[string]string) (cloud.Instance, error) { return f.instance, nil })
		cfg.Hosts = host.NewService(host.ServiceConfig{Repository: opts.hosts, CloudRegistry: registry})
	}

	jw, err := jobworker.New(cfg)
	require.NoError(t, err)
	f.jw = jw
	return f
}

func (f *fixture) add(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	added, err := f.jobs.Add(context.Background(), j)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return added
}

func (f *fixture) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (f *fixture) running(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	updated, err := f.jobs.UpdateStatus(context.Background(), j.ID, job.StatusInProgress, job.WithHost(j.HostID))
	require.NoError(t, err)
	return updated
}

func cloudHost(id string) *host.Host {
	return &host.Host{ID: id, Name: id, Priority: 1, RunningJobsLimit: 1, CloudInstanceType: "fake"}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := jobworker.New(jobworker.Config{})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestExecutePending_PriorityOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{})

	low := f.add(t, &job.Job{TaskID: "build", Priority: 5})
	high := f.add(t, &job.Job{TaskID: "build", Priority: 1})
	mid := f.add(t, &job.Job{TaskID: "build", Priority: 3})
	highLater := f.add(t, &job.Job{TaskID: "build", Priority: 1})

	require.NoError(t, f.jw.ExecutePending(context.Background()))

	var order []string
	for _, c := range f.worker.executions() {
		order = append(order, c.jobID)
		assert.Empty(t, c.hostID, "local execution")
	}
	assert.Equal(t, []string{high.ID, highLater.ID, mid.ID, low.ID}, order)

	got := f.get(t, high.ID)
	assert.Equal(t, job.StatusStarting, got.Status)
	assert.NotNil(t, got.Starting)
}

func TestExecutePending_SpreadsOverHostsWithinCapacity(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{hosts: memory.NewHostRepository(
		&host.Host{ID: "a", Name: "a", Priority: 1, RunningJobsLimit: 1},
		&host.Host{ID: "b", Name: "b", Priority: 2, RunningJobsLimit: 1},
	)})

	j1 := f.add(t, &job.Job{TaskID: "build"})
	j2 := f.add(t, &job.Job{TaskID: "build"})
	j3 := f.add(t, &job.Job{TaskID: "build"})

	require.NoError(t, f.jw.ExecutePending(context.Background()))

	assert.Equal(t, []call{{j1.ID, "a"}, {j2.ID, "b"}}, f.worker.executions())
	assert.Equal(t, "a", f.get(t, j1.ID).HostID)
	assert.Equal(t, "b", f.get(t, j2.ID).HostID)

	rejected := f.get(t, j3.ID)
	assert.Equal(t, job.StatusPending, rejected.Status)
	assert.NotNil(t, rejected.Rejected)
	assert.Empty(t, rejected.HostID)
	assert.Equal(t, 2, f.metrics.outcomes[jobworker.OutcomeDispatched])
	assert.Equal(t, 1, f.metrics.outcomes[jobworker.OutcomeRejected])

	// A second sweep must not exceed the limits either.
	require.NoError(t, f.jw.ExecutePending(context.Background()))
	assert.Len(t, f.worker.executions(), 2)
}

func TestExecutePending_CapacityNeverExceeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{hosts: memory.NewHostRepository(
		&host.Host{ID: "a", Name: "a", Priority: 1, RunningJobsLimit: 2},
	)})
	for range 5 {
		f.add(t, &job.Job{TaskID: "build"})
	}

	for range 3 {
		require.NoError(t, f.jw.ExecutePending(context.Background()))
	}
	n, err := f.jobs.CountNotFinished(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.worker.executions(), 2)
}

func TestExecutePending_WaitsForStoppedCloudHost(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{hosts: memory.NewHostRepository(cloudHost("vm"))})
	f.worker.setDown("vm", true)

	j := f.add(t, &job.Job{TaskID: "build"})
	require.NoError(t, f.jw.ExecutePending(context.Background()))

	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, "vm", got.HostID, "job is pinned to the starting instance")
	assert.NotNil(t, got.Rejected)
	assert.Contains(t, f.launcher.started, "vm")
	assert.Empty(t, f.worker.executions())
	assert.Equal(t, 1, f.metrics.outcomes[jobworker.OutcomeWaiting])

	f.instance.set(cloud.StatusRunning)
	f.worker.setDown("vm", false)
	require.NoError(t, f.jw.ExecutePending(context.Background()))

	assert.Equal(t, []call{{j.ID, "vm"}}, f.worker.executions())
	assert.Equal(t, job.StatusStarting, f.get(t, j.ID).Status)
}

func TestExecutePending_Failures(t *testing.T) {
	t.Parallel()

	t.Run("task removed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, options{})
		j := f.add(t, &job.Job{TaskID: "report"})
		f.tasks.Delete("report")

		require.NoError(t, f.jw.ExecutePending(context.Background()))
		got := f.get(t, j.ID)
		assert.Equal(t, job.StatusError, got.Status)
		assert.Contains(t, got.StatusMessage, "report")
		assert.NotNil(t, got.Finished)
	})

	t.Run("unknown host group", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, options{hosts: memory.NewGroupedHostRepository(nil,
			&host.Host{ID: "c1", Name: "c1", Group: "cpu", RunningJobsLimit: 1},
		)})
		bad := f.add(t, &job.Job{TaskID: "build", HostGroup: "tpu"})
		good := f.add(t, &job.Job{TaskID: "gpu"})

		require.NoError(t, f.jw.ExecutePending(context.Background()))
		assert.Equal(t, job.StatusError, f.get(t, bad.ID).Status)
		assert.Equal(t, []call{{good.ID, "c1"}}, f.worker.executions(), "task default group is used")
	})

	t.Run("no host group", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, options{hosts: memory.NewGroupedHostRepository([]string{"cpu"},
			&host.Host{ID: "c1", Name: "c1", Group: "cpu", RunningJobsLimit: 1},
		)})
		unresolved := f.add(t, &job.Job{TaskID: "build", Priority: 0})
		good := f.add(t, &job.Job{TaskID: "gpu", Priority: 1})

		err := f.jw.ExecutePending(context.Background())
		assert.ErrorIs(t, err, apperrors.ErrConfiguration)
		assert.False(t, apperrors.IsFatal(err))
		assert.Equal(t, job.StatusPending, f.get(t, unresolved.ID).Status)
		assert.Equal(t, []call{{good.ID, "c1"}}, f.worker.executions())
	})

	t.Run("worker refuses", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, options{})
		f.worker.executeErr = errors.New("connection refused")
		j := f.add(t, &job.Job{TaskID: "build"})

		require.NoError(t, f.jw.ExecutePending(context.Background()))
		got := f.get(t, j.ID)
		assert.Equal(t, job.StatusError, got.Status)
		assert.Contains(t, got.StatusMessage, "connection refused")
	})
}

func TestExecutePending_SkipsClaimedJobs(t *testing.T) {
	t.Parallel()
	claimer := memory.NewClaimer(time.Minute)
	f := newFixture(t, options{claimer: claimer})

	j := f.add(t, &job.Job{TaskID: "build"})
	ok, err := claimer.Claim(context.Background(), j.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.jw.ExecutePending(context.Background()))
	assert.Empty(t, f.worker.executions())
	assert.Equal(t, job.StatusPending, f.get(t, j.ID).Status)
	assert.Equal(t, 1, f.metrics.outcomes[jobworker.OutcomeClaimed])
}

func TestExecutePending_ClaimsBeforeSelectingHost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	claimer := memory.NewClaimer(time.Minute)
	a := &host.Host{ID: "a", Name: "a", RunningJobsLimit: 1}
	lb := &pickFirst{}
	f := newFixture(t, options{hosts: memory.NewHostRepository(a), claimer: claimer, balancer: lb})

	held := f.add(t, &job.Job{TaskID: "build", Priority: 0})
	ok, err := claimer.Claim(ctx, held.ID)
	require.NoError(t, err)
	require.True(t, ok)
	waiting := f.add(t, &job.Job{TaskID: "build", Priority: 1})

	require.NoError(t, f.jw.ExecutePending(ctx))
	assert.Equal(t, []string{waiting.ID}, lb.asked, "a job held elsewhere never reaches the balancer")
	assert.Equal(t, job.StatusPending, f.get(t, waiting.ID).Status)

	ok, err = claimer.Claim(ctx, waiting.ID)
	require.NoError(t, err)
	assert.True(t, ok, "claim is released when no host was found")
	require.NoError(t, claimer.Release(ctx, waiting.ID))

	lb.mu.Lock()
	lb.host = a
	lb.mu.Unlock()
	require.NoError(t, f.jw.ExecutePending(ctx))
	assert.Equal(t, []call{{waiting.ID, "a"}}, f.worker.executions())
	ok, err = claimer.Claim(ctx, waiting.ID)
	require.NoError(t, err)
	assert.False(t, ok, "claim is kept once the job is dispatched")
}

func TestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unreachable job is cancelled directly", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, options{})
		j := f.add(t, &job.Job{TaskID: "build"})
		_, err := f.jobs.RequestCancel(ctx, j.ID)
		require.NoError(t, err)

		require.NoError(t, f.jw.Cancel(ctx))
		got := f.get(t, j.ID)
		assert.Equal(t, job.StatusCancelled, got.Status)
		assert.NotEmpty(t, got.StatusMessage)
		assert.Nil(t, got.Progress)
		updates := f.notifier.updateCount(j.ID)

		// The worker reports the same cancellation for a job it never ran.
		require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventCancelled, JobID: j.ID}))
		require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventExecuted, JobID: j.ID}))
		after := f.get(t, j.ID)
		assert.Equal(t, job.StatusCancelled, after.Status)
		assert.Equal(t, got.StatusMessage, after.StatusMessage)
		assert.Equal(t, updates, f.notifier.updateCount(j.ID), "no second write")
	})

	t.Run("live job is forwarded to the worker", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, options{})
		j := f.running(t, f.add(t, &job.Job{TaskID: "build"}))
		require.NoError(t, f.jobs.UpdateHeartbeat(ctx, j.ID))
		_, err := f.jobs.RequestCancel(ctx, j.ID)
		require.NoError(t, err)

		require.NoError(t, f.jw.Cancel(ctx))
		assert.Equal(t, job.StatusCancel, f.get(t, j.ID).Status, "waits for the worker's confirmation")
		assert.Equal(t, []call{{j.ID, ""}}, f.worker.cancelled)

		require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventCancelling, JobID: j.ID}))
		assert.Equal(t, job.StatusCancelling, f.get(t, j.ID).Status)
		require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventCancelled, JobID: j.ID}))
		got := f.get(t, j.ID)
		assert.Equal(t, job.StatusCancelled, got.Status)
		assert.NotNil(t, got.Finished)
	})

	t.Run("nothing requested", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, options{})
		f.add(t, &job.Job{TaskID: "build"})
		require.NoError(t, f.jw.Cancel(ctx))
		assert.Empty(t, f.worker.cancelled)
	})
}

func TestCleanLongRunningJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})

	short := f.running(t, f.add(t, &job.Job{TaskID: "build"})) // 1h timeout
	long := f.running(t, f.add(t, &job.Job{TaskID: "report"})) // 3h timeout
	f.clock.Advance(2 * time.Hour)

	require.NoError(t, f.jw.CleanLongRunningJobs(ctx))

	got := f.get(t, short.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Contains(t, got.StatusMessage, "1h0m0s")
	assert.Equal(t, []call{{short.ID, ""}}, f.worker.cancelled)
	assert.Equal(t, job.StatusInProgress, f.get(t, long.ID).Status)
}

func TestCleanNotStartedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})

	stuck := f.add(t, &job.Job{TaskID: "build"})
	require.NoError(t, f.jw.ExecutePending(ctx))
	f.clock.Advance(jobworker.DefaultStartTimeout + time.Second)
	fresh := f.add(t, &job.Job{TaskID: "build"})
	require.NoError(t, f.jw.ExecutePending(ctx))

	require.NoError(t, f.jw.CleanNotStartedJobs(ctx))
	assert.Equal(t, job.StatusError, f.get(t, stuck.ID).Status)
	assert.Equal(t, job.StatusStarting, f.get(t, fresh.ID).Status)
}

func TestMonitorInProgressHeartbeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})

	stale := f.running(t, f.add(t, &job.Job{TaskID: "build"}))
	require.NoError(t, f.jobs.UpdateHeartbeat(ctx, stale.ID))
	silent := f.running(t, f.add(t, &job.Job{TaskID: "build"}))
	f.clock.Advance(jobworker.DefaultHeartbeatTimeout + time.Minute)

	alive := f.running(t, f.add(t, &job.Job{TaskID: "build"}))
	require.NoError(t, f.jobs.UpdateHeartbeat(ctx, alive.ID))

	require.NoError(t, f.jw.MonitorInProgressHeartbeat(ctx))

	assert.Equal(t, job.StatusError, f.get(t, stale.ID).Status)
	assert.Equal(t, job.StatusError, f.get(t, silent.ID).Status)
	assert.Equal(t, job.StatusInProgress, f.get(t, alive.ID).Status)
	assert.ElementsMatch(t, []string{stale.ID, silent.ID}, f.notifier.heartbeat)
}

func TestMonitorTimeouts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})

	override := f.running(t, f.add(t, &job.Job{
		TaskID:     "report",
		Parameters: map[string]string{job.WorkflowTimeoutParameter: "20m"},
	}))
	taskLimit := f.running(t, f.add(t, &job.Job{TaskID: "report"})) // 1h from task
	noLimit := f.running(t, f.add(t, &job.Job{TaskID: "build"}))
	f.clock.Advance(30 * time.Minute)

	require.NoError(t, f.jw.MonitorTimeouts(ctx))

	assert.Equal(t, job.StatusTimedOut, f.get(t, override.ID).Status)
	assert.Equal(t, []call{{override.ID, ""}}, f.worker.timedOut)
	assert.Equal(t, job.StatusInProgress, f.get(t, taskLimit.ID).Status)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.jw.MonitorTimeouts(ctx))
	assert.Equal(t, job.StatusTimedOut, f.get(t, taskLimit.ID).Status)
	assert.Equal(t, job.StatusInProgress, f.get(t, noLimit.ID).Status)
}

func TestHandleEvent_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})

	j := f.add(t, &job.Job{TaskID: "build"})
	require.NoError(t, f.jw.ExecutePending(ctx))

	require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventExecuting, JobID: j.ID}))
	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusInProgress, got.Status)
	require.NotNil(t, got.Started)

	p := job.NewProgress(40, "halfway")
	require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventProgressChanged, JobID: j.ID, Progress: &p}))
	got = f.get(t, j.ID)
	assert.Equal(t, job.StatusInProgress, got.Status)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 40, got.Progress.Value)

	require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventExecuted, JobID: j.ID}))
	got = f.get(t, j.ID)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Nil(t, got.Progress)
	assert.NotNil(t, got.Finished)

	// Late events for a finished job are dropped.
	require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventProgressChanged, JobID: j.ID, Progress: &p}))
	require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventExecuting, JobID: j.ID}))
	assert.Equal(t, job.StatusCompleted, f.get(t, j.ID).Status)
	assert.Equal(t, 2, f.metrics.events[string(worker.EventProgressChanged)])
}

func TestHandleEvent_ExecutedStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})

	failed := f.running(t, f.add(t, &job.Job{TaskID: "build"}))
	require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventExecuted, JobID: failed.ID, Status: job.StatusError, Message: "exit code 2"}))
	got := f.get(t, failed.ID)
	assert.Equal(t, job.StatusError, got.Status)
	assert.Equal(t, "exit code 2", got.StatusMessage)

	other := f.running(t, f.add(t, &job.Job{TaskID: "build"}))
	err := f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventExecuted, JobID: other.ID, Status: job.StatusPending})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, job.StatusInProgress, f.get(t, other.ID).Status)
}

func TestHandleEvent_HostNotAvailableRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{hosts: memory.NewHostRepository(
		&host.Host{ID: "a", Name: "a", RunningJobsLimit: 1},
	)})

	j := f.add(t, &job.Job{TaskID: "build"})
	require.NoError(t, f.jw.ExecutePending(ctx))
	f.clock.Advance(time.Minute)

	require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventHostNotAvailable, JobID: j.ID, HostID: "a"}))
	got := f.get(t, j.ID)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Empty(t, got.HostID)
	assert.Nil(t, got.Starting)
	assert.True(t, got.Requested.After(j.Requested), "job goes to the back of the queue")
	assert.Contains(t, got.StatusMessage, "host a")

	require.NoError(t, f.jw.ExecutePending(ctx))
	assert.Len(t, f.worker.executions(), 2)
}

func TestHandleEvent_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{})

	for _, kind := range []worker.EventKind{worker.EventExecuting, worker.EventProgressChanged, worker.EventCancelled} {
		err := f.jw.HandleEvent(ctx, worker.Event{Kind: kind, JobID: "missing"})
		assert.ErrorIs(t, err, apperrors.ErrInconsistent, kind)
		assert.True(t, apperrors.IsFatal(err))
	}

	j := f.add(t, &job.Job{TaskID: "build"})
	err := f.jw.HandleEvent(ctx, worker.Event{Kind: "rebooted", JobID: j.ID})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestHandleEvent_StopsIdleCloudInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, options{hosts: memory.NewHostRepository(
		cloudHost("vm"),
		&host.Host{ID: "local", Name: "local", Priority: 5, RunningJobsLimit: 1},
	)})
	f.instance.set(cloud.StatusRunning)

	first := f.running(t, f.add(t, &job.Job{TaskID: "build", HostID: "vm"}))
	second := f.running(t, f.add(t, &job.Job{TaskID: "build", HostID: "vm"}))

	require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventExecuted, JobID: first.ID}))
	assert.Empty(t, f.launcher.stopped, "work remains")

	require.NoError(t, f.jw.HandleEvent(ctx, worker.Event{Kind: worker.EventExecuted, JobID: second.ID}))
	assert.Equal(t, []string{"vm"}, f.launcher.stopped)
}

func TestRun_ConsumesEventsInOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{})
	j := f.add(t, &job.Job{TaskID: "build"})
	require.NoError(t, f.jw.ExecutePending(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.jw.Run(ctx) }()

	f.worker.Emit(ctx, worker.Event{Kind: worker.EventExecuting, JobID: j.ID})
	f.worker.Emit(ctx, worker.Event{Kind: worker.EventExecuted, JobID: j.ID})

	require.Eventually(t, func() bool {
		got, err := f.jobs.Get(context.Background(), j.ID)
		return err == nil && got.Status == job.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotNil(t, f.get(t, j.ID).Started)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScheduler_RunsSweeps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{})
	j := f.add(t, &job.Job{TaskID: "build"})

	s := jobworker.NewScheduler(f.jw, jobworker.Intervals{
		ExecutePending:   10 * time.Millisecond,
		Cancel:           10 * time.Millisecond,
		CleanLongRunning: -1,
		CleanNotStarted:  -1,
		Heartbeat:        -1,
		Timeouts:         -1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.jobs.Get(context.Background(), j.ID)
		return err == nil && got.Status == job.StatusStarting
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.metrics.sweepCount(jobworker.SweepCancel) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.metrics.sweepCount(jobworker.SweepHeartbeat))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_StopsOnInconsistency(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{})
	s := jobworker.NewScheduler(f.jw, jobworker.Intervals{ExecutePending: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.True(t, f.worker.Emit(context.Background(), worker.Event{Kind: worker.EventExecuted, JobID: "ghost"}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, apperrors.ErrInconsistent)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler kept running after an inconsistency")
	}
}

func TestScheduler_KeepsRunningOnConfigurationError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{hosts: memory.NewGroupedHostRepository([]string{"cpu"},
		&host.Host{ID: "c1", Name: "c1", Group: "cpu", RunningJobsLimit: 1},
	)})
	f.add(t, &job.Job{TaskID: "build"})
	good := f.add(t, &job.Job{TaskID: "gpu", Priority: 1})

	s := jobworker.NewScheduler(f.jw, jobworker.Intervals{
		ExecutePending:   10 * time.Millisecond,
		Cancel:           -1,
		CleanLongRunning: -1,
		CleanNotStarted:  -1,
		Heartbeat:        -1,
		Timeouts:         -1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.jobs.Get(context.Background(), good.ID)
		return err == nil && got.Status == job.StatusStarting
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return f.metrics.sweepCount(jobworker.SweepExecutePending) > 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
