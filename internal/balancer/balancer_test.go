package balancer

import (
	"context"
	"jobhost/internal/apperrors"
	"jobhost/internal/cloud"
	"jobhost/internal/host"
	"jobhost/internal/store/memory"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *fakeCounter) CountNotFinished(_ context.Context, hostID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[hostID], nil
}

type fakeProber struct {
	down  map[string]bool
	delay map[string]time.Duration
	calls atomic.Int32
}

func (p *fakeProber) IsHostAvailable(ctx context.Context, hostID string) bool {
	p.calls.Add(1)
	if d := p.delay[hostID]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return false
		}
	}
	return !p.down[hostID]
}

type fakeInstance struct {
	status cloud.Status
}

func (f *fakeInstance) Start(context.Context) error { return nil }
func (f *fakeInstance) Stop(context.Context) error  { return nil }
func (f *fakeInstance) Status(context.Context) (cloud.Status, error) {
	return f.status, nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	started []string
}

func (l *fakeLauncher) Start(hostID string, _ cloud.Instance) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, hostID)
	return true
}

type env struct {
	hosts    *host.Service
	counter  *fakeCounter
	prober   *fakeProber
	launcher *fakeLauncher
	instance *fakeInstance
}

func newEnv(hosts ...*host.Host) *env {
	e := &env{
		counter:  &fakeCounter{counts: map[string]int{}},
		prober:   &fakeProber{down: map[string]bool{}, delay: map[string]time.Duration{}},
		launcher: &fakeLauncher{},
		instance: &fakeInstance{status: cloud.StatusStopped},
	}
	registry := cloud.NewRegistry()
	registry.Register("fake", func(map[string]string) (cloud.Instance, error) { return e.instance, nil })
	e.hosts = host.NewService(host.ServiceConfig{
		Repository:    memory.NewHostRepository(hosts...),
		CloudRegistry: registry,
	})
	return e
}

func (e *env) config() Config {
	return Config{Hosts: e.hosts, Jobs: e.counter, Prober: e.prober, Launcher: e.launcher}
}

func newHost(id string, priority, limit int) *host.Host {
	return &host.Host{ID: id, Name: id, Priority: priority, RunningJobsLimit: limit}
}

func cloudHost(id string, priority int) *host.Host {
	h := newHost(id, priority, 1)
	h.CloudInstanceType = "fake"
	return h
}

func strategies(e *env) map[string]LoadBalancer {
	return map[string]LoadBalancer{
		StrategySequential: NewSequential(e.config()),
		StrategyRoundRobin: NewRoundRobin(RoundRobinConfig{Config: e.config(), HostResponseThreshold: 500 * time.Millisecond}),
	}
}

func TestGetHost_PriorityCapacityAndReachability(t *testing.T) {
	t.Parallel()

	e := newEnv(newHost("a", 3, 1), newHost("b", 1, 2), newHost("c", 2, 1))
	e.counter.counts["b"] = 2 // full
	e.prober.down["c"] = true

	for name, lb := range strategies(e) {
		t.Run(name, func(t *testing.T) {
			h, err := lb.GetHost(context.Background(), "j1", "")
			require.NoError(t, err)
			require.NotNil(t, h)
			assert.Equal(t, "a", h.ID)
		})
	}
}

func TestGetHost_NothingAvailable(t *testing.T) {
	t.Parallel()

	e := newEnv(newHost("a", 1, 1), cloudHost("vm", 2))
	e.counter.counts["a"] = 1
	e.prober.down["vm"] = true

	for _, status := range []cloud.Status{cloud.StatusRunning, cloud.StatusStopping, cloud.StatusUnknown} {
		e.instance.status = status
		for name, lb := range strategies(e) {
			h, err := lb.GetHost(context.Background(), "j1", "")
			require.NoError(t, err, name)
			assert.Nil(t, h, "%s with cloud status %s", name, status)
		}
	}
	assert.Empty(t, e.launcher.started)
}

func TestGetHost_StoppedCloudHostIsStarted(t *testing.T) {
	t.Parallel()

	for _, name := range []string{StrategySequential, StrategyRoundRobin} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(cloudHost("vm", 1))
			e.prober.down["vm"] = true

			h, err := strategies(e)[name].GetHost(context.Background(), "j1", "")
			require.NoError(t, err)
			require.NotNil(t, h)
			assert.Equal(t, "vm", h.ID)
			assert.Equal(t, []string{"vm"}, e.launcher.started)

			e.instance.status = cloud.StatusStarting
			h, err = strategies(e)[name].GetHost(context.Background(), "j2", "")
			require.NoError(t, err)
			require.NotNil(t, h)
			assert.Len(t, e.launcher.started, 1, "a starting instance is not started again")

			e.counter.counts["vm"] = 1
			h, err = strategies(e)[name].GetHost(context.Background(), "j3", "")
			require.NoError(t, err)
			assert.Nil(t, h, "cloud fallback respects capacity")
		})
	}
}

func TestGetHost_UnsupportedCloudStatus(t *testing.T) {
	t.Parallel()

	e := newEnv(cloudHost("vm", 1))
	e.prober.down["vm"] = true
	e.instance.status = cloud.Status("hibernating")

	for name, lb := range strategies(e) {
		_, err := lb.GetHost(context.Background(), "j1", "")
		assert.ErrorIs(t, err, apperrors.ErrConfiguration, name)
	}
}

func TestGetHost_GroupResolution(t *testing.T) {
	t.Parallel()

	repo := memory.NewGroupedHostRepository(nil,
		&host.Host{ID: "g1", Name: "n1", Group: "gpu", RunningJobsLimit: 1},
		&host.Host{ID: "c1", Name: "n1", Group: "cpu", RunningJobsLimit: 1},
	)
	counter := &fakeCounter{counts: map[string]int{}}

	noDefault := NewSequential(Config{Hosts: host.NewService(host.ServiceConfig{Repository: repo}), Jobs: counter})
	_, err := noDefault.GetHost(context.Background(), "j1", "")
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)

	h, err := noDefault.GetHost(context.Background(), "j1", "cpu")
	require.NoError(t, err)
	assert.Equal(t, "c1", h.ID)

	_, err = noDefault.GetHost(context.Background(), "j1", "tpu")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	withDefault := NewSequential(Config{Hosts: host.NewService(host.ServiceConfig{Repository: repo, DefaultGroup: "gpu"}), Jobs: counter})
	h, err = withDefault.GetHost(context.Background(), "j1", "")
	require.NoError(t, err)
	assert.Equal(t, "g1", h.ID)
}

func TestRoundRobin_AlternatesBetweenEqualHosts(t *testing.T) {
	t.Parallel()

	e := newEnv(newHost("a", 1, 100), newHost("b", 1, 100), newHost("c", 5, 100))
	var tick atomic.Int64
	lb := NewRoundRobin(RoundRobinConfig{
		Config: e.config(),
		Clock: func() time.Time {
			return time.Unix(1_700_000_000+tick.Add(1), 0)
		},
	})

	counts := map[string]int{}
	var order []string
	for range 10 {
		h, err := lb.GetHost(context.Background(), "job", "")
		require.NoError(t, err)
		counts[h.ID]++
		order = append(order, h.ID)
	}

	assert.Equal(t, map[string]int{"a": 5, "b": 5}, counts)
	for i := 1; i < len(order); i++ {
		assert.NotEqual(t, order[i-1], order[i], "assignments should alternate: %v", order)
	}
}

func TestRoundRobin_SlowProbeCountsAsUnavailable(t *testing.T) {
	t.Parallel()

	e := newEnv(newHost("slow", 1, 1), newHost("fast", 2, 1))
	e.prober.delay["slow"] = 5 * time.Second
	lb := NewRoundRobin(RoundRobinConfig{Config: e.config(), HostResponseThreshold: 100 * time.Millisecond})

	start := time.Now()
	h, err := lb.GetHost(context.Background(), "j1", "")
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "fast", h.ID)
	assert.Less(t, elapsed, 2*time.Second, "probe must not wait for slow hosts")
}

func TestRoundRobin_ProbesInParallel(t *testing.T) {
	t.Parallel()

	hosts := make([]*host.Host, 8)
	for i := range hosts {
		hosts[i] = newHost(string(rune('a'+i)), 1, 1)
	}
	e := newEnv(hosts...)
	for _, h := range hosts {
		e.prober.delay[h.ID] = 150 * time.Millisecond
	}
	lb := NewRoundRobin(RoundRobinConfig{Config: e.config(), HostResponseThreshold: time.Second})

	start := time.Now()
	h, err := lb.GetHost(context.Background(), "j1", "")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Less(t, time.Since(start), 800*time.Millisecond, "probes should overlap")
	assert.Equal(t, int32(8), e.prober.calls.Load())
}

func TestRoundRobin_ConcurrentCalls(t *testing.T) {
	t.Parallel()

	e := newEnv(newHost("a", 1, 1000), newHost("b", 1, 1000), newHost("c", 1, 1000))
	lb := NewRoundRobin(RoundRobinConfig{Config: e.config()})

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lb.GetHost(context.Background(), "job", ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMemoryTracker_KeepsLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tr := NewMemoryTracker()
	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)
	require.NoError(t, tr.MarkAssigned(ctx, "a", t2))
	require.NoError(t, tr.MarkAssigned(ctx, "a", t1))

	got, err := tr.LastAssigned(ctx, []string{"a", "never"})
	require.NoError(t, err)
	assert.True(t, got["a"].Equal(t2))
	_, ok := got["never"]
	assert.False(t, ok)
}
