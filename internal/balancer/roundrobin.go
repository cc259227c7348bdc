package balancer

import (
	"cmp"
	"context"
	"jobhost/internal/host"
	"slices"
	"time"
)

// StrategyRoundRobin is the metrics label of the RoundRobin balancer.
const StrategyRoundRobin = "round_robin"

// DefaultHostResponseThreshold bounds the parallel availability probe.
const DefaultHostResponseThreshold = 2 * time.Second

// RoundRobinConfig configures a RoundRobin balancer.
type RoundRobinConfig struct {
	Config
	// HostResponseThreshold is the shared deadline of one probe round
	// (default: 2s).
	HostResponseThreshold time.Duration
	// Tracker stores last-assignment times. Defaults to an in-memory tracker.
	Tracker AssignmentTracker
	Clock   func() time.Time
}

// RoundRobin probes all candidates concurrently and prefers, among equally
// prioritised available hosts, the one assigned least recently.
type RoundRobin struct {
	selector
	threshold time.Duration
	tracker   AssignmentTracker
	now       func() time.Time
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin(cfg RoundRobinConfig) *RoundRobin {
	if cfg.HostResponseThreshold <= 0 {
		cfg.HostResponseThreshold = DefaultHostResponseThreshold
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewMemoryTracker()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &RoundRobin{
		selector:  newSelector(cfg.Config, StrategyRoundRobin),
		threshold: cfg.HostResponseThreshold,
		tracker:   cfg.Tracker,
		now:       cfg.Clock,
	}
}

// GetHost implements LoadBalancer.
func (b *RoundRobin) GetHost(ctx context.Context, jobID, group string) (*host.Host, error) {
	candidates, err := b.candidates(ctx, group)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		b.record(ctx, StrategyRoundRobin, nil)
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, h := range candidates {
		ids[i] = h.ID
	}
	last, err := b.tracker.LastAssigned(ctx, ids)
	if err != nil {
		return nil, err
	}
	byLastAssigned := func(a, c *host.Host) int {
		return cmp.Or(last[a.ID].Compare(last[c.ID]), cmp.Compare(a.ID, c.ID))
	}

	available := b.probe(ctx, candidates)

	var free, unreachable []*host.Host
	for _, h := range candidates {
		if available[h.ID] {
			free = append(free, h)
		} else {
			unreachable = append(unreachable, h)
		}
	}

	slices.SortFunc(free, func(a, c *host.Host) int {
		return cmp.Or(cmp.Compare(a.Priority, c.Priority), byLastAssigned(a, c))
	})
	for _, h := range free {
		ok, err := b.hasCapacity(ctx, h)
		if err != nil {
			return nil, err
		}
		if ok {
			return b.assign(ctx, jobID, h)
		}
	}

	slices.SortFunc(unreachable, byLastAssigned)
	h, err := b.cloudFallback(ctx, jobID, unreachable)
	if err != nil {
		return nil, err
	}
	if h == nil {
		b.record(ctx, StrategyRoundRobin, nil)
		return nil, nil
	}
	return b.assign(ctx, jobID, h)
}

func (b *RoundRobin) assign(ctx context.Context, jobID string, h *host.Host) (*host.Host, error) {
	if err := b.tracker.MarkAssigned(ctx, h.ID, b.now()); err != nil {
		return nil, err
	}
	b.logger.Debug("Host selected", "jobId", jobID, "hostId", h.ID)
	b.record(ctx, StrategyRoundRobin, h)
	return h, nil
}

type probeResult struct {
	hostID    string
	available bool
}

// probe asks every host for availability in parallel. Hosts that have not
// answered when the threshold elapses count as unavailable; their probes
// are cancelled and their results dropped.
func (b *RoundRobin) probe(ctx context.Context, hosts []*host.Host) map[string]bool {
	available := make(map[string]bool, len(hosts))
	if b.prober == nil {
		for _, h := range hosts {
			available[h.ID] = true
		}
		return available
	}

	ctx, cancel := context.WithTimeout(ctx, b.threshold)
	defer cancel()

	// Buffered so late probes never block after we stop reading.
	results := make(chan probeResult, len(hosts))
	for _, h := range hosts {
		go func(id string) {
			results <- probeResult{hostID: id, available: b.prober.IsHostAvailable(ctx, id)}
		}(h.ID)
	}

	for range hosts {
		select {
		case r := <-results:
			if r.available && ctx.Err() == nil {
				available[r.hostID] = true
			}
		case <-ctx.Done():
			b.logger.Debug("Host probe deadline reached", "answered", len(available), "hosts", len(hosts))
			return available
		}
	}
	return available
}

var _ LoadBalancer = (*RoundRobin)(nil)
