package balancer

import (
	"context"
	"jobhost/internal/host"
)

// StrategySequential is the metrics label of the Sequential balancer.
const StrategySequential = "sequential"

// Sequential returns the first candidate, in priority order, that has spare
// capacity and answers its probe.
type Sequential struct {
	selector
}

// NewSequential creates the default load balancer.
func NewSequential(cfg Config) *Sequential {
	return &Sequential{selector: newSelector(cfg, StrategySequential)}
}

// GetHost implements LoadBalancer.
func (b *Sequential) GetHost(ctx context.Context, jobID, group string) (*host.Host, error) {
	candidates, err := b.candidates(ctx, group)
	if err != nil {
		return nil, err
	}

	var unreachable []*host.Host
	for _, h := range candidates {
		ok, err := b.hasCapacity(ctx, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if b.reachable(ctx, h) {
			b.record(ctx, StrategySequential, h)
			return h, nil
		}
		unreachable = append(unreachable, h)
	}

	h, err := b.cloudFallback(ctx, jobID, unreachable)
	if err != nil {
		return nil, err
	}
	b.record(ctx, StrategySequential, h)
	return h, nil
}

var _ LoadBalancer = (*Sequential)(nil)
