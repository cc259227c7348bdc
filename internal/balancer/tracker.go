package balancer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// AssignmentTracker remembers when each host was last handed a job. Hosts
// never assigned are missing from LastAssigned results, which sorts them
// first as the zero time.
type AssignmentTracker interface {
	LastAssigned(ctx context.Context, hostIDs []string) (map[string]time.Time, error)
	MarkAssigned(ctx context.Context, hostID string, at time.Time) error
}

// MemoryTracker is a process-local AssignmentTracker. Each host has its own
// atomic slot, so concurrent calls never take a map-wide lock.
type MemoryTracker struct {
	slots sync.Map // host id -> *atomic.Int64 (unix nanos)
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{}
}

func (t *MemoryTracker) LastAssigned(_ context.Context, hostIDs []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(hostIDs))
	for _, id := range hostIDs {
		v, ok := t.slots.Load(id)
		if !ok {
			continue
		}
		out[id] = time.Unix(0, v.(*atomic.Int64).Load())
	}
	return out, nil
}

// MarkAssigned records at for hostID unless a later time is already stored.
func (t *MemoryTracker) MarkAssigned(_ context.Context, hostID string, at time.Time) error {
	v, _ := t.slots.LoadOrStore(hostID, new(atomic.Int64))
	slot := v.(*atomic.Int64)
	nanos := at.UnixNano()
	for {
		cur := slot.Load()
		if cur >= nanos || slot.CompareAndSwap(cur, nanos) {
			return nil
		}
	}
}

var _ AssignmentTracker = (*MemoryTracker)(nil)
