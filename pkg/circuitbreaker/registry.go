package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry keeps one breaker per key, such as a webhook destination or a
// cloud host id. Breakers are created on first use and share one Config.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	byKey map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, byKey: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.byKey[key]
	if b == nil {
		b = New(key, r.cfg)
		r.byKey[key] = b
	}
	return b
}

// Stats summarises the breakers of a registry.
type Stats struct {
	Total int
	Open  int
	// Tripped lists the keys of breakers that are not closed, sorted.
	Tripped []string
}

// Stats returns the current breaker states.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Total: len(r.byKey)}
	for key, b := range r.byKey {
		switch b.State() {
		case Closed:
			continue
		case Open:
			stats.Open++
		}
		stats.Tripped = append(stats.Tripped, key)
	}
	slices.Sort(stats.Tripped)
	return stats
}
