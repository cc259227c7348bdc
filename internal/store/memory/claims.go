package memory

import (
	"context"
	"sync"
	"time"
)

// Claimer grants a process-local, time-limited claim on a job id. It is
// meant for single-process deployments and tests; see the redis package
// for claims shared between processes.
type Claimer struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	claims map[string]time.Time // job id -> expiry
}

// NewClaimer creates a claimer whose claims expire after ttl.
func NewClaimer(ttl time.Duration) *Claimer {
	return &Claimer{ttl: ttl, now: time.Now, claims: make(map[string]time.Time)}
}

// Claim returns true when no unexpired claim exists for jobID.
func (c *Claimer) Claim(_ context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.claims[jobID]; ok && now.Before(exp) {
		return false, nil
	}
	c.claims[jobID] = now.Add(c.ttl)
	c.gc(now)
	return true, nil
}

// Release drops the claim on jobID.
func (c *Claimer) Release(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, jobID)
	return nil
}

// gc must be called with mu held.
func (c *Claimer) gc(now time.Time) {
	for id, exp := range c.claims {
		if !now.Before(exp) {
			delete(c.claims, id)
		}
	}
}
