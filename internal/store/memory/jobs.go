// Package memory provides in-process repositories. They are safe for
// concurrent use and hand out copies, never shared records.
package memory

import (
	"cmp"
	"context"
	"jobhost/internal/apperrors"
	"jobhost/internal/job"
	"slices"
	"sync"
	"time"
)

// JobRepository is an in-memory job.Repository.
type JobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// NewJobRepository creates an empty job repository.
func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[string]*job.Job)}
}

func (r *JobRepository) Add(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}
	r.jobs[j.ID] = j.Clone()
	return nil
}

func (r *JobRepository) Get(_ context.Context, id string) (*job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

func (r *JobRepository) Contains(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[id]
	return ok, nil
}

// Update replaces the stored job, keeping the heartbeat written by
// SetHeartbeat.
func (r *JobRepository) Update(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.jobs[j.ID]
	if !ok {
		return apperrors.NotFound("job", j.ID)
	}
	next := j.Clone()
	next.Heartbeat = prev.Heartbeat
	r.jobs[j.ID] = next
	return nil
}

func (r *JobRepository) SetHeartbeat(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	j.Heartbeat = &at
	return nil
}

func (r *JobRepository) Query(_ context.Context, f job.Filter) ([]*job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*job.Job
	for _, j := range r.jobs {
		if f.Match(j) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *job.Job) int {
		return cmp.Or(a.Requested.Compare(b.Requested), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (r *JobRepository) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return apperrors.NotFound("job", id)
	}
	delete(r.jobs, id)
	return nil
}

func (r *JobRepository) RemoveMatching(_ context.Context, f job.Filter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, j := range r.jobs {
		if f.Match(j) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Ping always succeeds; it lets the repository stand in for a database in
// readiness checks.
func (r *JobRepository) Ping(context.Context) error {
	return nil
}

var _ job.Repository = (*JobRepository)(nil)
