package memory

import (
	"cmp"
	"context"
	"jobhost/internal/apperrors"
	"jobhost/internal/host"
	"jobhost/internal/task"
	"slices"
	"sync"
)

// TaskRepository is an in-memory task.Repository.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewTaskRepository creates a repository holding tasks.
func NewTaskRepository(tasks ...*task.Task) *TaskRepository {
	r := &TaskRepository{tasks: make(map[string]*task.Task, len(tasks))}
	for _, t := range tasks {
		r.Put(t)
	}
	return r
}

// Put adds or replaces a task.
func (r *TaskRepository) Put(t *task.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	cp.Parameters = slices.Clone(t.Parameters)
	cp.Command = slices.Clone(t.Command)
	r.tasks[t.ID] = &cp
}

// Delete removes a task.
func (r *TaskRepository) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

func (r *TaskRepository) Get(_ context.Context, id string) (*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	cp := *t
	return &cp, nil
}

func (r *TaskRepository) Contains(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[id]
	return ok, nil
}

func (r *TaskRepository) List(_ context.Context) ([]*task.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		cp := *t
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *task.Task) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// AccountSet is an in-memory job.AccountChecker.
type AccountSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewAccountSet creates a set holding ids.
func NewAccountSet(ids ...string) *AccountSet {
	s := &AccountSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *AccountSet) Contains(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok, nil
}

// HostRepository is an in-memory, ungrouped host.Repository.
type HostRepository struct {
	mu    sync.RWMutex
	hosts map[string]*host.Host
}

// NewHostRepository creates a repository holding hosts.
func NewHostRepository(hosts ...*host.Host) *HostRepository {
	r := &HostRepository{hosts: make(map[string]*host.Host, len(hosts))}
	for _, h := range hosts {
		r.hosts[h.ID] = h.Clone()
	}
	return r
}

func (r *HostRepository) Get(_ context.Context, id string) (*host.Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[id]
	if !ok {
		return nil, apperrors.NotFound("host", id)
	}
	return h.Clone(), nil
}

func (r *HostRepository) Contains(_ context.Context, id string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hosts[id]
	return ok, nil
}

func (r *HostRepository) List(_ context.Context) ([]*host.Host, error) {
	return r.filter(func(*host.Host) bool { return true }), nil
}

func (r *HostRepository) Add(_ context.Context, h *host.Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[h.ID]; ok {
		return apperrors.Conflict("host", h.ID, "host ID already in use")
	}
	r.hosts[h.ID] = h.Clone()
	return nil
}

func (r *HostRepository) Update(_ context.Context, id string, h *host.Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[id]; !ok {
		return apperrors.NotFound("host", id)
	}
	delete(r.hosts, id)
	r.hosts[h.ID] = h.Clone()
	return nil
}

func (r *HostRepository) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hosts[id]; !ok {
		return apperrors.NotFound("host", id)
	}
	delete(r.hosts, id)
	return nil
}

func (r *HostRepository) filter(keep func(*host.Host) bool) []*host.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*host.Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		if keep(h) {
			out = append(out, h.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *host.Host) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// GroupedHostRepository is an in-memory host.GroupedRepository. Groups
// exist once declared or once a host refers to them.
type GroupedHostRepository struct {
	*HostRepository

	gmu    sync.RWMutex
	groups map[string]struct{}
}

// NewGroupedHostRepository creates a grouped repository with the declared
// groups and hosts.
func NewGroupedHostRepository(groups []string, hosts ...*host.Host) *GroupedHostRepository {
	r := &GroupedHostRepository{
		HostRepository: NewHostRepository(hosts...),
		groups:         make(map[string]struct{}, len(groups)),
	}
	for _, g := range groups {
		r.groups[g] = struct{}{}
	}
	return r
}

func (r *GroupedHostRepository) ListGroup(_ context.Context, group string) ([]*host.Host, error) {
	return r.filter(func(h *host.Host) bool { return h.Group == group }), nil
}

func (r *GroupedHostRepository) ContainsGroup(_ context.Context, group string) (bool, error) {
	r.gmu.RLock()
	_, ok := r.groups[group]
	r.gmu.RUnlock()
	if ok {
		return true, nil
	}
	return len(r.filter(func(h *host.Host) bool { return h.Group == group })) > 0, nil
}

var (
	_ task.Repository        = (*TaskRepository)(nil)
	_ host.Repository        = (*HostRepository)(nil)
	_ host.GroupedRepository = (*GroupedHostRepository)(nil)
)
