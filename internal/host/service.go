package host

import (
	"cmp"
	"context"
	"fmt"
	"jobhost/internal/apperrors"
	"jobhost/internal/cloud"
	"log/slog"
	"slices"
	"sync"
)

// Service validates host changes and resolves cloud instances.
//
// When the repository implements GroupedRepository the service behaves as a
// grouped host service: full names must be unique and host selection needs a
// group, falling back to DefaultGroup.
type Service struct {
	repo         Repository
	grouped      GroupedRepository
	defaultGroup string
	registry     *cloud.Registry
	logger       *slog.Logger

	mu        sync.Mutex
	instances map[string]cloud.Instance
}

// ServiceConfig holds the collaborators of a Service.
type ServiceConfig struct {
	Repository    Repository
	DefaultGroup  string
	CloudRegistry *cloud.Registry // optional; hosts with a cloud type fail to resolve without it
	Logger        *slog.Logger
}

// NewService creates a host service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:         cfg.Repository,
		defaultGroup: cfg.DefaultGroup,
		registry:     cfg.CloudRegistry,
		logger:       logger.With("component", "host-service"),
		instances:    make(map[string]cloud.Instance),
	}
	if g, ok := cfg.Repository.(GroupedRepository); ok {
		s.grouped = g
	}
	return s
}

// Grouped reports whether hosts are organised in groups.
func (s *Service) Grouped() bool {
	return s.grouped != nil
}

// Get returns a host by id.
func (s *Service) Get(ctx context.Context, id string) (*Host, error) {
	return s.repo.Get(ctx, id)
}

// List returns all hosts.
func (s *Service) List(ctx context.Context) ([]*Host, error) {
	return s.repo.List(ctx)
}

// Add validates and stores a new host.
func (s *Service) Add(ctx context.Context, h *Host) error {
	if err := validate(h); err != nil {
		return err
	}
	exists, err := s.repo.Contains(ctx, h.ID)
	if err != nil {
		return err
	}
	if exists {
		return apperrors.Conflict("host", h.ID, "host ID already in use")
	}
	if err := s.checkFullName(ctx, "", h); err != nil {
		return err
	}
	if err := s.repo.Add(ctx, h.Clone()); err != nil {
		return err
	}
	s.logger.Info("Host added", "hostId", h.ID, "name", h.FullName())
	return nil
}

// Update replaces the host stored under id. Renaming to an id or full name
// held by another host is rejected.
func (s *Service) Update(ctx context.Context, id string, h *Host) error {
	if err := validate(h); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if h.ID != id {
		exists, err := s.repo.Contains(ctx, h.ID)
		if err != nil {
			return err
		}
		if exists {
			return apperrors.Conflict("host", h.ID, "host ID already in use")
		}
	}
	if err := s.checkFullName(ctx, id, h); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, id, h.Clone()); err != nil {
		return err
	}
	s.forgetInstance(id)
	return nil
}

// Remove deletes a host.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.repo.Remove(ctx, id); err != nil {
		return err
	}
	s.forgetInstance(id)
	return nil
}

// CreateHost provisions a host in group when the repository supports it.
func (s *Service) CreateHost(ctx context.Context, group string) (*Host, error) {
	c, ok := s.repo.(Creator)
	if !ok {
		return nil, apperrors.NotSupported("host creation")
	}
	return c.CreateHost(ctx, group)
}

// AdjustCapacity changes the global job capacity when the repository
// supports it.
func (s *Service) AdjustCapacity(ctx context.Context, capacity int) error {
	a, ok := s.repo.(CapacityAdjuster)
	if !ok {
		return apperrors.NotSupported("capacity adjustment")
	}
	if capacity < 0 {
		return apperrors.Validation("capacity", "capacity must not be negative")
	}
	return a.AdjustCapacity(ctx, capacity)
}

// ResolveGroup returns the group host selection should use. Ungrouped
// services always return "". A grouped service needs group or a default
// group, otherwise a configuration error is returned; a group that does not
// exist is a not-found error.
func (s *Service) ResolveGroup(ctx context.Context, group string) (string, error) {
	if s.grouped == nil {
		return "", nil
	}
	if group == "" {
		group = s.defaultGroup
	}
	if group == "" {
		return "", apperrors.Configuration("grouped host registry requires a host group and no default group is configured")
	}
	ok, err := s.grouped.ContainsGroup(ctx, group)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperrors.NotFound("host group", group)
	}
	return group, nil
}

// Candidates lists the hosts eligible for group ordered by ascending
// priority. group must already be resolved.
func (s *Service) Candidates(ctx context.Context, group string) ([]*Host, error) {
	var (
		hosts []*Host
		err   error
	)
	if s.grouped != nil {
		hosts, err = s.grouped.ListGroup(ctx, group)
	} else {
		hosts, err = s.repo.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(hosts, func(a, b *Host) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.ID, b.ID))
	})
	return hosts, nil
}

// Instance resolves the cloud instance behind h. It returns nil without an
// error for hosts that have no cloud binding.
func (s *Service) Instance(h *Host) (cloud.Instance, error) {
	if !h.HasCloudBinding() {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[h.ID]; ok {
		return inst, nil
	}
	if s.registry == nil {
		return nil, apperrors.Configuration(fmt.Sprintf("host %s has cloud type %q but no cloud registry is configured", h.ID, h.CloudInstanceType))
	}
	inst, err := s.registry.New(h.CloudInstanceType, h.CloudInstanceParameters)
	if err != nil {
		return nil, err
	}
	s.instances[h.ID] = inst
	return inst, nil
}

func (s *Service) forgetInstance(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
}

// checkFullName rejects h when another host (other than selfID) in a
// grouped registry has the same full name.
func (s *Service) checkFullName(ctx context.Context, selfID string, h *Host) error {
	if s.grouped == nil {
		return nil
	}
	peers, err := s.grouped.ListGroup(ctx, h.Group)
	if err != nil {
		return err
	}
	for _, p := range peers {
		if p.ID == selfID || p.ID == h.ID {
			continue
		}
		if p.FullName() == h.FullName() {
			return apperrors.Conflict("host", h.FullName(), "host name already in use")
		}
	}
	return nil
}

func validate(h *Host) error {
	if h == nil {
		return apperrors.Validation("host", "host is required")
	}
	if h.ID == "" {
		return apperrors.Validation("id", "host ID is required")
	}
	if h.Name == "" {
		return apperrors.Validation("name", "host name is required")
	}
	if h.RunningJobsLimit < 1 {
		return apperrors.Validation("runningJobsLimit", "running jobs limit must be at least 1")
	}
	return nil
}
