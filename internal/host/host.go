// Package host models compute targets and the services that manage them.
package host

import (
	"context"
	"maps"
)

// Host is a compute target that runs jobs.
type Host struct {
	ID               string `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	Group            string `json:"group,omitempty" yaml:"group"`
	RunningJobsLimit int    `json:"runningJobsLimit" yaml:"runningJobsLimit"`
	Priority         int    `json:"priority" yaml:"priority"`

	// Cloud binding. Hosts without a type are assumed to be always running.
	CloudInstanceType       string            `json:"cloudInstanceType,omitempty" yaml:"cloudInstanceType"`
	CloudInstanceParameters map[string]string `json:"cloudInstanceParameters,omitempty" yaml:"cloudInstanceParameters"`
}

// FullName returns group/name, or just the name for ungrouped hosts.
func (h *Host) FullName() string {
	if h.Group == "" {
		return h.Name
	}
	return h.Group + "/" + h.Name
}

// HasCloudBinding reports whether the host declares a cloud instance type.
func (h *Host) HasCloudBinding() bool {
	return h.CloudInstanceType != ""
}

// Clone returns a deep copy.
func (h *Host) Clone() *Host {
	if h == nil {
		return nil
	}
	cp := *h
	if h.CloudInstanceParameters != nil {
		cp.CloudInstanceParameters = maps.Clone(h.CloudInstanceParameters)
	}
	return &cp
}

// Repository stores hosts. Implementations return apperrors.NotFound for
// unknown ids.
type Repository interface {
	Get(ctx context.Context, id string) (*Host, error)
	Contains(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]*Host, error)
	Add(ctx context.Context, h *Host) error
	// Update replaces the host stored under id; h.ID may differ from id.
	Update(ctx context.Context, id string, h *Host) error
	Remove(ctx context.Context, id string) error
}

// GroupedRepository is a Repository whose hosts belong to named groups.
type GroupedRepository interface {
	Repository
	ListGroup(ctx context.Context, group string) ([]*Host, error)
	ContainsGroup(ctx context.Context, group string) (bool, error)
}

// Creator is implemented by repositories that can provision hosts on demand.
type Creator interface {
	CreateHost(ctx context.Context, group string) (*Host, error)
}

// CapacityAdjuster is implemented by repositories that can change the
// global job capacity.
type CapacityAdjuster interface {
	AdjustCapacity(ctx context.Context, capacity int) error
}
