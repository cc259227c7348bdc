// Package cloud describes compute instances that can be started and stopped
// on demand, and the registry that builds them from a host's configuration.
package cloud

import (
	"context"
	"fmt"
	"jobhost/internal/apperrors"
	"slices"
	"sync"
)

// Status is the lifecycle state reported by a cloud instance.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Instance controls the compute behind a host. Start and Stop may return
// before the instance has reached the target state.
type Instance interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
}

// Factory builds an instance from host-level parameters.
type Factory func(params map[string]string) (Instance, error)

// Registry maps an instance type tag to its factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for typ, replacing any previous one.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// New builds an instance of type typ. An unregistered type is a
// configuration error.
func (r *Registry) New(typ string, params map[string]string) (Instance, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Configuration(fmt.Sprintf("cloud instance type %q is not registered", typ))
	}
	inst, err := f(params)
	if err != nil {
		return nil, &apperrors.Error{
			Sentinel: apperrors.ErrConfiguration,
			Message:  fmt.Sprintf("build %s cloud instance: %v", typ, err),
			Op:       "cloud.New",
			Cause:    err,
		}
	}
	return inst, nil
}

// Types returns the registered type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
