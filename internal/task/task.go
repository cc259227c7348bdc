// Package task holds task definitions and the lookup service used by the
// job service and the job worker.
package task

import (
	"context"
	"jobhost/internal/apperrors"
	"slices"
	"time"
)

// Task is an external definition of work a job refers to.
type Task struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name,omitempty" yaml:"name"`
	Parameters []string `json:"parameters,omitempty" yaml:"parameters"`

	// Timeout is the hard limit after which a running job is forced to error.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	// WorkflowTimeout is the graceful limit after which a job is timed out.
	WorkflowTimeout time.Duration `json:"workflowTimeout,omitempty" yaml:"workflowTimeout"`
	// HostGroup is the default group for jobs of this task.
	HostGroup string `json:"hostGroup,omitempty" yaml:"hostGroup"`

	// Image and Command are only used by container workers.
	Image   string   `json:"image,omitempty" yaml:"image"`
	Command []string `json:"command,omitempty" yaml:"command"`
}

// Declares reports whether the task accepts a parameter named name.
func (t *Task) Declares(name string) bool {
	return slices.Contains(t.Parameters, name)
}

// Repository looks up tasks.
type Repository interface {
	Get(ctx context.Context, id string) (*Task, error)
	Contains(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]*Task, error)
}

// Service is the task lookup surface.
type Service struct {
	repo Repository
}

// NewService creates a task service backed by repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns a task or a not-found error.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if id == "" {
		return nil, apperrors.Validation("taskId", "task ID is required")
	}
	return s.repo.Get(ctx, id)
}

// Contains reports whether a task exists.
func (s *Service) Contains(ctx context.Context, id string) (bool, error) {
	return s.repo.Contains(ctx, id)
}

// List returns all tasks.
func (s *Service) List(ctx context.Context) ([]*Task, error) {
	return s.repo.List(ctx)
}

// DeclaredParameters returns the parameter names a task accepts.
func (s *Service) DeclaredParameters(ctx context.Context, id string) ([]string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.Parameters), nil
}
