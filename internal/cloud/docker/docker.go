// Package docker exposes Docker containers as cloud instances, so a host can
// be backed by a container that is started on demand and stopped when idle.
package docker

import (
	"context"
	"errors"
	"fmt"
	"jobhost/internal/cloud"
	"strconv"

	"github.com/docker/docker/api/types/container"
)

// Type is the cloud instance type tag.
const Type = "docker"

// Instance parameters
const (
	ParamContainer   = "container"    // container name or id (required)
	ParamHost        = "host"         // daemon address; empty for the local daemon
	ParamStopTimeout = "stop_timeout" // seconds before SIGKILL
)

// ContainerAPI is the part of the Docker client an instance uses.
type ContainerAPI interface {
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// Dialer returns the client for a daemon address.
type Dialer func(address string) (ContainerAPI, error)

// Instance is a container acting as a cloud instance.
type Instance struct {
	api         ContainerAPI
	container   string
	stopTimeout *int
}

// New creates an instance for a container reachable through api.
func New(api ContainerAPI, containerName string, stopTimeout *int) *Instance {
	return &Instance{api: api, container: containerName, stopTimeout: stopTimeout}
}

// Factory builds instances from host parameters, dialing the daemon named
// by the "host" parameter.
func Factory(dial Dialer) cloud.Factory {
	return func(params map[string]string) (cloud.Instance, error) {
		name := params[ParamContainer]
		if name == "" {
			return nil, errors.New("parameter container is required")
		}

		var stopTimeout *int
		if raw := params[ParamStopTimeout]; raw != "" {
			secs, err := strconv.Atoi(raw)
			if err != nil || secs < 0 {
				return nil, fmt.Errorf("parameter stop_timeout must be a number of seconds, got %q", raw)
			}
			stopTimeout = &secs
		}

		api, err := dial(params[ParamHost])
		if err != nil {
			return nil, err
		}
		return New(api, name, stopTimeout), nil
	}
}

// Register adds the docker instance type to reg.
func Register(reg *cloud.Registry, dial Dialer) {
	reg.Register(Type, Factory(dial))
}

// Start starts the container. Starting a running container is a no-op.
func (i *Instance) Start(ctx context.Context) error {
	if err := i.api.ContainerStart(ctx, i.container, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", i.container, err)
	}
	return nil
}

// Stop stops the container.
func (i *Instance) Stop(ctx context.Context) error {
	if err := i.api.ContainerStop(ctx, i.container, container.StopOptions{Timeout: i.stopTimeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", i.container, err)
	}
	return nil
}

// Status maps the container state to an instance status. A running
// container whose health check has not passed yet is still starting.
func (i *Instance) Status(ctx context.Context) (cloud.Status, error) {
	inspect, err := i.api.ContainerInspect(ctx, i.container)
	if err != nil {
		return cloud.StatusUnknown, fmt.Errorf("inspect container %s: %w", i.container, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return cloud.StatusUnknown, nil
	}

	state := inspect.State
	switch state.Status {
	case "running":
		if state.Health != nil && state.Health.Status == "starting" {
			return cloud.StatusStarting, nil
		}
		return cloud.StatusRunning, nil
	case "restarting":
		return cloud.StatusStarting, nil
	case "removing":
		return cloud.StatusStopping, nil
	case "created", "exited", "dead":
		return cloud.StatusStopped, nil
	default:
		return cloud.StatusUnknown, nil
	}
}

var _ cloud.Instance = (*Instance)(nil)
