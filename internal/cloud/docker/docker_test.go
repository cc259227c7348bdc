package docker

import (
	"context"
	"errors"
	"jobhost/internal/cloud"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	state      *container.State
	inspectErr error
	started    []string
	stopped    []string
	stopOpts   container.StopOptions
}

func (f *fakeAPI) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	f.stopOpts = opts
	return nil
}

func (f *fakeAPI) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	if f.inspectErr != nil {
		return container.InspectResponse{}, f.inspectErr
	}
	return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{State: f.state}}, nil
}

func TestInstance_Status(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state *container.State
		want  cloud.Status
	}{
		{"running", &container.State{Status: "running"}, cloud.StatusRunning},
		{"healthy", &container.State{Status: "running", Health: &container.Health{Status: "healthy"}}, cloud.StatusRunning},
		{"health starting", &container.State{Status: "running", Health: &container.Health{Status: "starting"}}, cloud.StatusStarting},
		{"restarting", &container.State{Status: "restarting"}, cloud.StatusStarting},
		{"removing", &container.State{Status: "removing"}, cloud.StatusStopping},
		{"created", &container.State{Status: "created"}, cloud.StatusStopped},
		{"exited", &container.State{Status: "exited"}, cloud.StatusStopped},
		{"dead", &container.State{Status: "dead"}, cloud.StatusStopped},
		{"paused", &container.State{Status: "paused"}, cloud.StatusUnknown},
		{"no state", nil, cloud.StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, err := New(&fakeAPI{state: tt.state}, "vm", nil).Status(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestInstance_StatusError(t *testing.T) {
	t.Parallel()

	inst := New(&fakeAPI{inspectErr: errors.New("no such container")}, "vm", nil)
	status, err := inst.Status(context.Background())
	assert.Error(t, err)
	assert.Equal(t, cloud.StatusUnknown, status)
}

func TestInstance_StartStop(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	secs := 3
	inst := New(api, "vm", &secs)

	require.NoError(t, inst.Start(context.Background()))
	require.NoError(t, inst.Stop(context.Background()))
	assert.Equal(t, []string{"vm"}, api.started)
	assert.Equal(t, []string{"vm"}, api.stopped)
	require.NotNil(t, api.stopOpts.Timeout)
	assert.Equal(t, 3, *api.stopOpts.Timeout)
}

func TestRegister(t *testing.T) {
	t.Parallel()

	var dialed []string
	reg := cloud.NewRegistry()
	Register(reg, func(address string) (ContainerAPI, error) {
		dialed = append(dialed, address)
		return &fakeAPI{}, nil
	})
	assert.Equal(t, []string{Type}, reg.Types())

	inst, err := reg.New(Type, map[string]string{ParamContainer: "vm", ParamHost: "tcp://build-1:2376", ParamStopTimeout: "5"})
	require.NoError(t, err)
	assert.NotNil(t, inst)
	assert.Equal(t, []string{"tcp://build-1:2376"}, dialed)

	tests := map[string]map[string]string{
		"missing container": {},
		"bad stop timeout":  {ParamContainer: "vm", ParamStopTimeout: "soon"},
	}
	for name, params := range tests {
		_, err := reg.New(Type, params)
		assert.Error(t, err, name)
	}
}
