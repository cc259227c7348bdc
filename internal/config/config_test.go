package config

import (
	"jobhost/internal/apperrors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.MetricsPort)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownDrainWait)
	assert.Empty(t, cfg.Server.APIKey)
	assert.Equal(t, StoreMemory, cfg.Store.Type)
	assert.Equal(t, BalancerSequential, cfg.Balancer.Strategy)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, time.Minute, cfg.Redis.ClaimTTL)
	assert.Equal(t, 5*time.Minute, cfg.Jobs.HeartbeatTimeout)
	assert.Equal(t, 4, cfg.Notify.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "jobhost.yaml", `
server:
  port: "8181"
catalog: /etc/jobhost/catalog.yaml
store:
  type: Postgres
  dsn: postgres://jobhost@db/jobhost
redis:
  addr: redis:6379
  claim_ttl: 90s
balancer:
  strategy: round_robin
  host_response_threshold: 500ms
jobs:
  heartbeat_timeout: 2m
  intervals:
    execute_pending: 1s
    timeouts: -1s
worker:
  endpoints:
    - host: Build-1
      address: tcp://build-1:2376
notify:
  endpoints:
    - url: https://hooks.example.com/jobs
      signing_key: s3cret
      types: [jobhost.job.updated]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, "/etc/jobhost/catalog.yaml", cfg.Catalog)
	assert.Equal(t, StorePostgres, cfg.Store.Type)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, 90*time.Second, cfg.Redis.ClaimTTL)
	assert.Equal(t, BalancerRoundRobin, cfg.Balancer.Strategy)
	assert.Equal(t, 500*time.Millisecond, cfg.Balancer.HostResponseThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Jobs.HeartbeatTimeout)
	assert.Equal(t, time.Second, cfg.Jobs.Intervals.ExecutePending)
	assert.Equal(t, -time.Second, cfg.Jobs.Intervals.Timeouts)
	require.Len(t, cfg.Worker.Endpoints, 1)
	assert.Equal(t, DockerEndpoint{Host: "Build-1", Address: "tcp://build-1:2376"}, cfg.Worker.Endpoints[0])
	require.Len(t, cfg.Notify.Endpoints, 1)
	assert.Equal(t, "s3cret", cfg.Notify.Endpoints[0].SigningKey)
	assert.Equal(t, []string{"jobhost.job.updated"}, cfg.Notify.Endpoints[0].Types)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "jobhost.yaml", "server:\n  port: \"8181\"\n")
	t.Setenv("JOBHOST_SERVER_PORT", "7000")
	t.Setenv("JOBHOST_JOBS_START_TIMEOUT", "45s")
	t.Setenv("JOBHOST_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Jobs.StartTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_APIKeyFile(t *testing.T) {
	secret := writeFile(t, "api_key", "  key-123\n")
	t.Setenv("JOBHOST_SERVER_API_KEY_FILE", secret)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "key-123", cfg.Server.APIKey)

	t.Setenv("JOBHOST_SERVER_API_KEY_FILE", filepath.Join(t.TempDir(), "missing"))
	_, err = Load("")
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown store":        "store:\n  type: mongo\n",
		"postgres without dsn": "store:\n  type: postgres\n",
		"unknown strategy":     "balancer:\n  strategy: random\n",
		"endpoint without url": "notify:\n  endpoints:\n    - signing_key: k\n",
		"incomplete docker":    "worker:\n  endpoints:\n    - host: a\n",
		"sample ratio":         "tracing:\n  sample_ratio: 2\n",
		"syntax":               "server: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "jobhost.yaml", doc))
			assert.ErrorIs(t, err, apperrors.ErrConfiguration)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestReadSecretFile(t *testing.T) {
	t.Parallel()

	got, err := ReadSecretFile("")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ReadSecretFile(writeFile(t, "secret", "value\n"))
	require.NoError(t, err)
	assert.Equal(t, "value", got)
}
