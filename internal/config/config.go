// Package config loads jobhostd configuration from an optional YAML file
// and JOBHOST_* environment variables.
package config

import (
	"fmt"
	"jobhost/internal/apperrors"
	"jobhost/internal/jobworker"
	"jobhost/internal/logging"
	"jobhost/internal/notify"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// JOBHOST_SERVER_PORT overrides server.port.
const EnvPrefix = "JOBHOST"

// Store types
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Balancer strategies
const (
	BalancerSequential = "sequential"
	BalancerRoundRobin = "round_robin"
)

// Config is the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      logging.Config `mapstructure:"log"`
	Catalog  string         `mapstructure:"catalog"` // path to the host/task catalog
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Balancer BalancerConfig `mapstructure:"balancer"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Notify   notify.Config  `mapstructure:"notify"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port              string        `mapstructure:"port"`
	MetricsPort       string        `mapstructure:"metrics_port"`
	APIKeyFile        string        `mapstructure:"api_key_file"`
	ShutdownDrainWait time.Duration `mapstructure:"shutdown_drain_wait"` // 0 to skip

	// APIKey is read from APIKeyFile; it is never taken from the file or env directly.
	APIKey string `mapstructure:"-"`
}

// StoreConfig selects the job repository.
type StoreConfig struct {
	Type string `mapstructure:"type"` // memory or postgres
	DSN  string `mapstructure:"dsn"`
}

// RedisConfig enables shared balancing state and dispatch claims when Addr
// is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// BalancerConfig selects the host selection strategy.
type BalancerConfig struct {
	Strategy              string        `mapstructure:"strategy"`
	HostResponseThreshold time.Duration `mapstructure:"host_response_threshold"`
}

// JobsConfig holds job worker limits and sweep intervals.
type JobsConfig struct {
	HeartbeatTimeout  time.Duration       `mapstructure:"heartbeat_timeout"`
	StartTimeout      time.Duration       `mapstructure:"start_timeout"`
	DefaultJobTimeout time.Duration       `mapstructure:"default_job_timeout"`
	Intervals         jobworker.Intervals `mapstructure:"intervals"`
}

// CloudConfig configures the cloud instance launcher.
type CloudConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
}

// WorkerConfig configures the container worker. Jobs without a host, and
// hosts without an endpoint, use the local daemon from the DOCKER_*
// environment.
type WorkerConfig struct {
	Endpoints   []DockerEndpoint `mapstructure:"endpoints"`
	Network     string           `mapstructure:"network"`
	StopTimeout time.Duration    `mapstructure:"stop_timeout"`
	ProbeCache  time.Duration    `mapstructure:"probe_cache"`
}

// DockerEndpoint binds a host id to a Docker daemon address such as
// tcp://build-1:2376.
type DockerEndpoint struct {
	Host    string `mapstructure:"host"`
	Address string `mapstructure:"address"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// defaults are registered with viper so that every key can be overridden
// from the environment even when no file sets it.
var defaults = map[string]any{
	"server.port":                       "8080",
	"server.metrics_port":               "9090",
	"server.api_key_file":               "",
	"server.shutdown_drain_wait":        5 * time.Second,
	"log.level":                         "info",
	"log.format":                        "json",
	"catalog":                           "",
	"store.type":                        StoreMemory,
	"store.dsn":                         "",
	"redis.addr":                        "",
	"redis.password":                    "",
	"redis.db":                          0,
	"redis.prefix":                      "jobhost:",
	"redis.claim_ttl":                   time.Minute,
	"balancer.strategy":                 BalancerSequential,
	"balancer.host_response_threshold":  2 * time.Second,
	"jobs.heartbeat_timeout":            jobworker.DefaultHeartbeatTimeout,
	"jobs.start_timeout":                jobworker.DefaultStartTimeout,
	"jobs.default_job_timeout":          jobworker.DefaultJobTimeout,
	"jobs.intervals.execute_pending":    time.Duration(0),
	"jobs.intervals.cancel":             time.Duration(0),
	"jobs.intervals.clean_long_running": time.Duration(0),
	"jobs.intervals.clean_not_started":  time.Duration(0),
	"jobs.intervals.heartbeat":          time.Duration(0),
	"jobs.intervals.timeouts":           time.Duration(0),
	"cloud.min_interval":                30 * time.Second,
	"cloud.op_timeout":                  2 * time.Minute,
	"worker.network":                    "",
	"worker.stop_timeout":               10 * time.Second,
	"worker.probe_cache":                5 * time.Second,
	"notify.source":                     "jobhost",
	"notify.buffer_size":                1000,
	"notify.workers":                    4,
	"notify.http_timeout":               10 * time.Second,
	"tracing.endpoint":                  "",
	"tracing.insecure":                  false,
	"tracing.service_name":              "jobhostd",
	"tracing.sample_ratio":              1.0,
}

// Load reads the file at path (optional, may be empty) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Configuration(fmt.Sprintf("read config %s: %v", path, err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Configuration(fmt.Sprintf("decode config: %v", err))
	}

	apiKey, err := ReadSecretFile(cfg.Server.APIKeyFile)
	if err != nil {
		return nil, err
	}
	cfg.Server.APIKey = apiKey

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) withDefaults() Config {
	c.Store.Type = strings.ToLower(c.Store.Type)
	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}
	c.Balancer.Strategy = strings.ToLower(c.Balancer.Strategy)
	if c.Balancer.Strategy == "" {
		c.Balancer.Strategy = BalancerSequential
	}
	if c.Redis.ClaimTTL <= 0 {
		c.Redis.ClaimTTL = time.Minute
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "jobhostd"
	}
	return c
}

// Validate rejects unknown switches and incomplete sections.
func (c Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return apperrors.Configuration("store.dsn is required for the postgres store")
		}
	default:
		return apperrors.Configuration(fmt.Sprintf("unknown store type %q", c.Store.Type))
	}

	switch c.Balancer.Strategy {
	case BalancerSequential, BalancerRoundRobin:
	default:
		return apperrors.Configuration(fmt.Sprintf("unknown balancer strategy %q", c.Balancer.Strategy))
	}

	for i, ep := range c.Worker.Endpoints {
		if ep.Host == "" || ep.Address == "" {
			return apperrors.Configuration(fmt.Sprintf("worker endpoint #%d needs host and address", i+1))
		}
	}
	for i, ep := range c.Notify.Endpoints {
		if ep.URL == "" {
			return apperrors.Configuration(fmt.Sprintf("notify endpoint #%d has no url", i+1))
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return apperrors.Configuration("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

// ReadSecretFile reads a secret from a file path, such as a Docker or
// Kubernetes mounted secret. An empty path yields an empty secret.
func ReadSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", apperrors.Configuration(fmt.Sprintf("read secret file: %v", err))
	}
	return strings.TrimSpace(string(data)), nil
}
