// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Definitions   DefinitionsConfig       `yaml:"definitions"`
	Store         StoreConfig             `yaml:"store"`
	Publisher     PublisherConfig         `yaml:"publisher"`
	Router        RouterConfig            `yaml:"router"`
	Patterns      PatternsConfig          `yaml:"patterns"`
	Workers       map[string]WorkerConfig `yaml:"workers"`
	Health        HealthConfig            `yaml:"health"`
	Observability ObservabilityConfig     `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig describes where to find workflow and pattern
// definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// StoreConfig describes workflow instance persistence settings.
type StoreConfig struct {
	// Driver is one of "memory", "postgres", "redis".
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig describes a Redis connection.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// PublisherConfig describes routing event publication settings.
type PublisherConfig struct {
	// Driver is one of "memory", "redis".
	Driver  string      `yaml:"driver"`
	Buffer  int         `yaml:"buffer"`
	Channel string      `yaml:"channel"`
	Redis   RedisConfig `yaml:"redis"`
}

// RouterConfig describes event routing settings.
type RouterConfig struct {
	// Memoize caches prefix and probe routing decisions per event type.
	// Disable when worker CanHandle answers vary over time.
	Memoize       bool                 `yaml:"memoize"`
	WorkerTimeout time.Duration        `yaml:"worker_timeout"`
	Breaker       CircuitBreakerConfig `yaml:"breaker"`
}

// CircuitBreakerConfig describes per-worker circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// PatternsConfig describes coordination pattern execution settings.
type PatternsConfig struct {
	// QueueSize bounds each instance's pending continuation queue.
	QueueSize int `yaml:"queue_size"`
}

// WorkerConfig describes an HTTP-backed remote worker.
type WorkerConfig struct {
	BaseURL      string        `yaml:"base_url"`
	EventTypes   []string      `yaml:"event_types"`
	Capabilities []string      `yaml:"capabilities"`
	Timeout      time.Duration `yaml:"timeout"`
}

// HealthConfig describes worker health checking and timeout sweeping.
type HealthConfig struct {
	WorkerProbeTimeout time.Duration `yaml:"worker_probe_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CONDUCTOR_STORE_DSN",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			Redis: RedisConfig{
				AddrEnv: "CONDUCTOR_REDIS_ADDR",
			},
		},
		Publisher: PublisherConfig{
			Driver: "memory",
			Buffer: 256,
			Redis: RedisConfig{
				AddrEnv: "CONDUCTOR_REDIS_ADDR",
			},
		},
		Router: RouterConfig{
			Memoize:       true,
			WorkerTimeout: 10 * time.Second,
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Cooldown:         30 * time.Second,
			},
		},
		Patterns: PatternsConfig{
			QueueSize: 64,
		},
		Health: HealthConfig{
			WorkerProbeTimeout: 5 * time.Second,
			SweepInterval:      60 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "memory", "postgres", "redis":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres, redis", c.Store.Driver))
	}
	switch c.Publisher.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("publisher.driver %q is not one of memory, redis", c.Publisher.Driver))
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if c.Patterns.QueueSize < 1 {
		errs = append(errs, "patterns.queue_size must be positive")
	}
	for name, w := range c.Workers {
		if w.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("workers.%s.base_url is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CONDUCTOR_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CONDUCTOR_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CONDUCTOR_PUBLISHER_DRIVER"); v != "" {
		cfg.Publisher.Driver = v
	}
	if v := os.Getenv("CONDUCTOR_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("CONDUCTOR_ROUTER_MEMOIZE"); v != "" {
		if memoize, err := strconv.ParseBool(v); err == nil {
			cfg.Router.Memoize = memoize
		}
	}
	if v := os.Getenv("CONDUCTOR_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
