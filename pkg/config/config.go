// Package config loads the engine configuration from YAML, with CLI
// flags and environment variables layered on top by the binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML scalars like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type SchedulerConfig struct {
	PollInterval      Duration `yaml:"poll_interval"`
	LeaseDuration     Duration `yaml:"lease_duration"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	MaxConcurrent     int      `yaml:"max_concurrent"`
	StoreBackoffBase  Duration `yaml:"store_backoff_base"`
	StoreBackoffCap   Duration `yaml:"store_backoff_cap"`
}

type RetryConfig struct {
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
}

type DedupeConfig struct {
	TTL      Duration `yaml:"ttl"`
	RedisURL string   `yaml:"redis_url"`
}

type EventBusConfig struct {
	// Provider is gochannel or kafka.
	Provider string   `yaml:"provider"`
	Brokers  []string `yaml:"brokers"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

type EngineConfig struct {
	// MetricsPort serves the Prometheus endpoint on engine replicas.
	MetricsPort int `yaml:"metrics_port"`
}

type Config struct {
	LogLevel    string          `yaml:"log_level"`
	DatabaseURL string          `yaml:"database_url"`
	EventBus    EventBusConfig  `yaml:"event_bus"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Retry       RetryConfig     `yaml:"retry"`
	Dedupe      DedupeConfig    `yaml:"dedupe"`
	API         APIConfig       `yaml:"api"`
	Engine      EngineConfig    `yaml:"engine"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		DatabaseURL: "memory://",
		EventBus:    EventBusConfig{Provider: "gochannel"},
		Scheduler: SchedulerConfig{
			PollInterval:     Duration(time.Second),
			LeaseDuration:    Duration(30 * time.Second),
			MaxConcurrent:    10,
			StoreBackoffBase: Duration(time.Second),
			StoreBackoffCap:  Duration(time.Minute),
		},
		Retry: RetryConfig{
			BackoffBase: Duration(5 * time.Second),
			BackoffCap:  Duration(10 * time.Minute),
		},
		Dedupe: DedupeConfig{
			TTL: Duration(24 * time.Hour),
		},
		API:    APIConfig{Port: 9091},
		Engine: EngineConfig{MetricsPort: 9090},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}

	switch c.EventBus.Provider {
	case "gochannel", "kafka":
	default:
		return fmt.Errorf("unsupported event bus provider %q", c.EventBus.Provider)
	}

	if c.EventBus.Provider == "kafka" && len(c.EventBus.Brokers) == 0 {
		return fmt.Errorf("event_bus.brokers is required for the kafka provider")
	}

	return nil
}
