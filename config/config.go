// Package config provides unified configuration loading for flhub:
// defaults, overridden by a YAML file, overridden by environment
// variables with the FLHUB_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flhub/flhub/registry"
	"github.com/flhub/flhub/store"
)

// Config is the complete flhub configuration.
type Config struct {
	// Server holds the HTTP and metrics listener settings.
	Server ServerConfig `yaml:"server"`

	// Registry holds the coordinator timing settings.
	Registry registry.Config `yaml:"registry"`

	// Store selects and configures the durable record store.
	Store StoreConfig `yaml:"store"`

	// Log holds logger settings.
	Log LogConfig `yaml:"log"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	// Driver is one of "sqlite", "redis" or "memory".
	Driver string `yaml:"driver"`

	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `yaml:"sqlite_path"`

	// Redis configures the redis driver.
	Redis store.RedisConfig `yaml:"redis"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file or
// environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Registry: registry.DefaultConfig(),
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "flhub.db",
			Redis:      store.DefaultRedisConfig(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path (optional; empty means defaults
// only) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the hub cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.Server.HTTPPort)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLHUB_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("FLHUB_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if v := os.Getenv("FLHUB_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("FLHUB_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("FLHUB_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("FLHUB_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("FLHUB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FLHUB_HEARTBEAT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Registry.HeartbeatWindow = d
		}
	}
	if v := os.Getenv("FLHUB_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Registry.SweepInterval = d
		}
	}
}
