// Package config loads server configuration from an optional TOML file
// with environment-variable overrides for deploy-time settings.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds all server configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Backend    BackendConfig    `toml:"backend"`
	Generation GenerationConfig `toml:"generation"`
	Database   DatabaseConfig   `toml:"database"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// BackendConfig locates the graph-execution backend.
type BackendConfig struct {
	Address        string `toml:"address"`
	Protocol       string `toml:"protocol"`
	WSProtocol     string `toml:"ws_protocol"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
}

// GenerationConfig tunes the orchestration core.
type GenerationConfig struct {
	WorkflowDir           string `toml:"workflow_dir"`
	MaxDurationSeconds    int    `toml:"max_duration_seconds"`
	DefaultTimeoutSeconds int    `toml:"default_timeout_seconds"`
	TimeoutPerUnitSeconds int    `toml:"timeout_per_unit_seconds"`
	MaxTasks              int    `toml:"max_tasks"`
	SeedStride            int64  `toml:"seed_stride"`
	NamespaceBase         int    `toml:"namespace_base"`
	NamespaceStride       int    `toml:"namespace_stride"`
}

// DatabaseConfig points at the optional task archive. An empty URL runs
// the server purely in memory.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 12321,
		},
		Backend: BackendConfig{
			Address:        "127.0.0.1:8188",
			Protocol:       "http",
			WSProtocol:     "ws",
			PollIntervalMS: 2000,
		},
		Generation: GenerationConfig{
			WorkflowDir:           "workflows",
			MaxDurationSeconds:    30,
			DefaultTimeoutSeconds: 600,
			TimeoutPerUnitSeconds: 30,
			MaxTasks:              100,
			SeedStride:            1_000_000,
			NamespaceBase:         70,
			NamespaceStride:       6,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads cfg from path (when non-empty) on top of the defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "load config %s", path)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("YSMOVIE_BACKEND"); v != "" {
		c.Backend.Address = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// PollInterval returns the backend poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Backend.PollIntervalMS) * time.Millisecond
}
