package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	cfg     *Config
	cfgOnce sync.Once
	cfgErr  error
)

// Get returns the global config, loading it on first call.
// Panics if config loading fails.
func Get() *Config {
	// If config was set via SetForTesting, return it directly
	if cfg != nil {
		return cfg
	}
	cfgOnce.Do(func() {
		cfg, cfgErr = Load()
	})
	if cfgErr != nil {
		panic(fmt.Sprintf("failed to load config: %v", cfgErr))
	}
	return cfg
}

// MustLoad loads config and panics on error. Call once at startup.
func MustLoad() {
	_ = Get()
}

// SetForTesting sets a custom config for testing purposes.
// This bypasses the sync.Once and allows tests to configure the global config.
// Only use in tests.
func SetForTesting(c *Config) {
	cfg = c
	cfgErr = nil
}

// Config holds all configuration for the collector.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig holds SQLite database configuration.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds HTTP and gRPC listener configuration.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort string `yaml:"http_port"`
	GRPCPort string `yaml:"grpc_port"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPAddr returns the HTTP listen address.
func (s ServerConfig) HTTPAddr() string {
	return s.Host + ":" + s.HTTPPort
}

// GRPCAddr returns the gRPC listen address.
func (s ServerConfig) GRPCAddr() string {
	return s.Host + ":" + s.GRPCPort
}

// Default returns a Config with all default values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "./traces.db",
		},
		Server: ServerConfig{
			Host:     "127.0.0.1",
			HTTPPort: "4318",
			GRPCPort: "4317",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration in three layers: defaults, then an
// optional YAML file named by YUUTRACE_CONFIG, then environment variable
// overrides. Returns an error for an unreadable or invalid file.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("YUUTRACE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %q: %w", path, err)
		}
	}

	// Storage configuration
	if path := os.Getenv("YUUTRACE_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}

	// Server configuration
	if host := os.Getenv("YUUTRACE_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("YUUTRACE_HTTP_PORT"); port != "" {
		cfg.Server.HTTPPort = port
	}

	if port := os.Getenv("YUUTRACE_GRPC_PORT"); port != "" {
		cfg.Server.GRPCPort = port
	}

	// Log configuration
	if level := os.Getenv("YUUTRACE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if format := os.Getenv("YUUTRACE_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}

	return cfg, nil
}
