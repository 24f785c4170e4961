package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "panlhub.yml"

// HubConfig represents the top-level panlhub.yml configuration
type HubConfig struct {
	Version    string          `yaml:"version"`
	Listen     string          `yaml:"listen"`
	HealthAddr string          `yaml:"health_addr"`
	Redis      RedisConfig     `yaml:"redis"`
	Database   DatabaseConfig  `yaml:"database"`
	Transport  TransportConfig `yaml:"transport"`
	Calendar   CalendarConfig  `yaml:"calendar"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// RedisConfig locates the timeline cache
type RedisConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
}

// DatabaseConfig locates the sqlite file
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TransportConfig tunes agent connections
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	KeepAlive        time.Duration `yaml:"keepalive"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// CalendarConfig tunes the calendar manager. The backend itself is
// selected at runtime through the stored calendar configuration.
type CalendarConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LoggingConfig selects log level and output format
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns a configuration with every default applied.
func Default() *HubConfig {
	c := &HubConfig{Version: "1.0"}
	c.applyDefaults()
	return c
}

func (c *HubConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":63441"
	}
	if c.HealthAddr == "" {
		c.HealthAddr = ":8080"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = "default"
	}
	if c.Database.Path == "" {
		c.Database.Path = "panlhub.db"
	}
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = 5 * time.Second
	}
	if c.Transport.KeepAlive == 0 {
		c.Transport.KeepAlive = 30 * time.Second
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = 10 * time.Second
	}
	if c.Calendar.RetryInterval == 0 {
		c.Calendar.RetryInterval = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// applyEnv overrides file settings from the environment
func (c *HubConfig) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("PANL_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("PANL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate applies defaults and performs strict validation on the configuration
func (c *HubConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	c.applyDefaults()

	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("redis.url must start with redis:// or rediss://, got %q", c.Redis.URL)
	}
	if strings.ContainsAny(c.Redis.Namespace, ":*? ") {
		return fmt.Errorf("invalid redis.namespace %q: must not contain ':', '*', '?' or spaces", c.Redis.Namespace)
	}
	if c.Transport.HandshakeTimeout < 0 || c.Transport.KeepAlive < 0 || c.Transport.WriteTimeout < 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}
	if c.Calendar.RetryInterval < 0 {
		return fmt.Errorf("calendar.retry_interval must be positive, got %s", c.Calendar.RetryInterval)
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be 'console' or 'json')", c.Logging.Format)
	}
	return nil
}

// Load reads and validates panlhub.yml from the specified path. A missing
// file at the default path yields the defaults.
func Load(path string) (*HubConfig, error) {
	config := HubConfig{Version: "1.0"}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case os.IsNotExist(err) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
