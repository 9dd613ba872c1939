package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Auth     AuthConfig     `yaml:"auth"`
	Queue    QueueConfig    `yaml:"queue"`
	Retry    RetryConfig    `yaml:"retry"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local queue database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains remote store endpoints. The realtime URL serves the
// change feed; the REST URL serves mutations.
type RemoteConfig struct {
	RealtimeURL       string   `yaml:"realtime_url"`
	RESTURL           string   `yaml:"rest_url"`
	APIKey            string   `yaml:"-"` // env-only, never in YAML
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// AuthConfig contains status API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// QueueConfig contains offline queue settings.
type QueueConfig struct {
	MaxSize int `yaml:"max_size"`
}

// RetryConfig contains queued-change dispatch retry settings.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Multiplier  float64  `yaml:"multiplier"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SyncSchedule string `yaml:"sync_schedule"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("DIVVY_CONFIG_PATH", "config/divvy-sync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/divvy-sync.db",
		},
		Remote: RemoteConfig{
			RealtimeURL:       "ws://localhost:54321/realtime/v1/websocket",
			RESTURL:           "http://localhost:54321",
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Queue: QueueConfig{
			MaxSize: 1000,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(500 * time.Millisecond),
			MaxDelay:    Duration(30 * time.Second),
			Multiplier:  2.0,
		},
		Worker: WorkerConfig{
			SyncSchedule: "@every 30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("DIVVY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DIVVY_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("DIVVY_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("DIVVY_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("DIVVY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("DIVVY_REALTIME_URL"); v != "" {
		cfg.Remote.RealtimeURL = v
	}
	if v := os.Getenv("DIVVY_REST_URL"); v != "" {
		cfg.Remote.RESTURL = v
	}
	if v := os.Getenv("DIVVY_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("DIVVY_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.HeartbeatInterval = Duration(d)
		}
	}

	// Auth
	if v := os.Getenv("DIVVY_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Queue
	if v := os.Getenv("DIVVY_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxSize = n
		}
	}

	// Retry
	if v := os.Getenv("DIVVY_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("DIVVY_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.BaseDelay = Duration(d)
		}
	}
	if v := os.Getenv("DIVVY_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.MaxDelay = Duration(d)
		}
	}
	if v := os.Getenv("DIVVY_RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retry.Multiplier = f
		}
	}

	// Worker
	if v := os.Getenv("DIVVY_SYNC_SCHEDULE"); v != "" {
		cfg.Worker.SyncSchedule = v
	}

	// Log
	if v := os.Getenv("DIVVY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DIVVY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (DIVVY_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if c.Remote.RealtimeURL == "" {
		return errors.New("remote.realtime_url is required")
	}
	if c.Remote.RESTURL == "" {
		return errors.New("remote.rest_url is required")
	}
	if c.Queue.MaxSize <= 0 {
		return errors.New("queue.max_size must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}

	// Dev mode bypasses API key validation
	if os.Getenv("DIVVY_DEV_MODE") == "true" {
		return nil
	}

	if c.Remote.APIKey == "" {
		return errors.New("DIVVY_REMOTE_API_KEY is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("DIVVY_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
