package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Helper to clear all config-related env vars
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"DIVVY_PORT",
		"DIVVY_READ_TIMEOUT",
		"DIVVY_WRITE_TIMEOUT",
		"DIVVY_SHUTDOWN_TIMEOUT",
		"DIVVY_DB_PATH",
		"DIVVY_REALTIME_URL",
		"DIVVY_REST_URL",
		"DIVVY_REMOTE_API_KEY",
		"DIVVY_HEARTBEAT_INTERVAL",
		"DIVVY_API_KEY",
		"DIVVY_QUEUE_MAX_SIZE",
		"DIVVY_RETRY_MAX_ATTEMPTS",
		"DIVVY_RETRY_BASE_DELAY",
		"DIVVY_RETRY_MAX_DELAY",
		"DIVVY_RETRY_MULTIPLIER",
		"DIVVY_SYNC_SCHEDULE",
		"DIVVY_LOG_LEVEL",
		"DIVVY_LOG_FORMAT",
		"DIVVY_CONFIG_PATH",
		"DIVVY_DEV_MODE",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

// Helper to set dev mode for testing
func setDevModeEnv(t *testing.T) {
	t.Helper()
	os.Setenv("DIVVY_DEV_MODE", "true")
}

// Helper to set production env vars (API keys required)
func setProdEnv(t *testing.T) {
	t.Helper()
	os.Setenv("DIVVY_REMOTE_API_KEY", "remote-key")
	os.Setenv("DIVVY_API_KEY", "test-api-key")
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

// Test: Default values when no config file and no env vars (dev mode)
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Server defaults
	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if dur(cfg.Server.ReadTimeout) != 30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}

	// Database defaults
	if cfg.Database.Path != "data/divvy-sync.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "data/divvy-sync.db")
	}

	// Queue defaults
	if cfg.Queue.MaxSize != 1000 {
		t.Errorf("Queue.MaxSize = %d, want 1000", cfg.Queue.MaxSize)
	}

	// Retry defaults
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if dur(cfg.Retry.BaseDelay) != 500*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want 500ms", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.Multiplier != 2.0 {
		t.Errorf("Retry.Multiplier = %v, want 2.0", cfg.Retry.Multiplier)
	}

	// Worker defaults
	if cfg.Worker.SyncSchedule != "@every 30s" {
		t.Errorf("Worker.SyncSchedule = %q, want %q", cfg.Worker.SyncSchedule, "@every 30s")
	}

	// Log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

// Test: Validation fails without API keys (non-dev mode)
func TestLoad_ValidationFailsWithoutAPIKeys(t *testing.T) {
	clearEnv(t)
	// No DIVVY_DEV_MODE set, so validation should fail

	_, err := Load()
	if err == nil {
		t.Error("Load() expected error when API keys missing, got nil")
	}
}

// Test: Validation passes with API keys set via env vars
func TestLoad_ValidationPassesWithAPIKeys(t *testing.T) {
	clearEnv(t)
	setProdEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Remote.APIKey != "remote-key" {
		t.Errorf("Remote.APIKey = %q, want %q", cfg.Remote.APIKey, "remote-key")
	}
	if cfg.Auth.APIKey != "test-api-key" {
		t.Errorf("Auth.APIKey = %q, want %q", cfg.Auth.APIKey, "test-api-key")
	}
}

// Test: Dev mode bypasses API key validation
func TestLoad_DevModeBypassesValidation(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Remote.APIKey != "" {
		t.Errorf("Remote.APIKey = %q, want empty", cfg.Remote.APIKey)
	}
	if cfg.Auth.APIKey != "" {
		t.Errorf("Auth.APIKey = %q, want empty", cfg.Auth.APIKey)
	}
}

// Test: Environment variables override defaults
func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	os.Setenv("DIVVY_PORT", "9090")
	os.Setenv("DIVVY_DB_PATH", "/custom/path.db")
	os.Setenv("DIVVY_REALTIME_URL", "wss://divvy.example/realtime")
	os.Setenv("DIVVY_QUEUE_MAX_SIZE", "250")
	os.Setenv("DIVVY_RETRY_BASE_DELAY", "2s")
	os.Setenv("DIVVY_SYNC_SCHEDULE", "@every 5m")
	os.Setenv("DIVVY_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.Remote.RealtimeURL != "wss://divvy.example/realtime" {
		t.Errorf("Remote.RealtimeURL = %q, want override", cfg.Remote.RealtimeURL)
	}
	if cfg.Queue.MaxSize != 250 {
		t.Errorf("Queue.MaxSize = %d, want 250", cfg.Queue.MaxSize)
	}
	if dur(cfg.Retry.BaseDelay) != 2*time.Second {
		t.Errorf("Retry.BaseDelay = %v, want 2s", cfg.Retry.BaseDelay)
	}
	if cfg.Worker.SyncSchedule != "@every 5m" {
		t.Errorf("Worker.SyncSchedule = %q, want %q", cfg.Worker.SyncSchedule, "@every 5m")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

// Test: Empty env var does NOT override (only non-empty values override)
func TestLoad_EmptyEnvVarDoesNotOverride(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	os.Setenv("DIVVY_PORT", "") // Empty string

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090 (default)", cfg.Server.Port)
	}
}

// Test: YAML file loading
func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yamlContent := `
server:
  port: 9999
  read_timeout: 60s
database:
  path: /yaml/path.db
remote:
  realtime_url: wss://yaml.example/realtime
  rest_url: https://yaml.example
queue:
  max_size: 500
log:
  level: warn
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if dur(cfg.Server.ReadTimeout) != 60*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 60s", cfg.Server.ReadTimeout)
	}
	if cfg.Remote.RealtimeURL != "wss://yaml.example/realtime" {
		t.Errorf("Remote.RealtimeURL = %q, want YAML value", cfg.Remote.RealtimeURL)
	}
	if cfg.Queue.MaxSize != 500 {
		t.Errorf("Queue.MaxSize = %d, want 500", cfg.Queue.MaxSize)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
}

// Test: Env vars override YAML values
func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yamlContent := `
server:
  port: 9000
log:
  level: warn
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	os.Setenv("DIVVY_CONFIG_PATH", configPath)
	os.Setenv("DIVVY_PORT", "8888") // Should override YAML

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Env should win over YAML
	if cfg.Server.Port != 8888 {
		t.Errorf("Server.Port = %d, want 8888 (env override)", cfg.Server.Port)
	}
	// YAML value should still apply where no env override
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q (from YAML)", cfg.Log.Level, "warn")
	}
}

// Test: Invalid YAML returns error
func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")
	invalidYAML := `
server:
  port: not_a_number
  this is invalid yaml [
`
	if err := os.WriteFile(configPath, []byte(invalidYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("LoadFromFile() expected error for invalid YAML, got nil")
	}
}

// Test: Missing config file is NOT an error (uses defaults)
func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	os.Setenv("DIVVY_CONFIG_PATH", "/nonexistent/path/config.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() should not error on missing file, got: %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090 (default)", cfg.Server.Port)
	}
}

// Test: Duration parsing with various formats
func TestLoadFromFile_DurationParsing(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "durations.yaml")
	yamlContent := `
server:
  read_timeout: 5m30s
remote:
  heartbeat_interval: 45s
retry:
  base_delay: 250ms
  max_delay: 1m
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if dur(cfg.Server.ReadTimeout) != 5*time.Minute+30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 5m30s", cfg.Server.ReadTimeout)
	}
	if dur(cfg.Remote.HeartbeatInterval) != 45*time.Second {
		t.Errorf("Remote.HeartbeatInterval = %v, want 45s", cfg.Remote.HeartbeatInterval)
	}
	if dur(cfg.Retry.BaseDelay) != 250*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want 250ms", cfg.Retry.BaseDelay)
	}
	if dur(cfg.Retry.MaxDelay) != time.Minute {
		t.Errorf("Retry.MaxDelay = %v, want 1m", cfg.Retry.MaxDelay)
	}
}

// Test: Invalid duration string returns error
func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad_duration.yaml")
	yamlContent := `
server:
  read_timeout: not_a_duration
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("LoadFromFile() expected error for invalid duration, got nil")
	}
}

// Test: Non-positive queue size is rejected
func TestLoadFromFile_RejectsNonPositiveQueueSize(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "queue.yaml")
	yamlContent := `
queue:
  max_size: 0
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Error("LoadFromFile() expected error for zero queue size, got nil")
	}
}

// Test: Secrets are not serializable via YAML tag
func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := &Config{
		Remote: RemoteConfig{APIKey: "secret-key"},
		Auth:   AuthConfig{APIKey: "another-secret"},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}

	yamlStr := string(data)
	if strings.Contains(yamlStr, "secret-key") {
		t.Errorf("YAML contains Remote.APIKey secret: %s", yamlStr)
	}
	if strings.Contains(yamlStr, "another-secret") {
		t.Errorf("YAML contains Auth.APIKey secret: %s", yamlStr)
	}
}
