package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func mapEnv(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	config := Default()
	if err := config.Validate(); err != nil {
		t.Fatalf("Default config must validate, got: %v", err)
	}

	if config.Whisper.URL != "http://localhost:8001" || config.Translator.URL != "http://localhost:8002" {
		t.Errorf("Unexpected service defaults: %+v %+v", config.Whisper, config.Translator)
	}
	if config.Downstream.MaxRetries != 3 || config.Downstream.RetryDelay != 1000 {
		t.Errorf("Unexpected retry defaults: %+v", config.Downstream)
	}
	if config.Staging.MaxFileSize != 10*1024*1024 || config.Staging.Dir != "uploads" {
		t.Errorf("Unexpected staging defaults: %+v", config.Staging)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "empty cors origin",
			mutate:      func(c *Config) { c.Server.CORSOrigin = "" },
			expectError: true,
			errorMsg:    "cors_origin cannot be empty",
		},
		{
			name:        "websocket path without slash",
			mutate:      func(c *Config) { c.WebSocket.Path = "ws" },
			expectError: true,
			errorMsg:    "path must start with '/'",
		},
		{
			name:        "idle timeout not above ping interval",
			mutate:      func(c *Config) { c.WebSocket.IdleTimeout = c.WebSocket.PingInterval },
			expectError: true,
			errorMsg:    "idle_timeout",
		},
		{
			name:        "negative in-flight bound",
			mutate:      func(c *Config) { c.WebSocket.MaxInFlight = -1 },
			expectError: true,
			errorMsg:    "max_in_flight cannot be negative",
		},
		{
			name:        "zero attempts",
			mutate:      func(c *Config) { c.Downstream.MaxRetries = 0 },
			expectError: true,
			errorMsg:    "max_retries must be at least 1",
		},
		{
			name:        "whisper url without scheme",
			mutate:      func(c *Config) { c.Whisper.URL = "localhost:8001" },
			expectError: true,
			errorMsg:    "whisper config",
		},
		{
			name:        "translator timeout zero",
			mutate:      func(c *Config) { c.Translator.Timeout = 0 },
			expectError: true,
			errorMsg:    "translator config: timeout must be at least 1 second",
		},
		{
			name:        "empty staging dir",
			mutate:      func(c *Config) { c.Staging.Dir = "" },
			expectError: true,
			errorMsg:    "dir cannot be empty",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
		{
			name:   "console log format",
			mutate: func(c *Config) { c.Logging.Format = "console" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)
			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(*testing.T, *Config)
	}{
		{
			name: "valid config file",
			configYAML: `
server:
  port: 9000
  cors_origin: "*"
websocket:
  max_message_size: 8MB
  max_in_flight: 4
whisper:
  url: "http://whisper:8000"
  timeout: 120
staging:
  dir: "/tmp/relay"
  max_file_size: 2048
logging:
  level: "debug"
`,
			check: func(t *testing.T, c *Config) {
				if c.Server.Port != 9000 || c.Server.CORSOrigin != "*" {
					t.Errorf("Unexpected server config %+v", c.Server)
				}
				if c.WebSocket.MaxMessageSize != 8_000_000 || c.WebSocket.MaxInFlight != 4 {
					t.Errorf("Unexpected websocket config %+v", c.WebSocket)
				}
				if c.Whisper.GetTimeoutDuration() != 120*time.Second {
					t.Errorf("Expected 120s whisper timeout, got %v", c.Whisper.GetTimeoutDuration())
				}
				if c.Staging.MaxFileSize != 2048 {
					t.Errorf("Expected 2048 byte limit, got %d", c.Staging.MaxFileSize)
				}
				// Untouched sections keep their defaults
				if c.Translator.URL != "http://localhost:8002" || c.Logging.Format != "json" {
					t.Errorf("Expected defaults to survive, got %+v %+v", c.Translator, c.Logging)
				}
			},
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
server:
  port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "invalid size",
			configYAML: `
staging:
  max_file_size: lots
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "explicitly emptied field",
			configYAML: `
server:
  bind_address: ""
`,
			expectError: true,
			errorMsg:    "bind_address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := load(configPath, noEnv)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}

func TestConfigLoadWithoutFile(t *testing.T) {
	config, err := load("", noEnv)
	if err != nil {
		t.Fatalf("Expected defaults to load, got: %v", err)
	}
	if config.Server.Port != 8000 {
		t.Errorf("Expected default port, got %d", config.Server.Port)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := load("nonexistent.yaml", noEnv)
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	config := Default()
	err := config.ApplyEnv(mapEnv(map[string]string{
		"PORT":               "8080",
		"WHISPER_URL":        "http://gpu-box:8001",
		"TRANSLATOR_URL":     "http://gpu-box:8002",
		"MAX_RETRIES":        "5",
		"RETRY_DELAY":        "250",
		"WHISPER_TIMEOUT":    "180",
		"TRANSLATOR_TIMEOUT": "15",
		"MAX_FILE_SIZE":      "25MB",
		"UPLOAD_DIR":         "/var/tmp/relay",
		"LOG_LEVEL":          "warn",
		"CORS_ORIGIN":        "",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if config.Server.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", config.Server.Port)
	}
	if config.Whisper.URL != "http://gpu-box:8001" || config.Translator.URL != "http://gpu-box:8002" {
		t.Errorf("Unexpected URLs %s %s", config.Whisper.URL, config.Translator.URL)
	}
	if config.Downstream.MaxRetries != 5 || config.Downstream.GetRetryDelayDuration() != 250*time.Millisecond {
		t.Errorf("Unexpected retry policy %+v", config.Downstream)
	}
	if config.Whisper.Timeout != 180 || config.Translator.Timeout != 15 {
		t.Errorf("Unexpected timeouts %d %d", config.Whisper.Timeout, config.Translator.Timeout)
	}
	if config.Staging.MaxFileSize != 25_000_000 || config.Staging.Dir != "/var/tmp/relay" {
		t.Errorf("Unexpected staging %+v", config.Staging)
	}
	if config.Logging.Level != "warn" {
		t.Errorf("Expected warn level, got %s", config.Logging.Level)
	}
	// Empty values leave the default in place
	if config.Server.CORSOrigin != "http://localhost:3000" {
		t.Errorf("Expected default CORS origin, got %s", config.Server.CORSOrigin)
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value, errorMsg string
	}{
		{"PORT", "eighty", "PORT must be an integer"},
		{"MAX_FILE_SIZE", "huge", "MAX_FILE_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := Default().ApplyEnv(mapEnv(map[string]string{tt.key: tt.value}))
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("RELAY_TEST_ENV_FILE=loaded\n"), 0644); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("RELAY_TEST_ENV_FILE") })

	if err := LoadEnvFile(path, true); err != nil {
		t.Fatalf("LoadEnvFile failed: %v", err)
	}
	if os.Getenv("RELAY_TEST_ENV_FILE") != "loaded" {
		t.Errorf("Expected variable from env file, got %q", os.Getenv("RELAY_TEST_ENV_FILE"))
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"), false); err != nil {
		t.Errorf("Optional missing env file must not fail, got %v", err)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env"), true); err == nil {
		t.Error("Required missing env file must fail")
	}
}

func TestDurationHelpers(t *testing.T) {
	config := Default()

	if config.WebSocket.GetPingIntervalDuration() != 25*time.Second {
		t.Errorf("Expected 25 seconds, got %v", config.WebSocket.GetPingIntervalDuration())
	}

	if config.WebSocket.GetIdleTimeoutDuration() != 60*time.Second {
		t.Errorf("Expected 60 seconds, got %v", config.WebSocket.GetIdleTimeoutDuration())
	}

	if config.Downstream.GetRetryDelayDuration() != time.Second {
		t.Errorf("Expected 1 second, got %v", config.Downstream.GetRetryDelayDuration())
	}

	if config.Downstream.GetHealthTimeoutDuration() != 5*time.Second {
		t.Errorf("Expected 5 seconds, got %v", config.Downstream.GetHealthTimeoutDuration())
	}

	if config.Whisper.GetTimeoutDuration() != 90*time.Second {
		t.Errorf("Expected 90 seconds, got %v", config.Whisper.GetTimeoutDuration())
	}

	if config.Server.Address() != "0.0.0.0:8000" {
		t.Errorf("Expected 0.0.0.0:8000, got %s", config.Server.Address())
	}
}

func TestByteSizeString(t *testing.T) {
	if got := ByteSize(10 * 1000 * 1000).String(); got != "10 MB" {
		t.Errorf("Expected '10 MB', got %q", got)
	}
}
