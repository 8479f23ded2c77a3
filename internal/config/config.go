package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Downstream DownstreamConfig `yaml:"downstream"`
	Whisper    ServiceConfig    `yaml:"whisper"`
	Translator ServiceConfig    `yaml:"translator"`
	Staging    StagingConfig    `yaml:"staging"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int    `yaml:"port"`
	BindAddress     string `yaml:"bind_address"`
	CORSOrigin      string `yaml:"cors_origin"` // "*" allows any origin
	Environment     string `yaml:"environment"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// WebSocketConfig contains client link configuration
type WebSocketConfig struct {
	Path           string   `yaml:"path"`
	PingInterval   int      `yaml:"ping_interval"` // seconds
	IdleTimeout    int      `yaml:"idle_timeout"`  // seconds
	MaxMessageSize ByteSize `yaml:"max_message_size"`
	MaxInFlight    int      `yaml:"max_in_flight"` // per connection; 0 is unbounded
}

// DownstreamConfig contains retry policy shared by both downstream services
type DownstreamConfig struct {
	MaxRetries    int `yaml:"max_retries"`    // total attempts
	RetryDelay    int `yaml:"retry_delay"`    // milliseconds
	HealthTimeout int `yaml:"health_timeout"` // seconds
}

// ServiceConfig contains one downstream service endpoint
type ServiceConfig struct {
	URL     string `yaml:"url"`
	Timeout int    `yaml:"timeout"` // seconds
}

// StagingConfig contains audio staging configuration
type StagingConfig struct {
	Dir         string   `yaml:"dir"`
	MaxFileSize ByteSize `yaml:"max_file_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text or console
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// ByteSize is a size in bytes that unmarshals from either a number or a human form such
// as "10MB"
type ByteSize int64

// UnmarshalYAML parses plain integers and human-readable sizes
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	size, err := ParseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// String renders the size in SI units
func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

// ParseByteSize parses "10485760", "10MB" or "10 MiB"
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Default returns the configuration used when no file or environment overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			BindAddress:     "0.0.0.0",
			CORSOrigin:      "http://localhost:3000",
			Environment:     "development",
			ShutdownTimeout: 30,
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			PingInterval:   25,
			IdleTimeout:    60,
			MaxMessageSize: 16 * 1024 * 1024,
			MaxInFlight:    0,
		},
		Downstream: DownstreamConfig{
			MaxRetries:    3,
			RetryDelay:    1000,
			HealthTimeout: 5,
		},
		Whisper: ServiceConfig{
			URL:     "http://localhost:8001",
			Timeout: 90,
		},
		Translator: ServiceConfig{
			URL:     "http://localhost:8002",
			Timeout: 30,
		},
		Staging: StagingConfig{
			Dir:         "uploads",
			MaxFileSize: 10 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.WebSocket.Validate(); err != nil {
		return fmt.Errorf("websocket config: %w", err)
	}

	if err := c.Downstream.Validate(); err != nil {
		return fmt.Errorf("downstream config: %w", err)
	}

	if err := c.Whisper.Validate(); err != nil {
		return fmt.Errorf("whisper config: %w", err)
	}

	if err := c.Translator.Validate(); err != nil {
		return fmt.Errorf("translator config: %w", err)
	}

	if err := c.Staging.Validate(); err != nil {
		return fmt.Errorf("staging config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.CORSOrigin == "" {
		return fmt.Errorf("cors_origin cannot be empty, use \"*\" to allow any origin")
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates websocket configuration
func (w *WebSocketConfig) Validate() error {
	if !strings.HasPrefix(w.Path, "/") {
		return fmt.Errorf("path must start with '/', got '%s'", w.Path)
	}

	if w.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", w.PingInterval)
	}

	if w.IdleTimeout <= w.PingInterval {
		return fmt.Errorf("idle_timeout (%d) must be greater than ping_interval (%d)", w.IdleTimeout, w.PingInterval)
	}

	if w.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1KB, got %d bytes", w.MaxMessageSize)
	}

	if w.MaxInFlight < 0 {
		return fmt.Errorf("max_in_flight cannot be negative, got %d", w.MaxInFlight)
	}

	return nil
}

// Validate validates downstream retry configuration
func (d *DownstreamConfig) Validate() error {
	if d.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", d.MaxRetries)
	}

	if d.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative, got %d", d.RetryDelay)
	}

	if d.HealthTimeout < 1 {
		return fmt.Errorf("health_timeout must be at least 1 second, got %d", d.HealthTimeout)
	}

	return nil
}

// Validate validates a downstream service endpoint
func (s *ServiceConfig) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("invalid url '%s': %w", s.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https, got '%s'", s.URL)
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	return nil
}

// Validate validates staging configuration
func (s *StagingConfig) Validate() error {
	if s.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}

	if s.MaxFileSize < 1 {
		return fmt.Errorf("max_file_size must be positive, got %d", s.MaxFileSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json', 'text' or 'console', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Address returns the listen address
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetPingIntervalDuration returns the ping interval as a time.Duration
func (w *WebSocketConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(w.PingInterval) * time.Second
}

// GetIdleTimeoutDuration returns the idle timeout as a time.Duration
func (w *WebSocketConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(w.IdleTimeout) * time.Second
}

// GetRetryDelayDuration returns the base retry delay as a time.Duration
func (d *DownstreamConfig) GetRetryDelayDuration() time.Duration {
	return time.Duration(d.RetryDelay) * time.Millisecond
}

// GetHealthTimeoutDuration returns the health probe timeout as a time.Duration
func (d *DownstreamConfig) GetHealthTimeoutDuration() time.Duration {
	return time.Duration(d.HealthTimeout) * time.Second
}

// GetTimeoutDuration returns the per-call timeout as a time.Duration
func (s *ServiceConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}
