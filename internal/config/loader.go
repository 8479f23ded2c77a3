package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LookupFunc resolves an environment variable
type LookupFunc func(key string) (string, bool)

// Load builds the configuration from defaults, an optional YAML file and the process
// environment, in that order, and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup LookupFunc) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.ApplyEnv(lookup); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadEnvFile loads KEY=value pairs into the process environment without overriding
// variables that are already set. A missing file is not an error unless required.
func LoadEnvFile(path string, required bool) error {
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables on the configuration
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	strVars := map[string]*string{
		"BIND_ADDRESS":   &c.Server.BindAddress,
		"CORS_ORIGIN":    &c.Server.CORSOrigin,
		"ENVIRONMENT":    &c.Server.Environment,
		"WS_PATH":        &c.WebSocket.Path,
		"WHISPER_URL":    &c.Whisper.URL,
		"TRANSLATOR_URL": &c.Translator.URL,
		"UPLOAD_DIR":     &c.Staging.Dir,
		"LOG_LEVEL":      &c.Logging.Level,
		"LOG_FORMAT":     &c.Logging.Format,
		"LOG_OUTPUT":     &c.Logging.Output,
	}
	for key, dst := range strVars {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"PORT":               &c.Server.Port,
		"MAX_RETRIES":        &c.Downstream.MaxRetries,
		"RETRY_DELAY":        &c.Downstream.RetryDelay,
		"HEALTH_TIMEOUT":     &c.Downstream.HealthTimeout,
		"WHISPER_TIMEOUT":    &c.Whisper.Timeout,
		"TRANSLATOR_TIMEOUT": &c.Translator.Timeout,
		"MAX_IN_FLIGHT":      &c.WebSocket.MaxInFlight,
	}
	for key, dst := range intVars {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got '%s'", key, v)
		}
		*dst = n
	}

	sizeVars := map[string]*ByteSize{
		"MAX_FILE_SIZE":    &c.Staging.MaxFileSize,
		"MAX_MESSAGE_SIZE": &c.WebSocket.MaxMessageSize,
	}
	for key, dst := range sizeVars {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		size, err := ParseByteSize(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = size
	}

	return nil
}
