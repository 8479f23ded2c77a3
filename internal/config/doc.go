// Package config provides configuration loading and validation for the relay.
// Defaults are overlaid by an optional YAML file, then by environment variables
// (optionally seeded from a .env file).
package config
