// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail sink.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	API     APIConfig     `yaml:"api"`
	Store   StoreConfig   `yaml:"store"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds the ingestion listener configuration.
type SMTPConfig struct {
	Listen   string `yaml:"listen"`
	Hostname string `yaml:"hostname"`
}

// APIConfig holds the query API configuration.
type APIConfig struct {
	Listen string `yaml:"listen"`

	// Key is the shared secret required in the `k` query parameter.
	// When empty, the process generates one at startup and logs it.
	Key string `yaml:"key"`

	// SkipCorrupt makes listings skip undecodable records instead of
	// failing the whole request.
	SkipCorrupt bool `yaml:"skip_corrupt"`
}

// StoreConfig holds the storage engine configuration.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TLSConfig holds TLS certificate file paths for STARTTLS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.API.Listen = ":8025"
	c.Store.Path = "mailsink.db"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}

	if v := os.Getenv("API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.API.Key = v
	}
	if v := os.Getenv("API_SKIP_CORRUPT"); v != "" {
		c.API.SkipCorrupt = strings.EqualFold(v, "true") || v == "1"
	}

	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
