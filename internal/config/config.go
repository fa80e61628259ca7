// Package config loads the scout service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Config is the top-level scout configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	MCP        MCPConfig        `yaml:"mcp"`
	Browser    BrowserConfig    `yaml:"browser"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Settings   SettingsConfig   `yaml:"settings"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// BasicAuthUser enables basic auth when set. BasicAuthHash is the
	// bcrypt hash of the password.
	BasicAuthUser string        `yaml:"basic_auth_user"`
	BasicAuthHash string        `yaml:"basic_auth_hash"`
	RateLimit     int           `yaml:"rate_limit"` // extraction requests per window and client, 0 = off
	RateWindow    time.Duration `yaml:"rate_window"`
	MaxBody       int64         `yaml:"max_body"`
}

// MCPConfig controls the MCP surface.
type MCPConfig struct {
	// Path mounts the streamable HTTP handler on the API router. Empty disables it.
	Path  string `yaml:"path"`
	Stdio bool   `yaml:"stdio"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Bin              string        `yaml:"bin"`
	Headful          bool          `yaml:"headful"`
	NoSandbox        bool          `yaml:"no_sandbox"`
	Stealth          *bool         `yaml:"stealth"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	NavigateTimeout  time.Duration `yaml:"navigate_timeout"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
}

// DispatchConfig controls command delivery.
type DispatchConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay"`
	// RestrictedSchemes replaces the built-in list when non-empty.
	RestrictedSchemes []string `yaml:"restricted_schemes"`
}

// ExtractionConfig controls model calls.
type ExtractionConfig struct {
	Timeout      time.Duration `yaml:"timeout"` // 0 = bounded by the request only
	MaxHTMLChars int           `yaml:"max_html_chars"`
	Sanitize     bool          `yaml:"sanitize"`
}

// SettingsConfig locates the user settings database.
type SettingsConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.BasicAuthUser != "" {
		if _, err := bcrypt.Cost([]byte(c.HTTP.BasicAuthHash)); err != nil {
			errs = append(errs, fmt.Errorf("config: http.basic_auth_hash: %w", err))
		}
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("config: http.rate_limit must be >= 0"))
	}
	if c.Extraction.Timeout < 0 {
		errs = append(errs, errors.New("config: extraction.timeout must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8470"
	}
	if c.HTTP.RateWindow <= 0 {
		c.HTTP.RateWindow = time.Minute
	}
	if c.HTTP.MaxBody <= 0 {
		c.HTTP.MaxBody = 16 << 20
	}
	if c.Dispatch.SettleDelay <= 0 {
		c.Dispatch.SettleDelay = 500 * time.Millisecond
	}
	if c.Extraction.MaxHTMLChars <= 0 {
		c.Extraction.MaxHTMLChars = 50000
	}
	if c.Settings.Path == "" {
		c.Settings.Path = "scout.db"
	}
}
