// ABOUTME: Configuration loading and parsing for solon-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timeout values applied when the config file leaves them unset.
// The engine protocol has no timeouts of its own; these bound the two places
// a silently-stalled backend could otherwise hang a request forever.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIdleTimeout      = 120 * time.Second
	DefaultSessionTTL       = 30 * time.Minute
)

// Config represents the complete solon-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// EngineConfig holds the counsel-engine connection configuration
type EngineConfig struct {
	// URL is the WebSocket endpoint of the counsel engine,
	// e.g. "ws://localhost:9090/stream"
	URL string `yaml:"url"`

	HandshakeTimeout time.Duration `yaml:"-"`
	IdleTimeout      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	IdleTimeoutRaw      string `yaml:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig holds chat-session lifecycle configuration
type SessionConfig struct {
	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values, with defaults applied
// for the engine timeouts and session TTL when unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Engine.URL == "" {
		return fmt.Errorf("engine.url is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
// and applies defaults where the config file is silent.
func parseDurations(cfg *Config) error {
	var err error

	cfg.Engine.HandshakeTimeout = DefaultHandshakeTimeout
	if cfg.Engine.HandshakeTimeoutRaw != "" {
		cfg.Engine.HandshakeTimeout, err = time.ParseDuration(cfg.Engine.HandshakeTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing handshake_timeout %q: %w", cfg.Engine.HandshakeTimeoutRaw, err)
		}
	}

	cfg.Engine.IdleTimeout = DefaultIdleTimeout
	if cfg.Engine.IdleTimeoutRaw != "" {
		cfg.Engine.IdleTimeout, err = time.ParseDuration(cfg.Engine.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Engine.IdleTimeoutRaw, err)
		}
	}

	cfg.Session.TTL = DefaultSessionTTL
	if cfg.Session.TTLRaw != "" {
		cfg.Session.TTL, err = time.ParseDuration(cfg.Session.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing session ttl %q: %w", cfg.Session.TTLRaw, err)
		}
	}

	return nil
}
