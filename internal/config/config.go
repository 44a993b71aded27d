// ABOUTME: Configuration loading and parsing for the polynex gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Chat     ChatConfig     `yaml:"chat"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ChatConfig holds chat orchestration configuration
type ChatConfig struct {
	// MaxConcurrentRequests bounds simultaneous outbound provider calls
	// process-wide
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	// RequestTimeout bounds one turn's provider interaction
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// UnmarshalYAML parses request_timeout as a duration string ("90s", "5m")
// so the rest of the program only ever sees time.Duration.
func (c *ChatConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
		RequestTimeout        string `yaml:"request_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.MaxConcurrentRequests = raw.MaxConcurrentRequests
	if raw.RequestTimeout != "" {
		d, err := time.ParseDuration(raw.RequestTimeout)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", raw.RequestTimeout, err)
		}
		c.RequestTimeout = d
	}
	return nil
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are omitted
const (
	DefaultMaxConcurrentRequests = 8
	DefaultRequestTimeout        = 5 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

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
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Chat.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("chat.max_concurrent_requests must be positive")
	}
	return nil
}

// applyDefaults fills in omitted optional fields
func applyDefaults(cfg *Config) {
	if cfg.Chat.MaxConcurrentRequests == 0 {
		cfg.Chat.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if cfg.Chat.RequestTimeout == 0 {
		cfg.Chat.RequestTimeout = DefaultRequestTimeout
	}
}
