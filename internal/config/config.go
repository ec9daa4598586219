// ABOUTME: Configuration loading and parsing for the chat client.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration
type Config struct {
	Backend     BackendConfig     `yaml:"backend"`
	Auth        AuthConfig        `yaml:"auth"`
	History     HistoryConfig     `yaml:"history"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BackendConfig holds the backend endpoints
type BackendConfig struct {
	// APIURL is the REST base, e.g. https://host/api
	APIURL string `yaml:"api_url"`
	// StreamURL is the websocket endpoint, e.g. wss://host/ws/master
	StreamURL string `yaml:"stream_url"`
}

// AuthConfig holds login credentials. Either a static token or an
// email/password pair must be set.
type AuthConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
}

// HistoryConfig holds local history mirror configuration
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ArtifactsConfig holds exported document configuration
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// PersistenceConfig holds timing for background persistence calls
type PersistenceConfig struct {
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

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
	if c.Backend.APIURL == "" {
		return fmt.Errorf("backend.api_url is required")
	}
	if c.Backend.StreamURL == "" {
		return fmt.Errorf("backend.stream_url is required")
	}

	if c.Auth.Token == "" {
		if c.Auth.Email == "" || c.Auth.Password == "" {
			return fmt.Errorf("auth requires either a token or an email/password pair")
		}
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Persistence.TimeoutRaw != "" {
		cfg.Persistence.Timeout, err = time.ParseDuration(cfg.Persistence.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing persistence timeout %q: %w", cfg.Persistence.TimeoutRaw, err)
		}
	}

	return nil
}
