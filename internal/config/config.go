// ABOUTME: Configuration loading and parsing for conect-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete conect-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Chat      ChatConfig      `yaml:"chat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Governor  GovernorConfig  `yaml:"governor"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP control-surface address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the session registry database path
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds control-surface authentication configuration.
// APIKey is the static client key; JWTSecret signs admin bearer tokens.
type AuthConfig struct {
	APIKey    string `yaml:"api_key"`
	JWTSecret string `yaml:"jwt_secret"`
}

// ChatConfig selects and configures the chat network backend
type ChatConfig struct {
	Provider string       `yaml:"provider"` // currently only "matrix"
	Matrix   MatrixConfig `yaml:"matrix"`
}

// MatrixConfig holds credentials for the Matrix chat backend
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

// ReconnectConfig holds the automatic reconnection policy
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"-"`
	MaxDelay    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BaseDelayRaw string `yaml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay"`
}

// GovernorConfig holds outbound rate ceilings and the cooldown band
type GovernorConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`

	CooldownMin time.Duration `yaml:"-"`
	CooldownMax time.Duration `yaml:"-"`

	CooldownMinRaw string `yaml:"cooldown_min"`
	CooldownMaxRaw string `yaml:"cooldown_max"`
}

// WebhookConfig holds event delivery configuration
type WebhookConfig struct {
	DefaultURL  string `yaml:"default_url"`
	MaxAttempts int    `yaml:"max_attempts"`

	Timeout    time.Duration `yaml:"-"`
	RetryDelay time.Duration `yaml:"-"`

	TimeoutRaw    string `yaml:"timeout"`
	RetryDelayRaw string `yaml:"retry_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding fields are zero after parsing.
const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 5 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second

	DefaultPerMinute   = 30
	DefaultPerHour     = 200
	DefaultPerDay      = 1000
	DefaultCooldownMin = 1 * time.Second
	DefaultCooldownMax = 5 * time.Second

	DefaultWebhookTimeout     = 15 * time.Second
	DefaultWebhookRetryDelay  = 2 * time.Second
	DefaultWebhookMaxAttempts = 3
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

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

	if c.Chat.Provider != "" && c.Chat.Provider != "matrix" {
		return fmt.Errorf("chat.provider %q is not supported", c.Chat.Provider)
	}

	if c.Chat.Provider == "matrix" {
		if c.Chat.Matrix.Homeserver == "" {
			return fmt.Errorf("chat.matrix.homeserver is required when provider is matrix")
		}
		if c.Chat.Matrix.UserID == "" {
			return fmt.Errorf("chat.matrix.user_id is required when provider is matrix")
		}
	}

	if c.Webhook.DefaultURL != "" {
		if _, err := url.ParseRequestURI(c.Webhook.DefaultURL); err != nil {
			return fmt.Errorf("webhook.default_url is not a valid URL: %w", err)
		}
	}

	if c.Governor.CooldownMax < c.Governor.CooldownMin {
		return fmt.Errorf("governor.cooldown_max must not be less than governor.cooldown_min")
	}

	return nil
}

// applyDefaults fills in zero-valued tunables with their defaults.
func (c *Config) applyDefaults() {
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}

	if c.Governor.PerMinute == 0 {
		c.Governor.PerMinute = DefaultPerMinute
	}
	if c.Governor.PerHour == 0 {
		c.Governor.PerHour = DefaultPerHour
	}
	if c.Governor.PerDay == 0 {
		c.Governor.PerDay = DefaultPerDay
	}
	if c.Governor.CooldownMin == 0 {
		c.Governor.CooldownMin = DefaultCooldownMin
	}
	if c.Governor.CooldownMax == 0 {
		c.Governor.CooldownMax = DefaultCooldownMax
	}

	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = DefaultWebhookTimeout
	}
	if c.Webhook.RetryDelay == 0 {
		c.Webhook.RetryDelay = DefaultWebhookRetryDelay
	}
	if c.Webhook.MaxAttempts == 0 {
		c.Webhook.MaxAttempts = DefaultWebhookMaxAttempts
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect.base_delay", cfg.Reconnect.BaseDelayRaw, &cfg.Reconnect.BaseDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay},
		{"governor.cooldown_min", cfg.Governor.CooldownMinRaw, &cfg.Governor.CooldownMin},
		{"governor.cooldown_max", cfg.Governor.CooldownMaxRaw, &cfg.Governor.CooldownMax},
		{"webhook.timeout", cfg.Webhook.TimeoutRaw, &cfg.Webhook.Timeout},
		{"webhook.retry_delay", cfg.Webhook.RetryDelayRaw, &cfg.Webhook.RetryDelay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
