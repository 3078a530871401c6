// ABOUTME: Configuration loading and parsing for booking-bridge
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults, and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete booking-bridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Slack     SlackConfig     `yaml:"slack" toml:"slack"`
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	Assistant AssistantConfig `yaml:"assistant" toml:"assistant"`
	Booking   BookingConfig   `yaml:"booking" toml:"booking"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SlackConfig holds Slack app credentials. Slack is enabled when a bot token is set.
type SlackConfig struct {
	BotToken      string `yaml:"bot_token" toml:"bot_token"`
	SigningSecret string `yaml:"signing_secret" toml:"signing_secret"`
	APIURL        string `yaml:"api_url" toml:"api_url"`
}

// MatrixConfig holds the optional Matrix frontend configuration
type MatrixConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	Homeserver      string   `yaml:"homeserver" toml:"homeserver"`
	UserID          string   `yaml:"user_id" toml:"user_id"`
	AccessToken     string   `yaml:"access_token" toml:"access_token"`
	AllowedRooms    []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	CommandPrefix   string   `yaml:"command_prefix" toml:"command_prefix"`
	TypingIndicator bool     `yaml:"typing_indicator" toml:"typing_indicator"`
}

// AssistantConfig holds the assistant service settings
type AssistantConfig struct {
	APIKey       string        `yaml:"api_key" toml:"api_key"`
	BaseURL      string        `yaml:"base_url" toml:"base_url"`
	AssistantID  string        `yaml:"assistant_id" toml:"assistant_id"`
	Model        string        `yaml:"model" toml:"model"`
	PollInterval time.Duration `yaml:"-" toml:"-"`
	RunTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	RunTimeoutRaw   string `yaml:"run_timeout" toml:"run_timeout"`
}

// BookingConfig holds the spreadsheet endpoints
type BookingConfig struct {
	SheetURL   string        `yaml:"sheet_url" toml:"sheet_url"`
	WebhookURL string        `yaml:"webhook_url" toml:"webhook_url"`
	MaxRetries int           `yaml:"max_retries" toml:"max_retries"`
	Timeout    time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// GatewayConfig bounds inbound work
type GatewayConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" toml:"max_concurrent"`
	DedupeTTL     time.Duration `yaml:"-" toml:"-"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults applied to unset fields.
const (
	DefaultHTTPAddr       = "0.0.0.0:8000"
	DefaultPollInterval   = time.Second
	DefaultRunTimeout     = 2 * time.Minute
	DefaultBookingTimeout = 15 * time.Second
	DefaultMaxConcurrent  = 16
	DefaultDedupeTTL      = 10 * time.Minute
	DefaultMetricsPath    = "/metrics"
	DefaultCommandPrefix  = "!book"
)

// envOverrides maps environment variables to the fields they fill when the file leaves them empty.
var envOverrides = []struct {
	name  string
	field func(*Config) *string
}{
	{"SLACK_BOT_TOKEN", func(c *Config) *string { return &c.Slack.BotToken }},
	{"SLACK_SIGNING_SECRET", func(c *Config) *string { return &c.Slack.SigningSecret }},
	{"GOOGLE_SHEET_URL", func(c *Config) *string { return &c.Booking.SheetURL }},
	{"GOOGLE_SHEET_WEBHOOK_URL", func(c *Config) *string { return &c.Booking.WebhookURL }},
	{"ASSISTANT_ID", func(c *Config) *string { return &c.Assistant.AssistantID }},
	{"OPENAI_API_KEY", func(c *Config) *string { return &c.Assistant.APIKey }},
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration text, then applies environment overrides,
// defaults, and validation.
func Parse(text string, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(text)

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyEnv() {
	for _, o := range envOverrides {
		field := o.field(c)
		if *field != "" {
			continue
		}
		if v := os.Getenv(o.name); v != "" {
			*field = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Tailscale.Funnel {
		c.Tailscale.HTTPS = true
	}
	if c.Assistant.PollInterval == 0 {
		c.Assistant.PollInterval = DefaultPollInterval
	}
	if c.Assistant.RunTimeout == 0 {
		c.Assistant.RunTimeout = DefaultRunTimeout
	}
	if c.Booking.Timeout == 0 {
		c.Booking.Timeout = DefaultBookingTimeout
	}
	if c.Gateway.MaxConcurrent == 0 {
		c.Gateway.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Gateway.DedupeTTL == 0 {
		c.Gateway.DedupeTTL = DefaultDedupeTTL
	}
	if c.Matrix.CommandPrefix == "" {
		c.Matrix.CommandPrefix = DefaultCommandPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// SlackEnabled reports whether the Slack frontend is configured.
func (c *Config) SlackEnabled() bool {
	return c.Slack.BotToken != ""
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Assistant.APIKey == "" {
		return fmt.Errorf("assistant.api_key is required (or set OPENAI_API_KEY)")
	}
	if c.Assistant.BaseURL != "" {
		if err := validateHTTPURL("assistant.base_url", c.Assistant.BaseURL); err != nil {
			return err
		}
	}
	if c.Assistant.PollInterval < 0 || c.Assistant.RunTimeout < 0 {
		return fmt.Errorf("assistant durations must be positive")
	}
	if c.Assistant.RunTimeout < c.Assistant.PollInterval {
		return fmt.Errorf("assistant.run_timeout must be at least assistant.poll_interval")
	}

	if c.Booking.MaxRetries < 0 {
		return fmt.Errorf("booking.max_retries must not be negative")
	}
	if c.Gateway.MaxConcurrent < 1 {
		return fmt.Errorf("gateway.max_concurrent must be at least 1")
	}

	if c.SlackEnabled() {
		if c.Slack.SigningSecret == "" {
			return fmt.Errorf("slack.signing_secret is required when slack.bot_token is set")
		}
		if c.Slack.APIURL != "" {
			if err := validateHTTPURL("slack.api_url", c.Slack.APIURL); err != nil {
				return err
			}
		}
	}

	if c.Matrix.Enabled {
		if err := validateHTTPURL("matrix.homeserver", c.Matrix.Homeserver); err != nil {
			return err
		}
		if c.Matrix.UserID == "" {
			return fmt.Errorf("matrix.user_id is required when matrix is enabled")
		}
		if c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required when matrix is enabled")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// ValidateServe checks the extra settings needed to answer messages.
func (c *Config) ValidateServe() error {
	if !c.SlackEnabled() && !c.Matrix.Enabled {
		return fmt.Errorf("no frontend configured: set slack.bot_token or enable matrix")
	}
	if c.Assistant.AssistantID == "" {
		return fmt.Errorf("assistant.assistant_id is required (run create-assistant or set ASSISTANT_ID)")
	}
	if err := validateHTTPURL("booking.sheet_url", c.Booking.SheetURL); err != nil {
		return err
	}
	return validateHTTPURL("booking.webhook_url", c.Booking.WebhookURL)
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", field)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", field)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"assistant.poll_interval", cfg.Assistant.PollIntervalRaw, &cfg.Assistant.PollInterval},
		{"assistant.run_timeout", cfg.Assistant.RunTimeoutRaw, &cfg.Assistant.RunTimeout},
		{"booking.timeout", cfg.Booking.TimeoutRaw, &cfg.Booking.Timeout},
		{"gateway.dedupe_ttl", cfg.Gateway.DedupeTTLRaw, &cfg.Gateway.DedupeTTL},
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
