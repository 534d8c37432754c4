// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Quota     QuotaConfig     `yaml:"quota" toml:"quota"`
	Stream    StreamConfig    `yaml:"stream" toml:"stream"`
	Model     ModelConfig     `yaml:"model" toml:"model"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // gRPC health service, empty disables it
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds caller authentication configuration
type AuthConfig struct {
	JWTSecret string         `yaml:"jwt_secret" toml:"jwt_secret"`
	APIKeys   []APIKeyConfig `yaml:"api_keys" toml:"api_keys"`
}

// APIKeyConfig is a static service credential. Hash is a bcrypt hash of the key.
type APIKeyConfig struct {
	Principal string `yaml:"principal" toml:"principal"`
	Tier      string `yaml:"tier" toml:"tier"`
	Hash      string `yaml:"hash" toml:"hash"`
}

// QuotaConfig holds the rolling message quota per caller tier
type QuotaConfig struct {
	Window      time.Duration  `yaml:"-" toml:"-"`
	WindowRaw   string         `yaml:"window" toml:"window"`
	DefaultTier string         `yaml:"default_tier" toml:"default_tier"`
	Tiers       map[string]int `yaml:"tiers" toml:"tiers"`
}

// StreamConfig holds resumable stream broker configuration
type StreamConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	Backend     string        `yaml:"backend" toml:"backend"` // "memory" or "badger"
	Path        string        `yaml:"path" toml:"path"`       // badger directory
	Retention   time.Duration `yaml:"-" toml:"-"`
	IdleTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RetentionRaw   string `yaml:"retention" toml:"retention"`
	IdleTimeoutRaw string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// ModelConfig holds generation engine configuration
type ModelConfig struct {
	BaseURL         string `yaml:"base_url" toml:"base_url"`
	APIKey          string `yaml:"api_key" toml:"api_key"`
	DefaultModel    string `yaml:"default_model" toml:"default_model"`
	TitleModel      string `yaml:"title_model" toml:"title_model"`
	ReasoningBudget int    `yaml:"reasoning_budget" toml:"reasoning_budget"`
}

// ToolsConfig holds endpoints for the tools offered to the model
type ToolsConfig struct {
	WeatherURL   string        `yaml:"weather_url" toml:"weather_url"`
	SpacesURL    string        `yaml:"spaces_url" toml:"spaces_url"` // empty disables knowledge-space tools
	SpacesAPIKey string        `yaml:"spaces_api_key" toml:"spaces_api_key"`
	Timeout      time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw   string        `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"` // optional JSON log file, written alongside stderr
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration that runs locally without any external services
// except the model endpoint.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
		},
		Database: DatabaseConfig{
			Path: "./coven-chat.db",
		},
		Quota: QuotaConfig{
			WindowRaw:   "24h",
			DefaultTier: "regular",
			Tiers: map[string]int{
				"guest":   20,
				"regular": 100,
			},
		},
		Stream: StreamConfig{
			Enabled:        true,
			Backend:        "memory",
			RetentionRaw:   "10m",
			IdleTimeoutRaw: "2m",
		},
		Model: ModelConfig{
			BaseURL:         "https://api.openai.com/v1",
			APIKey:          "${OPENAI_API_KEY}",
			DefaultModel:    "gpt-4o-mini",
			TitleModel:      "gpt-4o-mini",
			ReasoningBudget: 10000,
		},
		Tools: ToolsConfig{
			WeatherURL: "https://api.open-meteo.com",
			TimeoutRaw: "15s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format selects the config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes raw config bytes on top of Default().
func Parse(data []byte, format Format) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	cfg.Model.APIKey = expandEnvVars(cfg.Model.APIKey)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if len(c.Quota.Tiers) == 0 {
		return errors.New("quota.tiers must define at least one tier")
	}
	if _, ok := c.Quota.Tiers[c.Quota.DefaultTier]; !ok {
		return fmt.Errorf("quota.default_tier %q is not one of %v", c.Quota.DefaultTier, c.TierNames())
	}
	for name, ceiling := range c.Quota.Tiers {
		if ceiling < 0 {
			return fmt.Errorf("quota.tiers.%s must not be negative", name)
		}
	}

	for i, key := range c.Auth.APIKeys {
		if key.Principal == "" || key.Hash == "" {
			return fmt.Errorf("auth.api_keys[%d]: principal and hash are required", i)
		}
		if key.Tier != "" {
			if _, ok := c.Quota.Tiers[key.Tier]; !ok {
				return fmt.Errorf("auth.api_keys[%d]: unknown tier %q", i, key.Tier)
			}
		}
	}

	switch c.Stream.Backend {
	case "", "memory":
	case "badger":
		if c.Stream.Path == "" {
			return errors.New("stream.path is required for the badger backend")
		}
	default:
		return fmt.Errorf("stream.backend %q must be memory or badger", c.Stream.Backend)
	}

	if c.Model.DefaultModel == "" {
		return errors.New("model.default_model is required")
	}
	if c.Model.ReasoningBudget < 0 {
		return errors.New("model.reasoning_budget must not be negative")
	}

	return nil
}

// TierNames returns the configured tier names in sorted order.
func (c *Config) TierNames() []string {
	names := make([]string, 0, len(c.Quota.Tiers))
	for name := range c.Quota.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"quota.window", cfg.Quota.WindowRaw, &cfg.Quota.Window},
		{"stream.retention", cfg.Stream.RetentionRaw, &cfg.Stream.Retention},
		{"stream.idle_timeout", cfg.Stream.IdleTimeoutRaw, &cfg.Stream.IdleTimeout},
		{"tools.timeout", cfg.Tools.TimeoutRaw, &cfg.Tools.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// Marshal renders the config in the given format, used by `coven-chat init`.
func (c *Config) Marshal(format Format) ([]byte, error) {
	if format == FormatTOML {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("encoding toml: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding yaml: %w", err)
	}
	return data, nil
}

// FormatFor exposes the extension-based format choice to callers writing files.
func FormatFor(path string) Format {
	return formatFor(path)
}
