package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for exchanged.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	ParamsPath    string          `yaml:"params"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Admin         AdminConfig     `yaml:"admin"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// OracleConfig tunes price round acceptance and staleness.
type OracleConfig struct {
	MaxAge       Duration `yaml:"max_age"`
	SeedBaseRate bool     `yaml:"seed_base_rate"`
}

// AdminConfig holds credentials for the privileged endpoints.
type AdminConfig struct {
	BearerToken string `yaml:"bearer_token"`
}

// RateLimitConfig throttles the public trading endpoints per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7087"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/exchanged.sqlite"
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.ParamsPath) == "" {
		return fmt.Errorf("exchange params file must be configured")
	}
	if strings.TrimSpace(cfg.Admin.BearerToken) == "" {
		return fmt.Errorf("admin bearer token must be configured")
	}
	if cfg.Oracle.MaxAge.Duration < 0 {
		return fmt.Errorf("oracle max_age must not be negative")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	return nil
}
