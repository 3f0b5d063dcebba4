package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthConfig controls JWT bearer verification.
type AuthConfig struct {
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	ClockSkew time.Duration `yaml:"clockSkew"`
}

// RateLimitConfig caps request rates per client on the API surface.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requestsPerMinute"`
	Burst             int     `yaml:"burst"`
}

// ObservabilityConfig tunes request metrics, tracing, and request logging.
type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName"`
	MetricsPrefix string `yaml:"metricsPrefix"`
	LogRequests   bool   `yaml:"logRequests"`
	Enabled       bool   `yaml:"enabled"`
}

// TelemetryConfig controls the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
	Insecure    bool   `yaml:"insecure"`
	Headers     string `yaml:"headers"`
}

// Config represents runtime configuration for the grants gateway service.
// Values load from an optional YAML file and may be overridden per-field by
// environment variables.
type Config struct {
	Listen          string              `yaml:"listen"`
	DatabaseURL     string              `yaml:"databaseURL"`
	SQLitePath      string              `yaml:"sqlitePath"`
	BankBaseURL     string              `yaml:"bankBaseURL"`
	BankAPIKey      string              `yaml:"bankAPIKey"`
	TreasuryCard    string              `yaml:"treasuryCard"`
	ContractPresets string              `yaml:"contractPresets"`
	ReadTimeout     time.Duration       `yaml:"readTimeout"`
	WriteTimeout    time.Duration       `yaml:"writeTimeout"`
	IdleTimeout     time.Duration       `yaml:"idleTimeout"`
	Auth            AuthConfig          `yaml:"auth"`
	RateLimit       RateLimitConfig     `yaml:"rateLimit"`
	Observability   ObservabilityConfig `yaml:"observability"`
	Telemetry       TelemetryConfig     `yaml:"telemetry"`
}

// Load reads the YAML file at path (when non-empty), applies environment
// overrides, then fills defaults and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Listen, "GRANTS_LISTEN")
	overrideString(&c.DatabaseURL, "GRANTS_DB_URL")
	overrideString(&c.SQLitePath, "GRANTS_SQLITE_PATH")
	overrideString(&c.BankBaseURL, "GRANTS_BANK_BASE_URL")
	overrideString(&c.BankAPIKey, "GRANTS_BANK_API_KEY")
	overrideString(&c.TreasuryCard, "GRANTS_TREASURY_CARD")
	overrideString(&c.ContractPresets, "GRANTS_CONTRACT_PRESETS")
	overrideString(&c.Auth.Secret, "GRANTS_JWT_SECRET")
	overrideString(&c.Auth.Issuer, "GRANTS_JWT_ISSUER")
	overrideString(&c.Auth.Audience, "GRANTS_JWT_AUDIENCE")
	overrideDuration(&c.Auth.ClockSkew, "GRANTS_JWT_CLOCK_SKEW")
	overrideFloat(&c.RateLimit.RequestsPerMinute, "GRANTS_RATE_LIMIT_PER_MINUTE")
	overrideInt(&c.RateLimit.Burst, "GRANTS_RATE_LIMIT_BURST")
	overrideBool(&c.Observability.Enabled, "GRANTS_OBSERVABILITY_ENABLED")
	overrideBool(&c.Observability.LogRequests, "GRANTS_LOG_REQUESTS")
	overrideBool(&c.Telemetry.Enabled, "GRANTS_OTLP_ENABLED")
	overrideString(&c.Telemetry.Endpoint, "GRANTS_OTLP_ENDPOINT")
	overrideString(&c.Telemetry.Environment, "GRANTS_OTLP_ENVIRONMENT")
	overrideBool(&c.Telemetry.Insecure, "GRANTS_OTLP_INSECURE")
	overrideString(&c.Telemetry.Headers, "GRANTS_OTLP_HEADERS")
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8084"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "grants-gateway.db"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "grantway"
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "grants-gateway"
	}
	if c.Auth.ClockSkew <= 0 {
		c.Auth.ClockSkew = 30 * time.Second
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "grants-gateway"
	}
	if c.Observability.MetricsPrefix == "" {
		c.Observability.MetricsPrefix = "grants"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth secret is required (GRANTS_JWT_SECRET)")
	}
	if c.TreasuryCard == "" {
		return fmt.Errorf("treasury card is required (GRANTS_TREASURY_CARD)")
	}
	return nil
}

func overrideString(target *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*target = value
	}
}

func overrideDuration(target *time.Duration, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideInt(target *int, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}
