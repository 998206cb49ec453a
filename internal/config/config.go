// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example REDIS_HOST becomes redis_host
// in YAML.
//
// The upstream is selected by APIM_BASE_URL: when set, requests go through
// the API management gateway; otherwise AZURE_OPENAI_ENDPOINT and
// AZURE_OPENAI_API_KEY are required. Redis is optional; without REDIS_HOST
// the gateway runs stateless.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// DefaultAPIVersion is the Azure OpenAI api-version used when none is set.
const DefaultAPIVersion = "2024-10-01-preview"

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Azure holds the deployment settings shared by both upstream modes.
	Azure AzureConfig

	// APIM configures the optional API management gateway.
	APIM APIMConfig

	// Redis configures optional persistence for history and stats.
	Redis RedisConfig

	// UpstreamTimeout bounds one upstream completion call. Default: 60s.
	UpstreamTimeout time.Duration

	// RateLimit controls request-rate limiting on POST /chat.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource URL,
	// e.g. "https://myresource.openai.azure.com". Direct mode only.
	Endpoint string
	// APIKey is the Azure OpenAI resource key. Direct mode only.
	APIKey string
	// Deployment is the model deployment name. Always required.
	Deployment string
	// APIVersion is the api-version query parameter.
	APIVersion string
}

// APIMConfig holds API management gateway configuration.
type APIMConfig struct {
	// BaseURL enables gateway mode when non-empty.
	BaseURL string
	// SubscriptionKey is sent as Ocp-Apim-Subscription-Key.
	SubscriptionKey string
	// APISuffix is the API path between BaseURL and /deployments, without
	// leading or trailing slashes.
	APISuffix string
}

// Enabled reports whether requests go through the gateway.
func (a APIMConfig) Enabled() bool { return a.BaseURL != "" }

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Host enables persistence when non-empty.
	Host     string
	Port     int
	Password string
	// SSL enables TLS to the Redis server.
	SSL bool
	// TTL is the sliding expiry of conversation keys. Default: 1h.
	TTL time.Duration
}

// Enabled reports whether persistence is configured.
func (r RedisConfig) Enabled() bool { return r.Host != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum POST /chat requests per minute allowed globally.
	// 0 disables rate limiting. Requires Redis. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AZURE_OPENAI_API_VERSION", DefaultAPIVersion)
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_SSL", false)
	v.SetDefault("REDIS_TTL", 3600)
	v.SetDefault("UPSTREAM_TIMEOUT", "60s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			Deployment: v.GetString("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
		},

		APIM: APIMConfig{
			BaseURL:         v.GetString("APIM_BASE_URL"),
			SubscriptionKey: v.GetString("APIM_SUBSCRIPTION_KEY"),
			APISuffix:       strings.Trim(v.GetString("APIM_API_SUFFIX"), "/"),
		},

		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			SSL:      v.GetBool("REDIS_SSL"),
			TTL:      time.Duration(v.GetInt64("REDIS_TTL")) * time.Second,
		},

		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Azure.Deployment == "" {
		return errors.New("config: AZURE_OPENAI_DEPLOYMENT is required")
	}

	// Direct mode needs the resource endpoint and key.
	if !c.APIM.Enabled() && (c.Azure.Endpoint == "" || c.Azure.APIKey == "") {
		return errors.New(
			"config: AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_API_KEY are required " +
				"unless APIM_BASE_URL is set",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}
	if c.Redis.Enabled() && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		return fmt.Errorf("config: REDIS_PORT must be in 1..65535, got %d", c.Redis.Port)
	}
	if c.Redis.TTL < 0 {
		return fmt.Errorf("config: REDIS_TTL must be ≥ 0, got %s", c.Redis.TTL)
	}
	if c.UpstreamTimeout <= 0 {
		return errors.New("config: UPSTREAM_TIMEOUT must be a positive duration")
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && !c.Redis.Enabled() {
		return errors.New("config: RPM_LIMIT requires REDIS_HOST")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
