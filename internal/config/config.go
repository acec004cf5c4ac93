// Package config loads and validates process-lifetime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
//
// This is distinct from the hot-reloadable routing configuration (providers
// and rules), which lives in internal/routeconfig and can change at runtime
// through the admin API without a process restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Host is the TCP address the HTTP server binds to. Default: "0.0.0.0".
	Host string
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// GatewayAPIKey is the bearer token callers must present on every
	// request. Required.
	GatewayAPIKey string

	// FallbackProvider names the provider used to synthesize a single-
	// candidate rule when a requested gateway model has no configured rule.
	FallbackProvider string

	// ProvidersFile / RulesFile are the JSON(+comments) documents the
	// routeconfig.Store loads and hot-reloads.
	ProvidersFile string
	RulesFile     string

	// RotationDSN is the PostgreSQL connection string backing the rotation
	// cursor store and the usage sink.
	RotationDSN string

	// RotationRedisURL optionally mirrors the rotation cursor into Redis
	// after every Postgres update, for inspection; Postgres stays the
	// authority. Empty disables it (Postgres-only).
	RotationRedisURL string

	// RequestTimeout bounds a single non-streaming upstream call.
	RequestTimeout time.Duration
	// ConnectTimeout is passed to the upstream client, which uses it as its
	// write timeout and as the deadline for a stream's response headers. No
	// separate dial or TLS handshake timeout is set.
	ConnectTimeout time.Duration

	// MaxAttempts is read from MAX_ATTEMPTS and must be >= 1. Default: 3.
	// The Router does not consult it: the attempts made for a request
	// follow each candidate's retryCount.
	MaxAttempts int
	// RetryBaseDelay is read from RETRY_BASE_DELAY. Default: 500ms. The
	// Router does not consult it: the pause between same-candidate retries
	// is each candidate's retryDelaySeconds.
	RetryBaseDelay time.Duration

	// LogFileLimit is read from LOG_FILE_LIMIT (bytes). Default: 0. Nothing
	// in the gateway enforces it; logs are written to stdout.
	LogFileLimit int64

	// LogChatEnabled turns on the per-request summary logger (redacted
	// caller key, provider, model, status, latency). No message content is
	// logged, not even a hash or length.
	LogChatEnabled bool

	// CORSAllowOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSAllowOrigins []string

	// DebugMode is read from DEBUG_MODE. Default: false. Nothing in the
	// gateway consults it; source locations in logs follow LOG_LEVEL=debug.
	DebugMode bool
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

	v.SetDefault("GATEWAY_HOST", "0.0.0.0")
	v.SetDefault("GATEWAY_PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PROVIDERS_FILE", "providers.json")
	v.SetDefault("RULES_FILE", "models-rules.json")
	v.SetDefault("REQUEST_TIMEOUT", "300s")
	v.SetDefault("CONNECT_TIMEOUT", "60s")
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "500ms")
	v.SetDefault("LOG_FILE_LIMIT", 0)
	v.SetDefault("LOG_CHAT_ENABLED", false)
	v.SetDefault("CORS_ALLOW_ORIGINS", []string{"*"})
	v.SetDefault("DEBUG_MODE", false)

	cfg := &Config{
		Host:             v.GetString("GATEWAY_HOST"),
		Port:             v.GetInt("GATEWAY_PORT"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		GatewayAPIKey:    v.GetString("GATEWAY_API_KEY"),
		FallbackProvider: v.GetString("FALLBACK_PROVIDER"),
		ProvidersFile:    v.GetString("PROVIDERS_FILE"),
		RulesFile:        v.GetString("RULES_FILE"),
		RotationDSN:      v.GetString("ROTATION_DSN"),
		RotationRedisURL: v.GetString("ROTATION_REDIS_URL"),
		RequestTimeout:   v.GetDuration("REQUEST_TIMEOUT"),
		ConnectTimeout:   v.GetDuration("CONNECT_TIMEOUT"),
		MaxAttempts:      v.GetInt("MAX_ATTEMPTS"),
		RetryBaseDelay:   v.GetDuration("RETRY_BASE_DELAY"),
		LogFileLimit:     v.GetInt64("LOG_FILE_LIMIT"),
		LogChatEnabled:   v.GetBool("LOG_CHAT_ENABLED"),
		CORSAllowOrigins: splitCSV(v.GetString("CORS_ALLOW_ORIGINS"), v.GetStringSlice("CORS_ALLOW_ORIGINS")),
		DebugMode:        v.GetBool("DEBUG_MODE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.GatewayAPIKey == "" {
		return fmt.Errorf("config: GATEWAY_API_KEY is required")
	}
	if c.RotationDSN == "" {
		return fmt.Errorf("config: ROTATION_DSN is required (postgres connection string)")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.Port <= 0 {
		return fmt.Errorf("config: GATEWAY_PORT must be positive, got %d", c.Port)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	return nil
}

// splitCSV prefers an explicit string-slice value (as produced from YAML)
// and falls back to comma-splitting the raw env var string, since
// CORS_ALLOW_ORIGINS is documented as a comma list when set via the
// environment rather than the YAML file.
func splitCSV(raw string, fromSlice []string) []string {
	if len(fromSlice) > 1 || (len(fromSlice) == 1 && fromSlice[0] != raw) {
		return fromSlice
	}
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
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
