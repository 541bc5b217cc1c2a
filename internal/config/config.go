// Package config loads the oauth2-server binary configuration.
//
// Values are layered, later sources overriding earlier ones:
//  1. built-in defaults
//  2. an optional YAML file
//  3. environment variables prefixed with OAUTH2__, where a double underscore
//     separates nesting levels: OAUTH2__HTTP__LISTEN_ADDR sets http.listen_addr
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	oauth "github.com/giantswarm/oauth2-server"
	"github.com/giantswarm/oauth2-server/server"
)

// EnvPrefix is the prefix of environment variables read by Load
const EnvPrefix = "OAUTH2__"

// Storage backends
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config is the complete binary configuration
type Config struct {
	Log       LogConfig       `koanf:"log"`
	HTTP      HTTPConfig      `koanf:"http"`
	OAuth     OAuthConfig     `koanf:"oauth"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Storage   StorageConfig   `koanf:"storage"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// LogConfig selects the zap preset and level
type LogConfig struct {
	// Development switches to the human readable zap development preset
	Development bool   `koanf:"development"`
	Level       string `koanf:"level"`
	Audit       bool   `koanf:"audit"`
}

// HTTPConfig configures the listener
type HTTPConfig struct {
	ListenAddr        string        `koanf:"listen_addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// OAuthConfig maps onto server.Config and the handler's consent settings
type OAuthConfig struct {
	Issuer         string `koanf:"issuer"`
	ConsentURL     string `koanf:"consent_url"`
	IdentityHeader string `koanf:"identity_header"`

	AuthRequestLifetime   time.Duration `koanf:"auth_request_lifetime"`
	GrantLifetime         time.Duration `koanf:"grant_lifetime"`
	AccessTokenLifetime   time.Duration `koanf:"access_token_lifetime"`
	RefreshTokenLifetime  time.Duration `koanf:"refresh_token_lifetime"`
	DefaultScopes         []string      `koanf:"default_scopes"`
	RotateRefreshTokens   bool          `koanf:"rotate_refresh_tokens"`
	AllowHTTPRedirectURIs bool          `koanf:"allow_http_redirect_uris"`
	TrackLastAccess       bool          `koanf:"track_last_access"`
	SweepInterval         time.Duration `koanf:"sweep_interval"`
	SweepRetention        time.Duration `koanf:"sweep_retention"`
}

// RateLimitConfig limits the token and revocation endpoints per client IP
type RateLimitConfig struct {
	Rate              float64 `koanf:"rate"`
	Burst             int     `koanf:"burst"`
	TrustProxy        bool    `koanf:"trust_proxy"`
	TrustedProxyCount int     `koanf:"trusted_proxy_count"`
}

// StorageConfig selects and configures the backend
type StorageConfig struct {
	Type     string         `koanf:"type"`
	Redis    RedisConfig    `koanf:"redis"`
	Postgres PostgresConfig `koanf:"postgres"`
}

// RedisConfig configures the Redis backend
type RedisConfig struct {
	URL       string `koanf:"url"`
	KeyPrefix string `koanf:"key_prefix"`
	PoolSize  int    `koanf:"pool_size"`
}

// PostgresConfig configures the Postgres backend
type PostgresConfig struct {
	DSN     string `koanf:"dsn"`
	Migrate bool   `koanf:"migrate"`
}

// TelemetryConfig configures metrics and traces
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
	// MetricsPath is where Prometheus metrics are served; empty disables the endpoint
	MetricsPath    string `koanf:"metrics_path"`
	TracesExporter string `koanf:"traces_exporter"`
	LogClientIPs   bool   `koanf:"log_client_ips"`
}

// Defaults returns the built-in defaults as koanf keys
func Defaults() map[string]any {
	d := server.DefaultConfig()
	return map[string]any{
		"log.development":              false,
		"log.level":                    "info",
		"log.audit":                    true,
		"http.listen_addr":             ":8080",
		"http.read_header_timeout":     "10s",
		"http.shutdown_timeout":        "15s",
		"oauth.identity_header":        "X-Authenticated-User",
		"oauth.auth_request_lifetime":  d.AuthRequestLifetime.String(),
		"oauth.grant_lifetime":         d.GrantLifetime.String(),
		"oauth.access_token_lifetime":  d.AccessTokenLifetime.String(),
		"oauth.refresh_token_lifetime": d.RefreshTokenLifetime.String(),
		"oauth.rotate_refresh_tokens":  d.RotateRefreshTokens,
		"oauth.sweep_interval":         d.SweepInterval.String(),
		"oauth.sweep_retention":        d.SweepRetention.String(),
		"rate_limit.rate":              10.0,
		"rate_limit.burst":             20,
		"storage.type":                 StorageMemory,
		"storage.postgres.migrate":     true,
		"telemetry.enabled":            true,
		"telemetry.metrics_path":       "/metrics",
		"telemetry.traces_exporter":    "none",
	}
}

// Load reads the configuration. path may be empty to skip the file.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %q: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transformEnv), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// comma separated lists from the environment arrive as one string
	cfg.OAuth.DefaultScopes = splitList(cfg.OAuth.DefaultScopes)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// transformEnv maps OAUTH2__HTTP__LISTEN_ADDR to http.listen_addr
func transformEnv(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })...)
	}
	return out
}

// Validate checks settings the binary cannot start without
func (c Config) Validate() error {
	var errs []error
	if c.OAuth.Issuer == "" {
		errs = append(errs, errors.New("oauth.issuer is required"))
	}
	if c.OAuth.ConsentURL == "" {
		errs = append(errs, errors.New("oauth.consent_url is required"))
	}
	if c.OAuth.IdentityHeader == "" {
		errs = append(errs, errors.New("oauth.identity_header is required"))
	}
	switch c.Storage.Type {
	case StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.URL == "" {
			errs = append(errs, errors.New("storage.redis.url is required for the redis backend"))
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	if !slices.Contains([]string{"none", "stdout"}, c.Telemetry.TracesExporter) {
		errs = append(errs, fmt.Errorf("unknown telemetry.traces_exporter %q", c.Telemetry.TracesExporter))
	}
	if err := c.ServerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.HandlerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ServerConfig returns the authorization server configuration
func (c Config) ServerConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.AuthRequestLifetime = c.OAuth.AuthRequestLifetime
	cfg.GrantLifetime = c.OAuth.GrantLifetime
	cfg.AccessTokenLifetime = c.OAuth.AccessTokenLifetime
	cfg.RefreshTokenLifetime = c.OAuth.RefreshTokenLifetime
	cfg.DefaultScopes = slices.Clone(c.OAuth.DefaultScopes)
	cfg.RotateRefreshTokens = c.OAuth.RotateRefreshTokens
	cfg.AllowHTTPRedirectURIs = c.OAuth.AllowHTTPRedirectURIs
	cfg.TrackLastAccess = c.OAuth.TrackLastAccess
	cfg.SweepInterval = c.OAuth.SweepInterval
	cfg.SweepRetention = c.OAuth.SweepRetention
	return cfg
}

// HandlerConfig returns the HTTP handler configuration
func (c Config) HandlerConfig() oauth.Config {
	cfg := oauth.Config{
		Issuer:     c.OAuth.Issuer,
		ConsentURL: c.OAuth.ConsentURL,
		RateLimit: oauth.RateLimitConfig{
			Rate:              c.RateLimit.Rate,
			Burst:             c.RateLimit.Burst,
			TrustProxy:        c.RateLimit.TrustProxy,
			TrustedProxyCount: c.RateLimit.TrustedProxyCount,
		},
	}
	if c.OAuth.IdentityHeader != "" {
		cfg.Identity = oauth.HeaderIdentity(c.OAuth.IdentityHeader)
	}
	return cfg
}
