package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default lifetimes applied to zero-valued Config fields
const (
	DefaultAuthRequestLifetime  = 10 * time.Minute
	DefaultGrantLifetime        = 10 * time.Minute
	DefaultAccessTokenLifetime  = time.Hour
	DefaultRefreshTokenLifetime = 30 * 24 * time.Hour
	DefaultSweepInterval        = time.Minute
	DefaultSweepRetention       = 24 * time.Hour
)

// Config holds OAuth server configuration.
// It is passed by value to every component and never modified afterwards.
// Start from DefaultConfig: boolean options are opt-out there.
type Config struct {
	// AuthRequestLifetime is how long a pending authorization request waits for the
	// resource owner's decision
	AuthRequestLifetime time.Duration // default: 10 minutes

	// GrantLifetime is how long an authorization code can be exchanged
	GrantLifetime time.Duration // default: 10 minutes

	// AccessTokenLifetime is how long access tokens are valid
	AccessTokenLifetime time.Duration // default: 1 hour

	// RefreshTokenLifetime is how long refresh tokens are valid.
	// A negative value issues refresh tokens that never expire.
	RefreshTokenLifetime time.Duration // default: 30 days

	// DefaultScopes are granted when a request names no scope, intersected with the
	// client's allowed scopes. Empty means the client's full allowed set.
	DefaultScopes []string

	// RotateRefreshTokens issues a new refresh token on every refresh and treats a
	// second use of a rotated one as token theft
	RotateRefreshTokens bool // default: true

	// AllowHTTPRedirectURIs accepts plain http redirect URIs on non-loopback hosts.
	// Loopback hosts may always use http (RFC 8252 section 7.3).
	AllowHTTPRedirectURIs bool // default: false

	// TrackLastAccess records the last time each access token was validated
	TrackLastAccess bool // default: false

	// SweepInterval is how often the sweeper expires and purges records
	SweepInterval time.Duration // default: 1 minute

	// SweepRetention is how long dead grants and tokens are kept before the sweeper
	// purges them. Replays inside this window still trigger cascade revocation.
	SweepRetention time.Duration // default: 24 hours

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time
}

// DefaultConfig returns the secure default configuration
func DefaultConfig() Config {
	return Config{
		AuthRequestLifetime:  DefaultAuthRequestLifetime,
		GrantLifetime:        DefaultGrantLifetime,
		AccessTokenLifetime:  DefaultAccessTokenLifetime,
		RefreshTokenLifetime: DefaultRefreshTokenLifetime,
		RotateRefreshTokens:  true,
		SweepInterval:        DefaultSweepInterval,
		SweepRetention:       DefaultSweepRetention,
		Clock:                time.Now,
	}
}

// withDefaults fills zero durations and copies slices so the caller cannot mutate them later
func (c Config) withDefaults() Config {
	if c.AuthRequestLifetime == 0 {
		c.AuthRequestLifetime = DefaultAuthRequestLifetime
	}
	if c.GrantLifetime == 0 {
		c.GrantLifetime = DefaultGrantLifetime
	}
	if c.AccessTokenLifetime == 0 {
		c.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if c.RefreshTokenLifetime == 0 {
		c.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SweepRetention == 0 {
		c.SweepRetention = DefaultSweepRetention
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	c.DefaultScopes = normalizeScopes(c.DefaultScopes)
	return c
}

// Validate checks the configuration for values no component can work with
func (c Config) Validate() error {
	var errs []error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"AuthRequestLifetime", c.AuthRequestLifetime},
		{"GrantLifetime", c.GrantLifetime},
		{"AccessTokenLifetime", c.AccessTokenLifetime},
		{"SweepInterval", c.SweepInterval},
		{"SweepRetention", c.SweepRetention},
	}
	for _, f := range durations {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", f.name, f.d))
		}
	}
	for _, s := range c.DefaultScopes {
		if !validScopeToken(s) {
			errs = append(errs, fmt.Errorf("DefaultScopes contains invalid scope %q", s))
		}
	}
	return errors.Join(errs...)
}

// now returns the current time in UTC
func (c Config) now() time.Time {
	return c.Clock().UTC()
}

// refreshDeadline returns the refresh token expiry for a token issued at now.
// The zero time means the refresh token does not expire.
func (c Config) refreshDeadline(now time.Time) time.Time {
	if c.RefreshTokenLifetime < 0 {
		return time.Time{}
	}
	return now.Add(c.RefreshTokenLifetime)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func (c Config) logSecurityWarnings(logger *slog.Logger) {
	if !c.RotateRefreshTokens {
		logger.Warn("SECURITY WARNING: refresh token rotation is DISABLED",
			"risk", "A stolen refresh token stays usable until it expires",
			"recommendation", "Set RotateRefreshTokens=true")
	}
	if c.AllowHTTPRedirectURIs {
		logger.Warn("SECURITY WARNING: plain http redirect URIs are ALLOWED",
			"risk", "Authorization codes can be intercepted in transit",
			"recommendation", "Set AllowHTTPRedirectURIs=false")
	}
	if c.RefreshTokenLifetime < 0 {
		logger.Warn("SECURITY NOTICE: refresh tokens never expire",
			"recommendation", "Set a positive RefreshTokenLifetime")
	}
	if c.GrantLifetime > DefaultGrantLifetime {
		logger.Warn("SECURITY NOTICE: authorization codes live longer than recommended",
			"grant_lifetime", c.GrantLifetime,
			"recommendation", "Keep GrantLifetime at 10 minutes or less")
	}
}
