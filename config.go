package oauth

import (
	"errors"
	"net/http"
	"strings"
)

// Default route paths registered by Handler.Register
const (
	DefaultAuthorizePath = "/oauth/authorize"
	DefaultGrantPath     = "/oauth/grant"
	DefaultDenyPath      = "/oauth/deny"
	DefaultTokenPath     = "/oauth/token"
	DefaultRevokePath    = "/oauth/revoke"
	MetadataPath         = "/.well-known/oauth-authorization-server"
)

// ErrNoIdentity is returned by an IdentityFunc when the request carries no authenticated owner.
var ErrNoIdentity = errors.New("no authenticated resource owner")

// IdentityFunc resolves the authenticated resource owner of a grant or deny request.
// Authenticating the owner is the host application's job; the handler only asks who it is.
type IdentityFunc func(r *http.Request) (string, error)

// HeaderIdentity returns an IdentityFunc reading the owner from a request header set by
// an authenticating proxy in front of the handler.
func HeaderIdentity(header string) IdentityFunc {
	return func(r *http.Request) (string, error) {
		identity := strings.TrimSpace(r.Header.Get(header))
		if identity == "" {
			return "", ErrNoIdentity
		}
		return identity, nil
	}
}

// Config holds the HTTP handler configuration
type Config struct {
	// Issuer is the public base URL of the server, advertised in metadata and used
	// to decide whether HSTS is sent.
	Issuer string

	// ConsentURL is the host application page that authenticates the resource owner
	// and asks for a decision. The authorization request ID is appended as the
	// "authorization" query parameter.
	ConsentURL string

	// Identity resolves the resource owner on the grant endpoint (required)
	Identity IdentityFunc

	// RateLimit configures per-IP limiting of the token and revocation endpoints
	RateLimit RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// TrustProxy makes the limiter key on X-Forwarded-For instead of the remote address.
	// Only enable behind a proxy that overwrites the header.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies appending to X-Forwarded-For
	TrustedProxyCount int
}

// Validate checks the handler configuration
func (c Config) Validate() error {
	var errs []error
	if c.ConsentURL == "" {
		errs = append(errs, errors.New("consent URL is required"))
	}
	if c.Identity == nil {
		errs = append(errs, errors.New("identity function is required"))
	}
	if c.RateLimit.Rate < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate limit burst must be at least 1"))
	}
	if c.RateLimit.TrustedProxyCount < 0 {
		errs = append(errs, errors.New("trusted proxy count must not be negative"))
	}
	return errors.Join(errs...)
}
