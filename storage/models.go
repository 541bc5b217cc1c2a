package storage

import (
	"slices"
	"time"
)

// Client represents a registered client application
type Client struct {
	ID          string
	SecretHash  string // bcrypt hash, the secret itself is never stored
	DisplayName string
	RedirectURI string   // exact match
	Scopes      []string // scopes the client may request
	CreatedAt   time.Time
	RevokedAt   time.Time // zero while the client is active
	Version     int64
}

// Revoked reports whether the client was disabled.
func (c *Client) Revoked() bool {
	return !c.RevokedAt.IsZero()
}

// Clone returns a deep copy
func (c *Client) Clone() *Client {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// AuthRequestStatus is the lifecycle state of an authorization request
type AuthRequestStatus string

// Authorization request states. Pending is the only non-terminal state.
const (
	AuthRequestPending AuthRequestStatus = "pending"
	AuthRequestGranted AuthRequestStatus = "granted"
	AuthRequestDenied  AuthRequestStatus = "denied"
	AuthRequestExpired AuthRequestStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s AuthRequestStatus) Terminal() bool {
	return s != AuthRequestPending
}

// AuthRequest represents one authorize endpoint interaction awaiting the owner's decision
type AuthRequest struct {
	ID          string
	ClientID    string
	Scopes      []string
	RedirectURI string
	State       string // client CSRF value, echoed back unmodified
	Identity    string // resource owner, set on approval
	Status      AuthRequestStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ResolvedAt  time.Time
	Version     int64
}

// IsExpired reports whether a pending request is past its deadline at now.
func (r *AuthRequest) IsExpired(now time.Time) bool {
	return r.Status == AuthRequestPending && !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy
func (r *AuthRequest) Clone() *AuthRequest {
	cp := *r
	cp.Scopes = slices.Clone(r.Scopes)
	return &cp
}

// AccessGrant represents a single-use authorization code
type AccessGrant struct {
	Code          string
	AuthRequestID string
	ClientID      string
	Identity      string
	Scopes        []string
	RedirectURI   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ConsumedAt    time.Time
	RevokedAt     time.Time
}

// Consumed reports whether the code was already exchanged.
func (g *AccessGrant) Consumed() bool {
	return !g.ConsumedAt.IsZero()
}

// Revoked reports whether the grant was revoked (code replay).
func (g *AccessGrant) Revoked() bool {
	return !g.RevokedAt.IsZero()
}

// IsExpired reports whether the grant is past its deadline at now.
func (g *AccessGrant) IsExpired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Clone returns a deep copy
func (g *AccessGrant) Clone() *AccessGrant {
	cp := *g
	cp.Scopes = slices.Clone(g.Scopes)
	return &cp
}
