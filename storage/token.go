package storage

import (
	"slices"
	"time"
)

// AccessToken represents a bearer credential and its optional refresh token
type AccessToken struct {
	Token            string
	RefreshToken     string
	ClientID         string
	Identity         string // empty for client credentials tokens
	Scopes           []string
	GrantCode        string // originating grant, empty when not issued from a code
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	RevokedAt        time.Time
	ReplacedBy       string // successor access token after a refresh
	LastAccessAt     time.Time
	Version          int64
}

// Revoked reports whether the token was revoked or rotated away.
func (t *AccessToken) Revoked() bool {
	return !t.RevokedAt.IsZero()
}

// IsExpired reports whether the access token is past its deadline at now.
func (t *AccessToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RefreshExpired reports whether the refresh token can no longer be used at now.
// A zero RefreshExpiresAt means the refresh token does not expire.
func (t *AccessToken) RefreshExpired(now time.Time) bool {
	return !t.RefreshExpiresAt.IsZero() && !now.Before(t.RefreshExpiresAt)
}

// Dead reports whether the record is of no further use before the given time.
// Rotated tokens are kept while their refresh token could still be replayed.
func (t *AccessToken) Dead(before time.Time) bool {
	if !t.ExpiresAt.Before(before) {
		return false
	}
	if t.RefreshToken == "" || (t.Revoked() && t.ReplacedBy == "") {
		return true
	}
	return !t.RefreshExpiresAt.IsZero() && t.RefreshExpiresAt.Before(before)
}

// Clone returns a deep copy
func (t *AccessToken) Clone() *AccessToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}
