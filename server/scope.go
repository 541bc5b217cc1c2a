package server

import (
	"slices"
	"strings"

	"github.com/giantswarm/oauth2-server/oautherr"
)

// ScopeValidator decides which scopes a request is granted
type ScopeValidator struct {
	defaults []string
}

// NewScopeValidator creates a validator using cfg.DefaultScopes for requests naming no scope
func NewScopeValidator(cfg Config) *ScopeValidator {
	return &ScopeValidator{defaults: normalizeScopes(cfg.DefaultScopes)}
}

// Validate returns the scopes to grant for requested, given the allowed set.
// An empty request receives the configured defaults that are allowed, or the whole
// allowed set when that leaves nothing. Otherwise every requested scope must be
// allowed; the first one that is not is named in the invalid_scope error.
// The result is deduplicated and sorted.
func (v *ScopeValidator) Validate(requested, allowed []string) ([]string, error) {
	allowed = normalizeScopes(allowed)
	requested = normalizeScopes(requested)

	if len(requested) == 0 {
		var granted []string
		for _, s := range v.defaults {
			if slices.Contains(allowed, s) {
				granted = append(granted, s)
			}
		}
		if len(granted) == 0 {
			return allowed, nil
		}
		return granted, nil
	}

	for _, s := range requested {
		if !validScopeToken(s) {
			return nil, oautherr.Newf(oautherr.InvalidScope, "The scope %q is malformed.", s)
		}
		if !slices.Contains(allowed, s) {
			return nil, oautherr.Newf(oautherr.InvalidScope, "The requested scope %q is not supported.", s)
		}
	}
	return requested, nil
}

// ParseScope splits a space-delimited scope parameter into normalized scopes
func ParseScope(scope string) []string {
	return normalizeScopes(strings.Fields(scope))
}

// FormatScope joins scopes into a space-delimited scope parameter
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// normalizeScopes returns a sorted copy without duplicates or empty entries
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// isSubset reports whether every scope in sub is in set
func isSubset(sub, set []string) bool {
	for _, s := range sub {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}

// validScopeToken reports whether s is a scope-token as defined by RFC 6749 section 3.3
func validScopeToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x21 || c == 0x22 || c == 0x5c || c > 0x7e {
			return false
		}
	}
	return true
}
