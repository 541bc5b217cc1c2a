// Package security provides the security primitives of the authorization server:
// client secret hashing, random credential generation, audit logging with hashed
// identifiers, per-identifier rate limiting, expiry checks with clock skew grace,
// client IP extraction, request IDs and protective HTTP response headers.
//
// # Audit logging
//
//	auditor := security.NewAuditor(logger, true)
//	auditor.LogCodeReuse(clientID, identity, revoked)
//
// Resource owner identities are never logged in clear text; LogEvent replaces them with
// a truncated SHA-256 hash.
//
// # Rate limiting
//
//	limiter := security.NewRateLimiter(10, 20, logger) // 10 req/s, burst 20
//	defer limiter.Stop()
//	if !limiter.Allow(clientIP) {
//		// reject
//	}
package security
