package security

// Event type constants for security audit logging.
const (
	// Client lifecycle events

	// EventClientRegistered is logged when a client is registered
	EventClientRegistered = "client_registered"

	// EventClientRevoked is logged when a client is disabled
	EventClientRevoked = "client_revoked"

	// Authorization request events

	// EventAuthorizationRequested is logged when a pending authorization request is recorded
	EventAuthorizationRequested = "authorization_requested"

	// EventAuthorizationGranted is logged when the resource owner approves a request
	EventAuthorizationGranted = "authorization_granted"

	// EventAuthorizationDenied is logged when the resource owner denies a request
	EventAuthorizationDenied = "authorization_denied"

	// EventAuthorizationCodeIssued is logged when a grant code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventAuthorizationCodeReuseDetected is logged when a consumed grant code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventInvalidRedirect is logged when a redirect URI does not match the registration
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a refresh asks for scopes beyond the original grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
