// Package oautherr defines the closed set of OAuth 2.0 protocol errors returned by the
// authorization server. Every protocol failure is an *Error carrying one Kind; the kind
// fixes the wire code and the HTTP status, the message may be overridden per instance.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a protocol error. Its string value is the wire "error" code.
type Kind string

// OAuth error kinds
const (
	AccessDenied            Kind = "access_denied"
	ExpiredToken            Kind = "expired_token"
	InvalidClient           Kind = "invalid_client"
	InvalidGrant            Kind = "invalid_grant"
	InvalidRequest          Kind = "invalid_request"
	InvalidScope            Kind = "invalid_scope"
	InvalidToken            Kind = "invalid_token"
	RedirectURIMismatch     Kind = "redirect_uri_mismatch"
	UnauthorizedClient      Kind = "unauthorized_client"
	UnsupportedGrantType    Kind = "unsupported_grant_type"
	UnsupportedResponseType Kind = "unsupported_response_type"
)

var defaultMessages = map[Kind]string{
	AccessDenied:            "You are not allowed to access this resource.",
	ExpiredToken:            "The access token has expired.",
	InvalidClient:           "Client ID and client secret do not match.",
	InvalidGrant:            "This access grant is no longer valid.",
	InvalidRequest:          "The request has the wrong parameters.",
	InvalidScope:            "The requested scope is not supported.",
	InvalidToken:            "The access token is no longer valid.",
	RedirectURIMismatch:     "Must use the same redirect URI you registered with us.",
	UnauthorizedClient:      "You are not allowed to access this resource.",
	UnsupportedGrantType:    "This access grant type is not supported by this server.",
	UnsupportedResponseType: "The requested response type is not supported.",
}

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{
		AccessDenied, ExpiredToken, InvalidClient, InvalidGrant, InvalidRequest, InvalidScope,
		InvalidToken, RedirectURIMismatch, UnauthorizedClient, UnsupportedGrantType,
		UnsupportedResponseType,
	}
}

// Valid reports whether k belongs to the closed set.
func (k Kind) Valid() bool {
	_, ok := defaultMessages[k]
	return ok
}

// String returns the wire code.
func (k Kind) String() string {
	return string(k)
}

// DefaultMessage returns the human readable message used when no override is set.
func (k Kind) DefaultMessage() string {
	return defaultMessages[k]
}

// Status returns the HTTP status code for the kind.
// Client authentication and token failures are 401, a denied owner decision is 403,
// everything else is a 400.
func (k Kind) Status() int {
	switch k {
	case InvalidClient, UnauthorizedClient, InvalidToken, ExpiredToken:
		return http.StatusUnauthorized
	case AccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// Error is a protocol error.
type Error struct {
	Kind    Kind
	Message string // overrides the default message when set
	cause   error
}

// New creates an error of the given kind with the default message.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Newf creates an error of the given kind with a formatted message override.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind that keeps cause reachable through errors.Is/As.
// The cause is never rendered on the wire.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Description returns the message sent as error_description.
func (e *Error) Description() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.DefaultMessage()
}

// Status returns the HTTP status code.
func (e *Error) Status() int {
	return e.Kind.Status()
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description())
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error of the same kind, so errors.Is(err, oautherr.New(InvalidGrant)) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of a protocol error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries a protocol error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// From returns the protocol error in err's chain, or nil when err is an infrastructure failure.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
