package server

import (
	"net/url"

	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/storage"
)

// Redirect describes where the user agent is sent back to at the client.
// It carries either a code or an error, always with the client's state.
type Redirect struct {
	RedirectURI      string
	Code             string
	State            string
	Error            oautherr.Kind
	ErrorDescription string
}

// GrantRedirect returns the redirect delivering grant's code to the client
func GrantRedirect(grant *storage.AccessGrant, state string) *Redirect {
	return &Redirect{
		RedirectURI: grant.RedirectURI,
		Code:        grant.Code,
		State:       state,
	}
}

// ErrorRedirect returns the redirect reporting err to the client
func ErrorRedirect(redirectURI, state string, err *oautherr.Error) *Redirect {
	return &Redirect{
		RedirectURI:      redirectURI,
		State:            state,
		Error:            err.Kind,
		ErrorDescription: err.Description(),
	}
}

// URL returns the redirect URI with the response parameters added to its query.
// Query parameters already present in the registered URI are kept.
func (r *Redirect) URL() string {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		// registered URIs are validated on registration
		return r.RedirectURI
	}
	q := u.Query()
	if r.Error != "" {
		q.Set("error", string(r.Error))
		if r.ErrorDescription != "" {
			q.Set("error_description", r.ErrorDescription)
		}
	} else {
		q.Set("code", r.Code)
	}
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedirectError is a protocol failure detected after the redirect URI was verified.
// It is reported to the client by redirecting the user agent, not to the user agent directly.
type RedirectError struct {
	Err      *oautherr.Error
	Redirect *Redirect
}

func newRedirectError(redirectURI, state string, err *oautherr.Error) *RedirectError {
	return &RedirectError{Err: err, Redirect: ErrorRedirect(redirectURI, state, err)}
}

// Error implements the error interface
func (e *RedirectError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the protocol error
func (e *RedirectError) Unwrap() error {
	return e.Err
}
