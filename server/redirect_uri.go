package server

import (
	"net"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth2-server/oautherr"
)

// URI schemes
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// dangerousSchemes can execute code or read local data in the user agent and are
// never accepted as redirect targets
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "blob", "about"}

// validateRedirectURI checks a redirect URI at registration:
// it must be absolute without fragment (RFC 6749 section 3.1.2), must not use a
// dangerous scheme, and must use https unless the host is loopback or allowHTTP is set.
// Custom schemes for native apps are accepted.
func validateRedirectURI(raw string, allowHTTP bool) error {
	if raw == "" {
		return oautherr.Newf(oautherr.InvalidRequest, "Missing redirect_uri.")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return oautherr.Wrap(oautherr.InvalidRequest, err, "The redirect_uri is not a valid URI.")
	}
	if !u.IsAbs() {
		return oautherr.Newf(oautherr.InvalidRequest, "The redirect_uri must be an absolute URI.")
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return oautherr.Newf(oautherr.InvalidRequest, "The redirect_uri must not include a fragment.")
	}

	scheme := strings.ToLower(u.Scheme)
	for _, d := range dangerousSchemes {
		if scheme == d {
			return oautherr.Newf(oautherr.InvalidRequest, "The redirect_uri scheme %q is not allowed.", u.Scheme)
		}
	}

	switch scheme {
	case SchemeHTTPS:
		if u.Hostname() == "" {
			return oautherr.Newf(oautherr.InvalidRequest, "The redirect_uri must name a host.")
		}
	case SchemeHTTP:
		if u.Hostname() == "" {
			return oautherr.Newf(oautherr.InvalidRequest, "The redirect_uri must name a host.")
		}
		if !allowHTTP && !isLoopbackHost(u.Hostname()) {
			return oautherr.Newf(oautherr.InvalidRequest, "The redirect_uri must use https (http is only allowed for loopback hosts).")
		}
	}
	return nil
}

// isLoopbackHost reports whether hostname refers to the local machine.
// This includes the whole 127.0.0.0/8 range, ::1 and "localhost".
func isLoopbackHost(hostname string) bool {
	hostname = strings.Trim(hostname, "[]")
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
