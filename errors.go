package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/security"
)

// Error codes the handler writes that are not protocol error kinds
const (
	ErrorCodeServerError       = "server_error"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeInsufficientScope = "insufficient_scope"
)

const (
	tokenTypeBearer = "Bearer"
	authSchemeBasic = "Basic"
)

// writeError renders err as an OAuth error response. Protocol errors keep their kind and
// status; anything else is an infrastructure failure, logged and rendered as a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	oerr := oautherr.From(err)
	if oerr == nil {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		h.writeErrorResponse(w, ErrorCodeServerError, "The server encountered an unexpected condition.", http.StatusInternalServerError)
		return
	}

	if oerr.Status() == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(authSchemeBasic, "", string(oerr.Kind), oerr.Description()))
	}
	h.writeErrorResponse(w, string(oerr.Kind), oerr.Description(), oerr.Status())
}

// writeBearerError renders a resource request failure with a Bearer challenge (RFC 6750).
// scope names the scopes the resource requires and may be empty.
func (h *Handler) writeBearerError(w http.ResponseWriter, scope, code, description string, status int) {
	w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(tokenTypeBearer, scope, code, description))
	h.writeErrorResponse(w, code, description, status)
}

func (h *Handler) writeErrorResponse(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate builds a challenge header value. Quotes and backslashes in
// parameter values are escaped so a description cannot break out of its quoted string.
func formatWWWAuthenticate(scheme, scope, code, description string) string {
	var params []string
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeHeaderValue(scope)))
	}
	if code != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, escapeHeaderValue(code)))
	}
	if description != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeHeaderValue(description)))
	}
	if len(params) == 0 {
		return scheme
	}
	return scheme + " " + strings.Join(params, ", ")
}

func escapeHeaderValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
