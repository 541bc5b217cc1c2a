package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
)

// maxFormBytes bounds request bodies parsed as forms
const maxFormBytes = 64 << 10

// authorizationParam is the consent URL query parameter carrying the authorization request ID.
// The grant and deny endpoints read the ID from the same form field.
const authorizationParam = "authorization"

// Handler serves the OAuth 2.0 endpoints over HTTP on top of a server.Server
type Handler struct {
	server  *server.Server
	config  Config
	logger  *slog.Logger
	limiter *security.RateLimiter
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithInstrumentation records HTTP metrics and spans
func WithInstrumentation(inst *instrumentation.Instrumentation) HandlerOption {
	return func(h *Handler) {
		h.inst = inst
	}
}

// WithAuditor logs rate limit violations as security events
func WithAuditor(a *security.Auditor) HandlerOption {
	return func(h *Handler) {
		h.auditor = a
	}
}

// NewHandler creates a new OAuth handler. Call Close to release the rate limiter.
func NewHandler(srv *server.Server, config Config, opts ...HandlerOption) (*Handler, error) {
	if srv == nil {
		return nil, errors.New("server is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handler configuration: %w", err)
	}

	logger := srv.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		config: config,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.inst != nil {
		h.tracer = h.inst.Tracer("github.com/giantswarm/oauth2-server")
	}
	if config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}
	return h, nil
}

// Close stops background work owned by the handler
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Register mounts the OAuth endpoints on r
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(security.RequestIDMiddleware, h.instrument)

		r.Get(MetadataPath, h.ServeMetadata)
		r.Get(DefaultAuthorizePath, h.ServeAuthorize)
		r.Post(DefaultAuthorizePath, h.ServeAuthorize)
		r.Post(DefaultGrantPath, h.ServeGrant)
		r.Post(DefaultDenyPath, h.ServeDeny)
		r.With(h.rateLimit).Post(DefaultTokenPath, h.ServeToken)
		r.With(h.rateLimit).Post(DefaultRevokePath, h.ServeRevoke)
	})
}

// ServeMetadata serves the authorization server metadata document (RFC 8414)
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(h.config.Issuer, "/")
	meta := AuthorizationServerMetadata{
		Issuer:                 issuer,
		AuthorizationEndpoint:  issuer + DefaultAuthorizePath,
		TokenEndpoint:          issuer + DefaultTokenPath,
		RevocationEndpoint:     issuer + DefaultRevokePath,
		ScopesSupported:        h.server.Config.DefaultScopes,
		ResponseTypesSupported: []string{server.ResponseTypeCode},
		GrantTypesSupported: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
			server.GrantTypeClientCredentials,
		},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	}
	h.writeJSON(w, meta)
}

// ServeAuthorize handles the authorization endpoint. A valid request is recorded and the
// user agent is sent to the consent URL; failures after the redirect URI was verified go
// back to the client, anything earlier is rendered here.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	req, err := h.server.Flow.Begin(r.Context(), server.AuthorizeRequest{
		ResponseType: r.Form.Get("response_type"),
		ClientID:     r.Form.Get("client_id"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		Scopes:       server.ParseScope(r.Form.Get("scope")),
		State:        r.Form.Get("state"),
	})
	if err != nil {
		var redirectErr *server.RedirectError
		if errors.As(err, &redirectErr) {
			h.redirect(w, r, redirectErr.Redirect.URL())
			return
		}
		h.writeError(w, r, err)
		return
	}

	consent, err := url.Parse(h.config.ConsentURL)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("invalid consent URL: %w", err))
		return
	}
	q := consent.Query()
	q.Set(authorizationParam, req.ID)
	consent.RawQuery = q.Encode()

	h.redirect(w, r, consent.String())
}

// ServeGrant records the authenticated resource owner's approval and redirects the user
// agent to the client with the authorization code.
func (h *Handler) ServeGrant(w http.ResponseWriter, r *http.Request) {
	id, identity, ok := h.decisionRequest(w, r)
	if !ok {
		return
	}

	req, err := h.server.Flow.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	grant, err := h.server.Flow.Approve(r.Context(), id, identity)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.redirect(w, r, server.GrantRedirect(grant, req.State).URL())
}

// ServeDeny records the resource owner's refusal and redirects the user agent to the
// client with error=access_denied.
func (h *Handler) ServeDeny(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.decisionRequest(w, r)
	if !ok {
		return
	}

	redirect, err := h.server.Flow.Deny(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.redirect(w, r, redirect.URL())
}

// decisionRequest reads the authorization request ID and the resource owner of a grant
// or deny request. It writes the error response and returns false on failure.
func (h *Handler) decisionRequest(w http.ResponseWriter, r *http.Request) (id, identity string, ok bool) {
	if !h.parseForm(w, r) {
		return "", "", false
	}

	id = r.PostForm.Get(authorizationParam)
	if id == "" {
		h.writeError(w, r, oautherr.Newf(oautherr.InvalidRequest, "%s is required", authorizationParam))
		return "", "", false
	}

	identity, err := h.config.Identity(r)
	if err != nil {
		h.logger.Warn("Owner decision without an authenticated resource owner",
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
		h.writeError(w, r, oautherr.Newf(oautherr.AccessDenied, "The resource owner is not authenticated."))
		return "", "", false
	}
	return id, identity, true
}

// ServeToken handles the token endpoint (RFC 6749 section 3.2)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	clientID, secret, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	var tok *storage.AccessToken
	switch grantType := r.PostForm.Get("grant_type"); grantType {
	case server.GrantTypeAuthorizationCode:
		tok, err = h.server.Tokens.ExchangeCode(ctx, clientID, secret,
			r.PostForm.Get("code"), r.PostForm.Get("redirect_uri"))
	case server.GrantTypeRefreshToken:
		tok, err = h.server.Tokens.Refresh(ctx, clientID, secret,
			r.PostForm.Get("refresh_token"), server.ParseScope(r.PostForm.Get("scope")))
	case server.GrantTypeClientCredentials:
		tok, err = h.server.Tokens.ClientCredentials(ctx, clientID, secret,
			server.ParseScope(r.PostForm.Get("scope")))
	case "":
		err = oautherr.Newf(oautherr.InvalidRequest, "grant_type is required")
	default:
		err = oautherr.New(oautherr.UnsupportedGrantType)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeTokenResponse(w, tok)
}

// ServeRevoke handles token revocation (RFC 7009). The client must authenticate; the
// response is 200 whether or not the token was known.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	clientID, secret, err := clientCredentials(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	client, err := h.server.Clients.Authenticate(r.Context(), clientID, secret)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.server.Tokens.RevokeForClient(r.Context(), client.ID, r.PostForm.Get("token")); err != nil {
		if oautherr.From(err) == nil {
			h.writeError(w, r, err)
			return
		}
		h.logger.Warn("Token revocation refused",
			"client_id", client.ID,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}

	security.SetSecurityHeaders(w, h.config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// clientCredentials extracts the client ID and secret from HTTP Basic authentication
// or, when the header is absent, from the request body (RFC 6749 section 2.3.1).
func clientCredentials(r *http.Request) (clientID, secret string, err error) {
	if id, pw, ok := r.BasicAuth(); ok {
		// credentials are form-encoded before being placed in the header
		if clientID, err = url.QueryUnescape(id); err != nil {
			return "", "", oautherr.Wrap(oautherr.InvalidClient, err, "Malformed client credentials.")
		}
		if secret, err = url.QueryUnescape(pw); err != nil {
			return "", "", oautherr.Wrap(oautherr.InvalidClient, err, "Malformed client credentials.")
		}
		if r.PostForm.Has("client_secret") {
			return "", "", oautherr.Newf(oautherr.InvalidRequest, "Use only one client authentication method.")
		}
		return clientID, secret, nil
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), nil
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, tok *storage.AccessToken) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  tok.Token,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    security.SecondsUntil(tok.ExpiresAt, h.server.Config.Clock()),
		RefreshToken: tok.RefreshToken,
		Scope:        server.FormatScope(tok.Scopes),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, location string) {
	security.SetSecurityHeaders(w, h.config.Issuer)
	http.Redirect(w, r, location, http.StatusFound)
}

// parseForm parses the query and a bounded form body. It writes invalid_request and
// returns false when the body cannot be parsed.
func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, oautherr.Wrap(oautherr.InvalidRequest, err, "The request body could not be parsed."))
		return false
	}
	return true
}

type tokenContextKey struct{}

// ContextWithToken returns a context carrying a validated access token
func ContextWithToken(ctx context.Context, tok *storage.AccessToken) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, tok)
}

// TokenFromContext returns the access token validated by ValidateToken
func TokenFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	tok, ok := ctx.Value(tokenContextKey{}).(*storage.AccessToken)
	return tok, ok && tok != nil
}

// ValidateToken is middleware that authenticates resource requests with a Bearer access
// token. The validated token is available to next through TokenFromContext.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, ok := extractBearerToken(r)
		if !ok {
			h.writeBearerError(w, "", string(oautherr.InvalidToken), "Missing or malformed Bearer token.", http.StatusUnauthorized)
			return
		}

		tok, err := h.server.Tokens.Validate(r.Context(), accessToken)
		if err != nil {
			oerr := oautherr.From(err)
			if oerr == nil {
				h.writeError(w, r, err)
				return
			}
			h.writeBearerError(w, "", string(oerr.Kind), oerr.Description(), oerr.Status())
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithToken(r.Context(), tok)))
	})
}

// RequireScope is middleware, used after ValidateToken, that refuses tokens lacking any
// of the given scopes with 403 insufficient_scope (RFC 6750 section 3.1).
func (h *Handler) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	required := server.FormatScope(scopes)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := TokenFromContext(r.Context())
			if !ok {
				h.writeBearerError(w, required, string(oautherr.InvalidToken), "Missing Bearer token.", http.StatusUnauthorized)
				return
			}
			for _, s := range scopes {
				if !slices.Contains(tok.Scopes, s) {
					h.writeBearerError(w, required, ErrorCodeInsufficientScope,
						"The access token does not carry the required scope.", http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken returns the token of an "Authorization: Bearer" header
func extractBearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, tokenTypeBearer) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// rateLimit refuses requests from client IPs over the configured rate
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount)
		if h.limiter.Allow(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
		if h.inst != nil {
			h.inst.Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
		}
		h.auditor.LogRateLimitExceeded(clientIP, "")

		w.Header().Set("Retry-After", "60")
		h.writeErrorResponse(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	})
}

// instrument records a span and request metrics labelled with the matched route pattern
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "oauth.http",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.request_id", security.GetRequestID(r.Context()))))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(ctx); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		span.SetName(r.Method + " " + endpoint)
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if h.inst != nil && h.inst.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, security.GetClientIP(r, h.config.RateLimit.TrustProxy, h.config.RateLimit.TrustedProxyCount))
		}
		if h.inst != nil {
			durationMs := float64(time.Since(start).Microseconds()) / 1000
			h.inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, status, durationMs)
		}
	})
}
