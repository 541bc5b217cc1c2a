package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// ResponseTypeCode is the only supported response_type
const ResponseTypeCode = "code"

// AuthorizeRequest holds the parameters of an authorization endpoint request
type AuthorizeRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string // optional; defaults to the registered URI
	Scopes       []string
	State        string
}

// AuthorizationFlow records authorization requests and the resource owner's decision
// on them. Begin and Approve/Deny are separate calls correlated by the request ID, so
// the host application can authenticate the owner in between.
type AuthorizationFlow struct {
	clients *ClientRegistry
	flows   storage.FlowStore
	scopes  *ScopeValidator
	grants  *GrantIssuer
	cfg     Config
	obs     *observer
}

// NewAuthorizationFlow creates the flow
func NewAuthorizationFlow(clients *ClientRegistry, flows storage.FlowStore, scopes *ScopeValidator, grants *GrantIssuer, cfg Config, logger *slog.Logger, opts ...Option) *AuthorizationFlow {
	return &AuthorizationFlow{
		clients: clients,
		flows:   flows,
		scopes:  scopes,
		grants:  grants,
		cfg:     cfg.withDefaults(),
		obs:     newObserver(logger, opts),
	}
}

// Begin validates an authorization request and records it as pending.
//
// Failures detected before the redirect URI is verified (missing client_id, unknown
// or revoked client, redirect mismatch) are returned as plain protocol errors and must
// be shown to the user agent. Later failures are returned as *RedirectError.
func (f *AuthorizationFlow) Begin(ctx context.Context, req AuthorizeRequest) (_ *storage.AuthRequest, err error) {
	ctx, span := f.obs.start(ctx, "authorization.begin",
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrResponseType, req.ResponseType))
	defer func() { f.obs.end(span, err) }()

	if req.ClientID == "" {
		return nil, oautherr.Newf(oautherr.InvalidRequest, "Missing client_id.")
	}
	client, err := f.clients.active(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = client.RedirectURI
	}
	if redirectURI != client.RedirectURI {
		f.obs.audit(ctx, security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: client.ID,
			Details:  map[string]any{"stage": "authorize"},
		})
		return nil, oautherr.New(oautherr.RedirectURIMismatch)
	}

	// the redirect target is trusted from here on
	switch req.ResponseType {
	case "":
		return nil, newRedirectError(redirectURI, req.State,
			oautherr.Newf(oautherr.InvalidRequest, "Missing response_type."))
	case ResponseTypeCode:
	default:
		return nil, newRedirectError(redirectURI, req.State, oautherr.New(oautherr.UnsupportedResponseType))
	}

	scopes, err := f.scopes.Validate(req.Scopes, client.Scopes)
	if err != nil {
		var oe *oautherr.Error
		if errors.As(err, &oe) {
			return nil, newRedirectError(redirectURI, req.State, oe)
		}
		return nil, err
	}

	now := f.cfg.now()
	authReq := &storage.AuthRequest{
		ID:          uuid.NewString(),
		ClientID:    client.ID,
		Scopes:      scopes,
		RedirectURI: redirectURI,
		State:       req.State,
		Status:      storage.AuthRequestPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(f.cfg.AuthRequestLifetime),
	}
	if err := f.flows.CreateAuthRequest(ctx, authReq); err != nil {
		return nil, fmt.Errorf("failed to save authorization request: %w", err)
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAuthRequestID, authReq.ID))
	f.obs.metrics().RecordAuthorizationStarted(ctx, client.ID)
	f.obs.audit(ctx, security.Event{
		Type:     security.EventAuthorizationRequested,
		ClientID: client.ID,
		Details:  map[string]any{"scope": FormatScope(scopes)},
	})
	f.obs.logger.Debug("Authorization request recorded",
		"auth_request_id", authReq.ID,
		"client_id", client.ID,
		"scope", FormatScope(scopes))
	return authReq, nil
}

// Get returns an authorization request, moving it to expired first if its deadline passed.
// Consent screens use it to show what is being asked for.
func (f *AuthorizationFlow) Get(ctx context.Context, id string) (*storage.AuthRequest, error) {
	req, err := f.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.IsExpired(f.cfg.now()) {
		if err := f.expire(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Approve records the resource owner's consent and issues the access grant.
func (f *AuthorizationFlow) Approve(ctx context.Context, authRequestID, identity string) (_ *storage.AccessGrant, err error) {
	ctx, span := f.obs.start(ctx, "authorization.approve",
		attribute.String(instrumentation.AttrAuthRequestID, authRequestID))
	defer func() { f.obs.end(span, err) }()

	req, err := f.load(ctx, authRequestID)
	if err != nil {
		return nil, err
	}
	if identity == "" {
		return nil, oautherr.Newf(oautherr.InvalidRequest, "Missing resource owner identity.")
	}
	if err := f.resolvable(ctx, req); err != nil {
		return nil, err
	}

	req.Status = storage.AuthRequestGranted
	req.Identity = identity
	req.ResolvedAt = f.cfg.now()
	if err := f.resolve(ctx, req); err != nil {
		return nil, err
	}

	grant, err := f.grants.Issue(ctx, req)
	if err != nil {
		if oautherr.From(err) == nil {
			f.reopen(ctx, req)
		}
		return nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, identity, FormatScope(req.Scopes))
	f.obs.metrics().RecordAuthorizationResolved(ctx, string(storage.AuthRequestGranted))
	f.obs.audit(ctx, security.Event{
		Type:     security.EventAuthorizationGranted,
		Identity: identity,
		ClientID: req.ClientID,
		Details:  map[string]any{"scope": FormatScope(req.Scopes)},
	})
	return grant, nil
}

// reopen moves a granted request whose grant could not be saved back to pending,
// so the owner's decision can be retried
func (f *AuthorizationFlow) reopen(ctx context.Context, req *storage.AuthRequest) {
	next := req.Clone()
	next.Status = storage.AuthRequestPending
	next.Identity = ""
	next.ResolvedAt = time.Time{}
	if err := f.flows.UpdateAuthRequest(ctx, next); err != nil {
		f.obs.logger.Error("Failed to reopen authorization request after grant failure",
			"client_id", req.ClientID,
			"error", err)
		return
	}
	*req = *next
}

// Deny records the resource owner's refusal and returns the redirect reporting
// access_denied to the client. No code is issued.
func (f *AuthorizationFlow) Deny(ctx context.Context, authRequestID string) (_ *Redirect, err error) {
	ctx, span := f.obs.start(ctx, "authorization.deny",
		attribute.String(instrumentation.AttrAuthRequestID, authRequestID))
	defer func() { f.obs.end(span, err) }()

	req, err := f.load(ctx, authRequestID)
	if err != nil {
		return nil, err
	}
	if err := f.resolvable(ctx, req); err != nil {
		return nil, err
	}

	req.Status = storage.AuthRequestDenied
	req.ResolvedAt = f.cfg.now()
	if err := f.resolve(ctx, req); err != nil {
		return nil, err
	}

	f.obs.metrics().RecordAuthorizationResolved(ctx, string(storage.AuthRequestDenied))
	f.obs.audit(ctx, security.Event{
		Type:     security.EventAuthorizationDenied,
		ClientID: req.ClientID,
	})
	return ErrorRedirect(req.RedirectURI, req.State, oautherr.New(oautherr.AccessDenied)), nil
}

// Sweep moves every pending request past its deadline to expired
func (f *AuthorizationFlow) Sweep(ctx context.Context) (int, error) {
	n, err := f.flows.ExpireAuthRequests(ctx, f.cfg.now())
	if err != nil {
		return 0, fmt.Errorf("failed to expire authorization requests: %w", err)
	}
	if n > 0 {
		f.obs.metrics().RecordSweep(ctx, "auth_requests_expired", n)
		f.obs.logger.Debug("Expired authorization requests", "count", n)
	}
	return n, nil
}

// load reads a request; unknown IDs are invalid_grant
func (f *AuthorizationFlow) load(ctx context.Context, id string) (*storage.AuthRequest, error) {
	if id == "" {
		return nil, oautherr.Newf(oautherr.InvalidRequest, "Missing authorization request.")
	}
	req, err := f.flows.GetAuthRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oautherr.Wrap(oautherr.InvalidGrant, err, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}
	return req, nil
}

// resolvable checks that the owner can still decide on req
func (f *AuthorizationFlow) resolvable(ctx context.Context, req *storage.AuthRequest) error {
	if req.IsExpired(f.cfg.now()) {
		if err := f.expire(ctx, req); err != nil {
			return err
		}
		return oautherr.Newf(oautherr.ExpiredToken, "The authorization request has expired.")
	}
	if req.Status.Terminal() {
		return oautherr.Newf(oautherr.InvalidGrant, "The authorization request was already %s.", req.Status)
	}
	if _, err := f.clients.active(ctx, req.ClientID); err != nil {
		return err
	}
	return nil
}

// resolve stores the owner's decision. Losing a concurrent decision is invalid_grant.
func (f *AuthorizationFlow) resolve(ctx context.Context, req *storage.AuthRequest) error {
	err := f.flows.UpdateAuthRequest(ctx, req)
	if errors.Is(err, storage.ErrConflict) {
		return oautherr.Wrap(oautherr.InvalidGrant, err, "The authorization request was already resolved.")
	}
	if err != nil {
		return fmt.Errorf("failed to update authorization request: %w", err)
	}
	return nil
}

// expire moves an overdue pending request to expired. A concurrent transition wins.
func (f *AuthorizationFlow) expire(ctx context.Context, req *storage.AuthRequest) error {
	next := req.Clone()
	next.Status = storage.AuthRequestExpired
	next.ResolvedAt = f.cfg.now()
	err := f.flows.UpdateAuthRequest(ctx, next)
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to expire authorization request: %w", err)
	}
	*req = *next
	return nil
}
