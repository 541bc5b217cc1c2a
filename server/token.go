package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Grant types accepted at the token endpoint
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token" //nolint:gosec // G101: grant type name, not a credential
	GrantTypeClientCredentials = "client_credentials"
)

// maxRotationChain bounds how many successors are followed when revoking a rotation chain
const maxRotationChain = 1000

// TokenIssuer exchanges grants for access tokens and validates and revokes them
type TokenIssuer struct {
	clients *ClientRegistry
	flows   storage.FlowStore
	tokens  storage.TokenStore
	scopes  *ScopeValidator
	cfg     Config
	obs     *observer
}

// NewTokenIssuer creates a token issuer
func NewTokenIssuer(clients *ClientRegistry, flows storage.FlowStore, tokens storage.TokenStore, scopes *ScopeValidator, cfg Config, logger *slog.Logger, opts ...Option) *TokenIssuer {
	return &TokenIssuer{
		clients: clients,
		flows:   flows,
		tokens:  tokens,
		scopes:  scopes,
		cfg:     cfg.withDefaults(),
		obs:     newObserver(logger, opts),
	}
}

// newToken builds an unsaved token issued at now
func (t *TokenIssuer) newToken(clientID, identity string, scopes []string, grantCode string, withRefresh bool) *storage.AccessToken {
	now := t.cfg.now()
	tok := &storage.AccessToken{
		Token:     security.GenerateToken(),
		ClientID:  clientID,
		Identity:  identity,
		Scopes:    scopes,
		GrantCode: grantCode,
		CreatedAt: now,
		ExpiresAt: now.Add(t.cfg.AccessTokenLifetime),
	}
	if withRefresh {
		tok.RefreshToken = security.GenerateToken()
		tok.RefreshExpiresAt = t.cfg.refreshDeadline(now)
	}
	return tok
}

// issued records a successfully saved token
func (t *TokenIssuer) issued(ctx context.Context, tok *storage.AccessToken, grantType string) {
	t.obs.metrics().RecordTokenIssued(ctx, grantType)
	t.obs.auditor.LogTokenIssued(tok.Identity, tok.ClientID, grantType, FormatScope(tok.Scopes))
	t.obs.counted(ctx, security.EventTokenIssued)
}

// ============================================================
// Authorization code
// ============================================================

// ExchangeCode exchanges an access grant's code for an access and refresh token.
//
// SECURITY: a code is exchanged at most once. Presenting a consumed code again is treated
// as theft: the grant and every token issued from it are revoked.
func (t *TokenIssuer) ExchangeCode(ctx context.Context, clientID, secret, code, redirectURI string) (_ *storage.AccessToken, err error) {
	ctx, span := t.obs.start(ctx, "token.exchange_code",
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))
	defer func() { t.obs.end(span, err) }()

	client, err := t.clients.Authenticate(ctx, clientID, secret)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, oautherr.Newf(oautherr.InvalidRequest, "Missing code.")
	}

	grant, err := t.flows.GetGrant(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oautherr.Wrap(oautherr.InvalidGrant, err, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access grant: %w", err)
	}

	now := t.cfg.now()
	if grant.Consumed() {
		return nil, t.codeReplayed(ctx, grant)
	}
	if grant.Revoked() || grant.IsExpired(now) {
		return nil, oautherr.New(oautherr.InvalidGrant)
	}
	if redirectURI != grant.RedirectURI {
		t.obs.audit(ctx, security.Event{
			Type:     security.EventInvalidRedirect,
			ClientID: client.ID,
			Details:  map[string]any{"stage": "token"},
		})
		return nil, oautherr.New(oautherr.RedirectURIMismatch)
	}
	if grant.ClientID != client.ID {
		t.obs.logger.Debug("Access grant presented by another client",
			"client_id", client.ID,
			"code_prefix", util.SafeTruncate(code, 8))
		return nil, oautherr.New(oautherr.InvalidGrant)
	}

	consumed, err := t.flows.ConsumeGrant(ctx, code, now)
	switch {
	case errors.Is(err, storage.ErrAlreadyUsed):
		// lost the race against a concurrent exchange
		if consumed == nil {
			consumed = grant
		}
		return nil, t.codeReplayed(ctx, consumed)
	case errors.Is(err, storage.ErrExpired), errors.Is(err, storage.ErrNotFound):
		return nil, oautherr.Wrap(oautherr.InvalidGrant, err, "")
	case err != nil:
		return nil, fmt.Errorf("failed to consume access grant: %w", err)
	}

	tok := t.newToken(consumed.ClientID, consumed.Identity, consumed.Scopes, consumed.Code, true)
	if err := t.tokens.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	if err := t.checkGrantAfterIssue(ctx, tok); err != nil {
		return nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, tok.ClientID, tok.Identity, FormatScope(tok.Scopes))
	t.obs.metrics().RecordCodeExchange(ctx, tok.ClientID)
	t.issued(ctx, tok, GrantTypeAuthorizationCode)
	return tok, nil
}

// checkGrantAfterIssue re-reads the grant of a freshly saved token. A replay that
// revoked the grant between consumption and CreateToken could not see tok, so tok is
// revoked here instead.
func (t *TokenIssuer) checkGrantAfterIssue(ctx context.Context, tok *storage.AccessToken) error {
	grant, err := t.flows.GetGrant(ctx, tok.GrantCode)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		t.revokeIssued(ctx, tok)
		return fmt.Errorf("failed to recheck access grant: %w", err)
	}
	if err == nil && !grant.Revoked() {
		return nil
	}

	t.revokeIssued(ctx, tok)
	t.obs.metrics().RecordTokenRevocation(ctx, "code_reuse", 1)
	t.obs.auditor.LogTokenRevoked(tok.Identity, tok.ClientID, "code_reuse", 1)
	t.obs.counted(ctx, security.EventTokenRevoked)
	t.obs.logger.Error("Access grant revoked while its token was being issued - revoking token",
		"client_id", tok.ClientID,
		"token_prefix", util.TokenPrefix(tok.Token))
	return oautherr.New(oautherr.InvalidGrant)
}

// revokeIssued revokes a token that is not handed out
func (t *TokenIssuer) revokeIssued(ctx context.Context, tok *storage.AccessToken) {
	if err := t.tokens.RevokeToken(ctx, tok.Token, t.cfg.now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		t.obs.logger.Error("Failed to revoke token of a revoked grant", "client_id", tok.ClientID, "error", err)
	}
}

// codeReplayed revokes a replayed grant and everything issued from it
func (t *TokenIssuer) codeReplayed(ctx context.Context, grant *storage.AccessGrant) error {
	now := t.cfg.now()
	if err := t.flows.RevokeGrant(ctx, grant.Code, now); err != nil && !errors.Is(err, storage.ErrNotFound) {
		t.obs.logger.Error("Failed to revoke replayed access grant", "client_id", grant.ClientID, "error", err)
	}
	n, err := t.tokens.RevokeTokensByGrant(ctx, grant.Code, now)
	if err != nil {
		t.obs.logger.Error("Failed to revoke tokens after code reuse detection", "client_id", grant.ClientID, "error", err)
	}

	t.obs.metrics().RecordCodeReuseDetected(ctx)
	t.obs.metrics().RecordTokenRevocation(ctx, "code_reuse", n)
	t.obs.auditor.LogCodeReuse(grant.ClientID, grant.Identity, n)
	t.obs.counted(ctx, security.EventAuthorizationCodeReuseDetected)
	t.obs.logger.Error("Authorization code reuse detected - revoking all tokens of the grant",
		"client_id", grant.ClientID,
		"tokens_revoked", n)

	return oautherr.New(oautherr.InvalidGrant)
}

// ============================================================
// Refresh token
// ============================================================

// Refresh exchanges a refresh token for a new access token, optionally narrowing scopes.
// The old access token is revoked in the same atomic step. With rotation enabled a new
// refresh token replaces the old one, and presenting a rotated refresh token again
// revokes every token descended from the same grant.
func (t *TokenIssuer) Refresh(ctx context.Context, clientID, secret, refreshToken string, requested []string) (_ *storage.AccessToken, err error) {
	ctx, span := t.obs.start(ctx, "token.refresh",
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken))
	defer func() { t.obs.end(span, err) }()

	client, err := t.clients.Authenticate(ctx, clientID, secret)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, oautherr.Newf(oautherr.InvalidRequest, "Missing refresh_token.")
	}

	old, err := t.tokens.GetTokenByRefresh(ctx, refreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oautherr.Wrap(oautherr.InvalidGrant, err, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if old.ClientID != client.ID {
		return nil, oautherr.New(oautherr.InvalidGrant)
	}

	now := t.cfg.now()
	if old.Revoked() {
		if old.ReplacedBy != "" {
			return nil, t.refreshReplayed(ctx, old)
		}
		return nil, oautherr.New(oautherr.InvalidGrant)
	}
	if old.RefreshExpired(now) {
		return nil, oautherr.Newf(oautherr.InvalidGrant, "The refresh token has expired.")
	}

	scopes := old.Scopes
	if len(requested) > 0 {
		requested = normalizeScopes(requested)
		if !isSubset(requested, old.Scopes) {
			t.obs.audit(ctx, security.Event{
				Type:     security.EventScopeEscalationAttempt,
				Identity: old.Identity,
				ClientID: client.ID,
				Details: map[string]any{
					"requested": FormatScope(requested),
					"granted":   FormatScope(old.Scopes),
				},
			})
			return nil, oautherr.Newf(oautherr.InvalidScope, "The requested scope exceeds the scope originally granted.")
		}
		scopes = requested
	}

	rotate := t.cfg.RotateRefreshTokens
	next := t.newToken(old.ClientID, old.Identity, scopes, old.GrantCode, rotate)
	if !rotate {
		next.RefreshToken = old.RefreshToken
		next.RefreshExpiresAt = old.RefreshExpiresAt
	}

	err = t.tokens.RotateToken(ctx, old, next, now)
	if errors.Is(err, storage.ErrConflict) {
		if rotate {
			// another request rotated the same refresh token first
			return nil, t.refreshReplayed(ctx, old)
		}
		return nil, oautherr.Wrap(oautherr.InvalidGrant, err, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate token: %w", err)
	}

	instrumentation.AddOAuthFlowAttributes(span, next.ClientID, next.Identity, FormatScope(next.Scopes))
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, rotate))
	t.obs.metrics().RecordTokenRefresh(ctx, next.ClientID, rotate)
	t.obs.auditor.LogTokenRefreshed(next.Identity, next.ClientID, rotate)
	t.obs.counted(ctx, security.EventTokenRefreshed)
	t.issued(ctx, next, GrantTypeRefreshToken)
	return next, nil
}

// refreshReplayed revokes every token descended from the same grant as old
func (t *TokenIssuer) refreshReplayed(ctx context.Context, old *storage.AccessToken) error {
	now := t.cfg.now()
	var (
		n   int
		err error
	)
	if old.GrantCode != "" {
		n, err = t.tokens.RevokeTokensByGrant(ctx, old.GrantCode, now)
	} else {
		n, err = t.revokeChain(ctx, old, now)
	}
	if err != nil {
		t.obs.logger.Error("Failed to revoke tokens after refresh token reuse detection",
			"client_id", old.ClientID, "error", err)
	}

	t.obs.metrics().RecordTokenReuseDetected(ctx)
	t.obs.metrics().RecordTokenRevocation(ctx, "refresh_reuse", n)
	t.obs.auditor.LogRefreshReuse(old.ClientID, old.Identity, n)
	t.obs.counted(ctx, security.EventRefreshTokenReuseDetected)
	t.obs.logger.Error("Refresh token reuse detected - revoking token family",
		"client_id", old.ClientID,
		"tokens_revoked", n)

	return oautherr.New(oautherr.InvalidGrant)
}

// revokeChain follows ReplacedBy from tok and revokes each successor.
// Used for tokens not issued from a grant.
func (t *TokenIssuer) revokeChain(ctx context.Context, tok *storage.AccessToken, now time.Time) (int, error) {
	n := 0
	for next, hops := tok.ReplacedBy, 0; next != "" && hops < maxRotationChain; hops++ {
		cur, err := t.tokens.GetToken(ctx, next)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return n, err
		}
		if !cur.Revoked() {
			if err := t.tokens.RevokeToken(ctx, cur.Token, now); err != nil {
				return n, err
			}
			n++
		}
		next = cur.ReplacedBy
	}
	return n, nil
}

// ============================================================
// Client credentials
// ============================================================

// ClientCredentials issues a token to the client itself, without identity or refresh token
func (t *TokenIssuer) ClientCredentials(ctx context.Context, clientID, secret string, requested []string) (_ *storage.AccessToken, err error) {
	ctx, span := t.obs.start(ctx, "token.client_credentials",
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeClientCredentials))
	defer func() { t.obs.end(span, err) }()

	client, err := t.clients.Authenticate(ctx, clientID, secret)
	if err != nil {
		return nil, err
	}
	scopes, err := t.scopes.Validate(requested, client.Scopes)
	if err != nil {
		return nil, err
	}

	tok := t.newToken(client.ID, "", scopes, "", false)
	if err := t.tokens.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	t.issued(ctx, tok, GrantTypeClientCredentials)
	return tok, nil
}

// IssueForIdentity issues an access and refresh token for a resource owner without an
// authorization flow. It is meant for administrative use and trusted first-party tools.
func (t *TokenIssuer) IssueForIdentity(ctx context.Context, clientID, identity string, requested []string) (*storage.AccessToken, error) {
	if identity == "" {
		return nil, oautherr.Newf(oautherr.InvalidRequest, "Missing resource owner identity.")
	}
	client, err := t.clients.active(ctx, clientID)
	if err != nil {
		return nil, err
	}
	scopes, err := t.scopes.Validate(requested, client.Scopes)
	if err != nil {
		return nil, err
	}

	tok := t.newToken(client.ID, identity, scopes, "", true)
	if err := t.tokens.CreateToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}
	t.issued(ctx, tok, "admin")
	return tok, nil
}

// ============================================================
// Validation and revocation
// ============================================================

// Validate returns the token record for a presented access token.
// Unknown and revoked tokens are invalid_token, expired ones expired_token.
func (t *TokenIssuer) Validate(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, span := t.obs.start(ctx, "token.validate")
	defer func() { t.obs.end(span, err) }()

	result := "invalid"
	defer func() { t.obs.metrics().RecordTokenValidation(ctx, result) }()

	if token == "" {
		return nil, oautherr.New(oautherr.InvalidToken)
	}
	tok, err := t.tokens.GetToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oautherr.Wrap(oautherr.InvalidToken, err, "")
	}
	if err != nil {
		result = "error"
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}

	now := t.cfg.now()
	if tok.Revoked() {
		result = "revoked"
		return nil, oautherr.New(oautherr.InvalidToken)
	}
	if tok.IsExpired(now) {
		result = "expired"
		return nil, oautherr.New(oautherr.ExpiredToken)
	}

	if t.cfg.TrackLastAccess {
		if err := t.tokens.TouchToken(ctx, tok.Token, now); err != nil {
			t.obs.logger.Warn("Failed to record token access",
				"token_prefix", util.TokenPrefix(tok.Token),
				"error", err)
		} else if now.After(tok.LastAccessAt) {
			tok.LastAccessAt = now
		}
	}

	result = "valid"
	instrumentation.AddOAuthFlowAttributes(span, tok.ClientID, tok.Identity, FormatScope(tok.Scopes))
	return tok, nil
}

// Revoke revokes the token with the given access or refresh value, together with its
// paired value. Unknown values are ignored (RFC 7009 section 2.2).
func (t *TokenIssuer) Revoke(ctx context.Context, token string) error {
	return t.revoke(ctx, "", token)
}

// RevokeForClient is Revoke for a value presented by an authenticated client.
// Tokens issued to another client are refused with unauthorized_client.
func (t *TokenIssuer) RevokeForClient(ctx context.Context, clientID, token string) error {
	return t.revoke(ctx, clientID, token)
}

func (t *TokenIssuer) revoke(ctx context.Context, clientID, value string) (err error) {
	ctx, span := t.obs.start(ctx, "token.revoke", attribute.String(instrumentation.AttrClientID, clientID))
	defer func() { t.obs.end(span, err) }()

	if value == "" {
		return nil
	}
	tok, err := t.tokens.GetToken(ctx, value)
	if errors.Is(err, storage.ErrNotFound) {
		tok, err = t.tokens.GetTokenByRefresh(ctx, value)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}
	if clientID != "" && tok.ClientID != clientID {
		return oautherr.Newf(oautherr.UnauthorizedClient, "The token was not issued to this client.")
	}
	if tok.Revoked() {
		return nil
	}

	err = t.tokens.RevokeToken(ctx, tok.Token, t.cfg.now())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	t.obs.metrics().RecordTokenRevocation(ctx, "requested", 1)
	t.obs.auditor.LogTokenRevoked(tok.Identity, tok.ClientID, "requested", 1)
	t.obs.counted(ctx, security.EventTokenRevoked)
	return nil
}

// TokensForIdentity lists the tokens issued on behalf of a resource owner, oldest first
func (t *TokenIssuer) TokensForIdentity(ctx context.Context, identity string) ([]*storage.AccessToken, error) {
	tokens, err := t.tokens.ListTokensByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}
