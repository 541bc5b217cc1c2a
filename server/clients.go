package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// maxCASRetries bounds how often an optimistic update is retried after a version conflict
const maxCASRetries = 3

// ClientRegistry manages registered client applications
type ClientRegistry struct {
	store  storage.ClientStore
	tokens storage.TokenStore
	cfg    Config
	obs    *observer
}

// NewClientRegistry creates a registry. tokens is used to revoke a client's tokens when
// the client is revoked.
func NewClientRegistry(store storage.ClientStore, tokens storage.TokenStore, cfg Config, logger *slog.Logger, opts ...Option) *ClientRegistry {
	cfg = cfg.withDefaults()
	return &ClientRegistry{
		store:  store,
		tokens: tokens,
		cfg:    cfg,
		obs:    newObserver(logger, opts),
	}
}

// Register registers a new client and returns it with its secret.
// The secret is only available here; the store keeps its bcrypt hash.
func (r *ClientRegistry) Register(ctx context.Context, displayName, redirectURI string, scopes []string) (_ *storage.Client, _ string, err error) {
	ctx, span := r.obs.start(ctx, "client.register")
	defer func() { r.obs.end(span, err) }()

	if err := validateRedirectURI(redirectURI, r.cfg.AllowHTTPRedirectURIs); err != nil {
		return nil, "", err
	}
	scopes = normalizeScopes(scopes)
	for _, s := range scopes {
		if !validScopeToken(s) {
			return nil, "", oautherr.Newf(oautherr.InvalidRequest, "The scope %q is malformed.", s)
		}
	}

	secret := security.GenerateToken()
	hash, err := security.HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	client := &storage.Client{
		ID:          uuid.NewString(),
		SecretHash:  hash,
		DisplayName: strings.TrimSpace(displayName),
		RedirectURI: redirectURI,
		Scopes:      scopes,
		CreatedAt:   r.cfg.now(),
	}
	if err := r.store.CreateClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ID))
	r.obs.metrics().RecordClientRegistration(ctx)
	r.obs.auditor.LogClientRegistered(client.ID, client.DisplayName)
	r.obs.counted(ctx, security.EventClientRegistered)
	r.obs.logger.Info("Registered client",
		"client_id", client.ID,
		"display_name", client.DisplayName,
		"scopes", FormatScope(client.Scopes))
	return client, secret, nil
}

// Lookup returns the client with the given ID, revoked or not.
// Unknown IDs fail with invalid_client.
func (r *ClientRegistry) Lookup(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, oautherr.Wrap(oautherr.InvalidClient, err, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return client, nil
}

// active returns the client when it exists and was not revoked
func (r *ClientRegistry) active(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := r.Lookup(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Revoked() {
		return nil, oautherr.Newf(oautherr.InvalidClient, "This client application has been revoked.")
	}
	return client, nil
}

// Authenticate verifies a client's credentials.
// SECURITY: unknown client IDs are checked against a dummy hash so the response time
// does not reveal which IDs exist.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	var hash string
	if client != nil {
		hash = client.SecretHash
	}
	if !security.CompareSecret(hash, secret) || client == nil {
		r.authFailed(ctx, clientID, "invalid_credentials")
		return nil, oautherr.New(oautherr.InvalidClient)
	}
	if client.Revoked() {
		r.authFailed(ctx, clientID, "client_revoked")
		return nil, oautherr.Newf(oautherr.InvalidClient, "This client application has been revoked.")
	}
	return client, nil
}

func (r *ClientRegistry) authFailed(ctx context.Context, clientID, reason string) {
	r.obs.metrics().RecordClientAuthFailed(ctx)
	r.obs.auditor.LogAuthFailure(clientID, "", reason)
	r.obs.counted(ctx, security.EventAuthFailure)
	r.obs.logger.Debug("Client authentication failed", "client_id", clientID, "reason", reason)
}

// Revoke disables a client and revokes every token issued to it. Revoking a revoked
// client only repeats the token revocation.
func (r *ClientRegistry) Revoke(ctx context.Context, clientID string) (err error) {
	ctx, span := r.obs.start(ctx, "client.revoke", attribute.String(instrumentation.AttrClientID, clientID))
	defer func() { r.obs.end(span, err) }()

	now := r.cfg.now()
	for attempt := 0; ; attempt++ {
		client, err := r.Lookup(ctx, clientID)
		if err != nil {
			return err
		}
		if client.Revoked() {
			break
		}
		client.RevokedAt = now
		err = r.store.UpdateClient(ctx, client)
		if err == nil {
			r.obs.metrics().RecordClientRevocation(ctx)
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt+1 >= maxCASRetries {
			return fmt.Errorf("failed to revoke client: %w", err)
		}
	}

	n, err := r.tokens.RevokeTokensByClient(ctx, clientID, now)
	if err != nil {
		return fmt.Errorf("failed to revoke client tokens: %w", err)
	}
	r.obs.metrics().RecordTokenRevocation(ctx, "client_revoked", n)
	r.obs.auditor.LogClientRevoked(clientID, n)
	r.obs.counted(ctx, security.EventClientRevoked)
	r.obs.logger.Info("Revoked client", "client_id", clientID, "tokens_revoked", n)
	return nil
}

// List returns every registered client ordered by ID
func (r *ClientRegistry) List(ctx context.Context) ([]*storage.Client, error) {
	clients, err := r.store.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}
