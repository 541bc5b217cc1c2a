package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// GrantIssuer turns approved authorization requests into single-use access grants
type GrantIssuer struct {
	flows storage.FlowStore
	cfg   Config
	obs   *observer
}

// NewGrantIssuer creates a grant issuer
func NewGrantIssuer(flows storage.FlowStore, cfg Config, logger *slog.Logger, opts ...Option) *GrantIssuer {
	return &GrantIssuer{
		flows: flows,
		cfg:   cfg.withDefaults(),
		obs:   newObserver(logger, opts),
	}
}

// Issue mints the access grant for a granted authorization request.
// The grant mirrors the request's client, identity, scopes and redirect URI.
// At most one grant exists per request.
func (g *GrantIssuer) Issue(ctx context.Context, req *storage.AuthRequest) (*storage.AccessGrant, error) {
	if req.Status != storage.AuthRequestGranted || req.Identity == "" {
		return nil, oautherr.Newf(oautherr.InvalidGrant, "The authorization request was not approved.")
	}

	now := g.cfg.now()
	grant := &storage.AccessGrant{
		Code:          security.GenerateToken(),
		AuthRequestID: req.ID,
		ClientID:      req.ClientID,
		Identity:      req.Identity,
		Scopes:        normalizeScopes(req.Scopes),
		RedirectURI:   req.RedirectURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(g.cfg.GrantLifetime),
	}
	err := g.flows.CreateGrant(ctx, grant)
	if errors.Is(err, storage.ErrConflict) {
		return nil, oautherr.Wrap(oautherr.InvalidGrant, err, "An access grant was already issued for this request.")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save access grant: %w", err)
	}

	g.obs.metrics().RecordGrantIssued(ctx, grant.ClientID)
	g.obs.audit(ctx, security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		Identity: grant.Identity,
		ClientID: grant.ClientID,
	})
	g.obs.logger.Debug("Issued access grant",
		"client_id", grant.ClientID,
		"code_prefix", util.SafeTruncate(grant.Code, 8))
	return grant, nil
}
