package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth2-server/storage"
)

// Server wires the authorization server components to one set of stores and one
// configuration.
type Server struct {
	Clients *ClientRegistry
	Scopes  *ScopeValidator
	Flow    *AuthorizationFlow
	Grants  *GrantIssuer
	Tokens  *TokenIssuer
	Sweeper *Sweeper

	Config Config
	Logger *slog.Logger
}

// New creates a server. cfg is validated after defaults are applied.
func New(
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	tokenStore storage.TokenStore,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) (*Server, error) {
	if clientStore == nil {
		return nil, errors.New("client store is required")
	}
	if flowStore == nil {
		return nil, errors.New("flow store is required")
	}
	if tokenStore == nil {
		return nil, errors.New("token store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.logSecurityWarnings(logger)

	scopes := NewScopeValidator(cfg)
	clients := NewClientRegistry(clientStore, tokenStore, cfg, logger, opts...)
	grants := NewGrantIssuer(flowStore, cfg, logger, opts...)

	return &Server{
		Clients: clients,
		Scopes:  scopes,
		Flow:    NewAuthorizationFlow(clients, flowStore, scopes, grants, cfg, logger, opts...),
		Grants:  grants,
		Tokens:  NewTokenIssuer(clients, flowStore, tokenStore, scopes, cfg, logger, opts...),
		Sweeper: NewSweeper(flowStore, tokenStore, cfg, logger, opts...),
		Config:  cfg,
		Logger:  logger,
	}, nil
}

// NewWithStore creates a server on a backend holding all collections
func NewWithStore(store storage.Store, cfg Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return New(store, store, store, cfg, logger, opts...)
}
