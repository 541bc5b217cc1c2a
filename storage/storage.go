package storage

import (
	"context"
	"time"
)

// ClientStore defines the interface for managing registered clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// CreateClient saves a new client at version 1. Returns ErrConflict if the ID is taken.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// UpdateClient replaces a client if its stored version equals client.Version.
	// On success client.Version is incremented. Returns ErrConflict otherwise.
	UpdateClient(ctx context.Context, client *Client) error

	// ListClients lists all registered clients (for admin purposes)
	ListClients(ctx context.Context) ([]*Client, error)
}

// FlowStore defines the interface for authorization requests and access grants.
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// CreateAuthRequest saves a new pending authorization request at version 1
	CreateAuthRequest(ctx context.Context, req *AuthRequest) error

	// GetAuthRequest retrieves an authorization request by ID
	GetAuthRequest(ctx context.Context, id string) (*AuthRequest, error)

	// UpdateAuthRequest replaces an authorization request if its stored version equals
	// req.Version. On success req.Version is incremented. Returns ErrConflict otherwise.
	// SECURITY: this is the only way a request leaves the pending state.
	UpdateAuthRequest(ctx context.Context, req *AuthRequest) error

	// ExpireAuthRequests moves every pending request whose deadline is not after now to
	// the expired state and returns how many were moved.
	ExpireAuthRequests(ctx context.Context, now time.Time) (int, error)

	// CreateGrant saves a new unconsumed grant. Returns ErrConflict if the code exists or
	// a grant was already issued for the same authorization request.
	CreateGrant(ctx context.Context, grant *AccessGrant) error

	// GetGrant retrieves a grant by code
	GetGrant(ctx context.Context, code string) (*AccessGrant, error)

	// ConsumeGrant atomically marks an unconsumed grant as consumed at now.
	// Returns the grant on success. Returns ErrNotFound for unknown codes, ErrExpired for
	// grants past their deadline and ErrAlreadyUsed (with the grant) for consumed ones.
	// SECURITY: only ONE concurrent caller can succeed for a given code.
	ConsumeGrant(ctx context.Context, code string, now time.Time) (*AccessGrant, error)

	// RevokeGrant marks a grant revoked. Idempotent.
	RevokeGrant(ctx context.Context, code string, now time.Time) error

	// DeleteExpiredFlows removes grants and resolved authorization requests whose
	// deadline is before the given time.
	DeleteExpiredFlows(ctx context.Context, before time.Time) (int, error)
}

// TokenStore defines the interface for access and refresh tokens.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// CreateToken saves a new token at version 1. Returns ErrConflict if the access or
	// refresh value exists.
	CreateToken(ctx context.Context, token *AccessToken) error

	// GetToken retrieves a token by access token value
	GetToken(ctx context.Context, token string) (*AccessToken, error)

	// GetTokenByRefresh retrieves a token by refresh token value
	GetTokenByRefresh(ctx context.Context, refreshToken string) (*AccessToken, error)

	// RotateToken revokes old and saves next in one atomic step, provided old is still
	// unrevoked at the version the caller read. old.ReplacedBy is set to next.Token.
	// When next reuses old's refresh token the refresh index moves to next.
	// Returns ErrConflict if old changed concurrently.
	RotateToken(ctx context.Context, old, next *AccessToken, now time.Time) error

	// RevokeToken marks the token with the given access value revoked. Idempotent.
	// Returns ErrNotFound for unknown values.
	RevokeToken(ctx context.Context, token string, now time.Time) error

	// RevokeTokensByGrant revokes every token issued from the given grant code
	RevokeTokensByGrant(ctx context.Context, grantCode string, now time.Time) (int, error)

	// RevokeTokensByClient revokes every token issued to the given client
	RevokeTokensByClient(ctx context.Context, clientID string, now time.Time) (int, error)

	// ListTokensByIdentity lists tokens issued on behalf of a resource owner
	ListTokensByIdentity(ctx context.Context, identity string) ([]*AccessToken, error)

	// TouchToken records the last time a token was used. It does not change Version.
	TouchToken(ctx context.Context, token string, at time.Time) error

	// DeleteExpiredTokens removes tokens whose access and refresh deadlines are before the given time
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error)
}

// Store is implemented by backends that hold all collections.
type Store interface {
	ClientStore
	FlowStore
	TokenStore
}
