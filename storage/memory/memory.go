package memory

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging token values
	tokenIDLogLength = 8

	// DefaultCleanupInterval is how often dead records are purged
	DefaultCleanupInterval = time.Minute
)

// Store is an in-memory implementation of all storage interfaces.
// Records are copied on the way in and out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	clients      map[string]*storage.Client
	authRequests map[string]*storage.AuthRequest
	grants       map[string]*storage.AccessGrant
	grantByReq   map[string]string // auth request ID -> grant code
	tokens       map[string]*storage.AccessToken
	refreshIndex map[string]string // refresh token -> access token

	telemetry *storage.Telemetry

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		authRequests:    make(map[string]*storage.AuthRequest),
		grants:          make(map[string]*storage.AccessGrant),
		grantByReq:      make(map[string]string),
		tokens:          make(map[string]*storage.AccessToken),
		refreshIndex:    make(map[string]string),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.telemetry = storage.NewTelemetry("memory", inst)
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		s.sizeOf(func() int { return len(s.clients) }),
		s.sizeOf(func() int { return len(s.authRequests) }),
		s.sizeOf(func() int { return len(s.grants) }),
		s.sizeOf(func() int { return len(s.tokens) }),
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) sizeOf(n func() int) instrumentation.StorageSizeCallback {
	return func() int64 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return int64(n())
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// start is a shortcut for the telemetry helper that tolerates a store without instrumentation
func (s *Store) start(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	t := s.telemetry
	s.mu.RUnlock()
	return t.Start(ctx, operation)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient saves a new client
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	_, finish := s.start(ctx, "create_client")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ID]; exists {
		return storage.ErrConflict
	}
	client.Version = 1
	s.clients[client.ID] = client.Clone()
	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, finish := s.start(ctx, "get_client")
	defer func() { finish(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return client.Clone(), nil
}

// UpdateClient replaces a client if the caller's version is current
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	_, finish := s.start(ctx, "update_client")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.clients[client.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Version != client.Version {
		return storage.ErrConflict
	}
	client.Version++
	s.clients[client.ID] = client.Clone()
	return nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	_, finish := s.start(ctx, "list_clients")
	defer func() { finish(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c.Clone())
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int { return cmp.Compare(a.ID, b.ID) })
	return clients, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// CreateAuthRequest saves a new authorization request
func (s *Store) CreateAuthRequest(ctx context.Context, req *storage.AuthRequest) (err error) {
	_, finish := s.start(ctx, "create_auth_request")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authRequests[req.ID]; exists {
		return storage.ErrConflict
	}
	req.Version = 1
	s.authRequests[req.ID] = req.Clone()
	return nil
}

// GetAuthRequest retrieves an authorization request by ID
func (s *Store) GetAuthRequest(ctx context.Context, id string) (_ *storage.AuthRequest, err error) {
	_, finish := s.start(ctx, "get_auth_request")
	defer func() { finish(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.authRequests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return req.Clone(), nil
}

// UpdateAuthRequest replaces an authorization request if the caller's version is current
func (s *Store) UpdateAuthRequest(ctx context.Context, req *storage.AuthRequest) (err error) {
	_, finish := s.start(ctx, "update_auth_request")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.authRequests[req.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Version != req.Version {
		return storage.ErrConflict
	}
	req.Version++
	s.authRequests[req.ID] = req.Clone()
	return nil
}

// ExpireAuthRequests moves overdue pending requests to the expired state
func (s *Store) ExpireAuthRequests(ctx context.Context, now time.Time) (_ int, err error) {
	_, finish := s.start(ctx, "expire_auth_requests")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, req := range s.authRequests {
		if req.IsExpired(now) {
			req.Status = storage.AuthRequestExpired
			req.ResolvedAt = now
			req.Version++
			n++
		}
	}
	return n, nil
}

// CreateGrant saves a new access grant
func (s *Store) CreateGrant(ctx context.Context, grant *storage.AccessGrant) (err error) {
	_, finish := s.start(ctx, "create_grant")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.grants[grant.Code]; exists {
		return storage.ErrConflict
	}
	if grant.AuthRequestID != "" {
		if _, exists := s.grantByReq[grant.AuthRequestID]; exists {
			return storage.ErrConflict
		}
		s.grantByReq[grant.AuthRequestID] = grant.Code
	}
	s.grants[grant.Code] = grant.Clone()
	s.logger.Debug("Saved access grant",
		"code_prefix", util.SafeTruncate(grant.Code, tokenIDLogLength),
		"client_id", grant.ClientID)
	return nil
}

// GetGrant retrieves an access grant by code
func (s *Store) GetGrant(ctx context.Context, code string) (_ *storage.AccessGrant, err error) {
	_, finish := s.start(ctx, "get_grant")
	defer func() { finish(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return grant.Clone(), nil
}

// ConsumeGrant atomically marks a grant as consumed.
//
// The grant is ONLY returned on success and on reuse (ErrAlreadyUsed) so callers can
// revoke what was issued from it.
func (s *Store) ConsumeGrant(ctx context.Context, code string, now time.Time) (_ *storage.AccessGrant, err error) {
	_, finish := s.start(ctx, "consume_grant")
	defer func() { finish(err) }()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	grant, ok := s.grants[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if grant.Consumed() || grant.Revoked() {
		return grant.Clone(), storage.ErrAlreadyUsed
	}
	if grant.IsExpired(now) {
		return nil, storage.ErrExpired
	}

	grant.ConsumedAt = now
	s.logger.Debug("Consumed access grant",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return grant.Clone(), nil
}

// RevokeGrant marks a grant revoked
func (s *Store) RevokeGrant(ctx context.Context, code string, now time.Time) (err error) {
	_, finish := s.start(ctx, "revoke_grant")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[code]
	if !ok {
		return storage.ErrNotFound
	}
	if !grant.Revoked() {
		grant.RevokedAt = now
	}
	return nil
}

// DeleteExpiredFlows removes grants and authorization requests past their deadline
func (s *Store) DeleteExpiredFlows(ctx context.Context, before time.Time) (_ int, err error) {
	_, finish := s.start(ctx, "delete_expired_flows")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteExpiredFlowsLocked(before), nil
}

func (s *Store) deleteExpiredFlowsLocked(before time.Time) int {
	n := 0
	for id, req := range s.authRequests {
		if req.ExpiresAt.Before(before) {
			delete(s.authRequests, id)
			n++
		}
	}
	for code, grant := range s.grants {
		if grant.ExpiresAt.Before(before) {
			delete(s.grants, code)
			if grant.AuthRequestID != "" {
				delete(s.grantByReq, grant.AuthRequestID)
			}
			n++
		}
	}
	return n
}

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateToken saves a new token
func (s *Store) CreateToken(ctx context.Context, token *storage.AccessToken) (err error) {
	_, finish := s.start(ctx, "create_token")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.Token]; exists {
		return storage.ErrConflict
	}
	if token.RefreshToken != "" {
		if _, exists := s.refreshIndex[token.RefreshToken]; exists {
			return storage.ErrConflict
		}
		s.refreshIndex[token.RefreshToken] = token.Token
	}
	token.Version = 1
	s.tokens[token.Token] = token.Clone()
	s.logger.Debug("Saved token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetToken retrieves a token by access token value
func (s *Store) GetToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	_, finish := s.start(ctx, "get_token")
	defer func() { finish(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// GetTokenByRefresh retrieves a token by refresh token value
func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (_ *storage.AccessToken, err error) {
	_, finish := s.start(ctx, "get_token_by_refresh")
	defer func() { finish(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	access, ok := s.refreshIndex[refreshToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	t, ok := s.tokens[access]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// RotateToken revokes old and saves next atomically
func (s *Store) RotateToken(ctx context.Context, old, next *storage.AccessToken, now time.Time) (err error) {
	_, finish := s.start(ctx, "rotate_token")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tokens[old.Token]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Version != old.Version || cur.Revoked() {
		return storage.ErrConflict
	}
	if _, exists := s.tokens[next.Token]; exists {
		return storage.ErrConflict
	}
	reuseRefresh := next.RefreshToken != "" && next.RefreshToken == cur.RefreshToken
	if next.RefreshToken != "" && !reuseRefresh {
		if _, exists := s.refreshIndex[next.RefreshToken]; exists {
			return storage.ErrConflict
		}
	}

	cur.RevokedAt = now
	cur.ReplacedBy = next.Token
	cur.Version++

	next.Version = 1
	s.tokens[next.Token] = next.Clone()
	if next.RefreshToken != "" {
		s.refreshIndex[next.RefreshToken] = next.Token
	}

	old.RevokedAt = cur.RevokedAt
	old.ReplacedBy = cur.ReplacedBy
	old.Version = cur.Version
	return nil
}

// RevokeToken marks a token revoked
func (s *Store) RevokeToken(ctx context.Context, token string, now time.Time) (err error) {
	_, finish := s.start(ctx, "revoke_token")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return storage.ErrNotFound
	}
	revokeLocked(t, now)
	return nil
}

// RevokeTokensByGrant revokes every token issued from a grant
func (s *Store) RevokeTokensByGrant(ctx context.Context, grantCode string, now time.Time) (_ int, err error) {
	_, finish := s.start(ctx, "revoke_tokens_by_grant")
	defer func() { finish(err) }()

	if grantCode == "" {
		return 0, nil
	}
	return s.revokeWhere(now, func(t *storage.AccessToken) bool { return t.GrantCode == grantCode }), nil
}

// RevokeTokensByClient revokes every token issued to a client
func (s *Store) RevokeTokensByClient(ctx context.Context, clientID string, now time.Time) (_ int, err error) {
	_, finish := s.start(ctx, "revoke_tokens_by_client")
	defer func() { finish(err) }()

	return s.revokeWhere(now, func(t *storage.AccessToken) bool { return t.ClientID == clientID }), nil
}

func (s *Store) revokeWhere(now time.Time, match func(*storage.AccessToken) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.tokens {
		if match(t) && revokeLocked(t, now) {
			n++
		}
	}
	return n
}

// revokeLocked revokes t unless it already is. Caller holds mu.
func revokeLocked(t *storage.AccessToken, now time.Time) bool {
	if t.Revoked() {
		return false
	}
	t.RevokedAt = now
	t.Version++
	return true
}

// ListTokensByIdentity lists tokens issued on behalf of a resource owner, oldest first
func (s *Store) ListTokensByIdentity(ctx context.Context, identity string) (_ []*storage.AccessToken, err error) {
	_, finish := s.start(ctx, "list_tokens_by_identity")
	defer func() { finish(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var tokens []*storage.AccessToken
	for _, t := range s.tokens {
		if identity != "" && t.Identity == identity {
			tokens = append(tokens, t.Clone())
		}
	}
	slices.SortFunc(tokens, func(a, b *storage.AccessToken) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Token, b.Token)
	})
	return tokens, nil
}

// TouchToken records the last time a token was used
func (s *Store) TouchToken(ctx context.Context, token string, at time.Time) (err error) {
	_, finish := s.start(ctx, "touch_token")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return storage.ErrNotFound
	}
	if at.After(t.LastAccessAt) {
		t.LastAccessAt = at
	}
	return nil
}

// DeleteExpiredTokens removes tokens that are of no further use
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int, err error) {
	_, finish := s.start(ctx, "delete_expired_tokens")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deleteExpiredTokensLocked(before), nil
}

func (s *Store) deleteExpiredTokensLocked(before time.Time) int {
	n := 0
	for access, t := range s.tokens {
		if !t.Dead(before) {
			continue
		}
		delete(s.tokens, access)
		if t.RefreshToken != "" && s.refreshIndex[t.RefreshToken] == access {
			delete(s.refreshIndex, t.RefreshToken)
		}
		n++
	}
	return n
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

// cleanup purges dead records. Logical expiry is handled by readers.
func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flows := s.deleteExpiredFlowsLocked(now)
	tokens := s.deleteExpiredTokensLocked(now)

	if flows+tokens > 0 {
		s.logger.Debug("Cleaned up expired records",
			"flows", flows,
			"tokens", tokens)
	}
}
