// Package mock provides a storage.Store wrapper for tests that need to inject failures
// or observe calls. Every method delegates to a real backing store unless the
// corresponding Func field is set.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth2-server/storage"
)

// MockStore wraps a storage.Store and lets tests override individual methods
type MockStore struct {
	inner storage.Store

	mu         sync.Mutex
	callCounts map[string]int

	CreateClientFunc         func(ctx context.Context, client *storage.Client) error
	GetClientFunc            func(ctx context.Context, clientID string) (*storage.Client, error)
	UpdateClientFunc         func(ctx context.Context, client *storage.Client) error
	ListClientsFunc          func(ctx context.Context) ([]*storage.Client, error)
	CreateAuthRequestFunc    func(ctx context.Context, req *storage.AuthRequest) error
	GetAuthRequestFunc       func(ctx context.Context, id string) (*storage.AuthRequest, error)
	UpdateAuthRequestFunc    func(ctx context.Context, req *storage.AuthRequest) error
	ExpireAuthRequestsFunc   func(ctx context.Context, now time.Time) (int, error)
	CreateGrantFunc          func(ctx context.Context, grant *storage.AccessGrant) error
	GetGrantFunc             func(ctx context.Context, code string) (*storage.AccessGrant, error)
	ConsumeGrantFunc         func(ctx context.Context, code string, now time.Time) (*storage.AccessGrant, error)
	RevokeGrantFunc          func(ctx context.Context, code string, now time.Time) error
	DeleteExpiredFlowsFunc   func(ctx context.Context, before time.Time) (int, error)
	CreateTokenFunc          func(ctx context.Context, token *storage.AccessToken) error
	GetTokenFunc             func(ctx context.Context, token string) (*storage.AccessToken, error)
	GetTokenByRefreshFunc    func(ctx context.Context, refreshToken string) (*storage.AccessToken, error)
	RotateTokenFunc          func(ctx context.Context, old, next *storage.AccessToken, now time.Time) error
	RevokeTokenFunc          func(ctx context.Context, token string, now time.Time) error
	RevokeTokensByGrantFunc  func(ctx context.Context, grantCode string, now time.Time) (int, error)
	RevokeTokensByClientFunc func(ctx context.Context, clientID string, now time.Time) (int, error)
	ListTokensByIdentityFunc func(ctx context.Context, identity string) ([]*storage.AccessToken, error)
	TouchTokenFunc           func(ctx context.Context, token string, at time.Time) error
	DeleteExpiredTokensFunc  func(ctx context.Context, before time.Time) (int, error)
}

var _ storage.Store = (*MockStore)(nil)

// NewMockStore creates a mock delegating to inner
func NewMockStore(inner storage.Store) *MockStore {
	return &MockStore{
		inner:      inner,
		callCounts: make(map[string]int),
	}
}

// CallCount returns how many times the named method was called
func (m *MockStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts clears all call counters
func (m *MockStore) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.callCounts)
}

func (m *MockStore) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// ============================================================
// ClientStore
// ============================================================

// CreateClient implements storage.ClientStore
func (m *MockStore) CreateClient(ctx context.Context, client *storage.Client) error {
	m.record("CreateClient")
	if m.CreateClientFunc != nil {
		return m.CreateClientFunc(ctx, client)
	}
	return m.inner.CreateClient(ctx, client)
}

// GetClient implements storage.ClientStore
func (m *MockStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	return m.inner.GetClient(ctx, clientID)
}

// UpdateClient implements storage.ClientStore
func (m *MockStore) UpdateClient(ctx context.Context, client *storage.Client) error {
	m.record("UpdateClient")
	if m.UpdateClientFunc != nil {
		return m.UpdateClientFunc(ctx, client)
	}
	return m.inner.UpdateClient(ctx, client)
}

// ListClients implements storage.ClientStore
func (m *MockStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	return m.inner.ListClients(ctx)
}

// ============================================================
// FlowStore
// ============================================================

// CreateAuthRequest implements storage.FlowStore
func (m *MockStore) CreateAuthRequest(ctx context.Context, req *storage.AuthRequest) error {
	m.record("CreateAuthRequest")
	if m.CreateAuthRequestFunc != nil {
		return m.CreateAuthRequestFunc(ctx, req)
	}
	return m.inner.CreateAuthRequest(ctx, req)
}

// GetAuthRequest implements storage.FlowStore
func (m *MockStore) GetAuthRequest(ctx context.Context, id string) (*storage.AuthRequest, error) {
	m.record("GetAuthRequest")
	if m.GetAuthRequestFunc != nil {
		return m.GetAuthRequestFunc(ctx, id)
	}
	return m.inner.GetAuthRequest(ctx, id)
}

// UpdateAuthRequest implements storage.FlowStore
func (m *MockStore) UpdateAuthRequest(ctx context.Context, req *storage.AuthRequest) error {
	m.record("UpdateAuthRequest")
	if m.UpdateAuthRequestFunc != nil {
		return m.UpdateAuthRequestFunc(ctx, req)
	}
	return m.inner.UpdateAuthRequest(ctx, req)
}

// ExpireAuthRequests implements storage.FlowStore
func (m *MockStore) ExpireAuthRequests(ctx context.Context, now time.Time) (int, error) {
	m.record("ExpireAuthRequests")
	if m.ExpireAuthRequestsFunc != nil {
		return m.ExpireAuthRequestsFunc(ctx, now)
	}
	return m.inner.ExpireAuthRequests(ctx, now)
}

// CreateGrant implements storage.FlowStore
func (m *MockStore) CreateGrant(ctx context.Context, grant *storage.AccessGrant) error {
	m.record("CreateGrant")
	if m.CreateGrantFunc != nil {
		return m.CreateGrantFunc(ctx, grant)
	}
	return m.inner.CreateGrant(ctx, grant)
}

// GetGrant implements storage.FlowStore
func (m *MockStore) GetGrant(ctx context.Context, code string) (*storage.AccessGrant, error) {
	m.record("GetGrant")
	if m.GetGrantFunc != nil {
		return m.GetGrantFunc(ctx, code)
	}
	return m.inner.GetGrant(ctx, code)
}

// ConsumeGrant implements storage.FlowStore
func (m *MockStore) ConsumeGrant(ctx context.Context, code string, now time.Time) (*storage.AccessGrant, error) {
	m.record("ConsumeGrant")
	if m.ConsumeGrantFunc != nil {
		return m.ConsumeGrantFunc(ctx, code, now)
	}
	return m.inner.ConsumeGrant(ctx, code, now)
}

// RevokeGrant implements storage.FlowStore
func (m *MockStore) RevokeGrant(ctx context.Context, code string, now time.Time) error {
	m.record("RevokeGrant")
	if m.RevokeGrantFunc != nil {
		return m.RevokeGrantFunc(ctx, code, now)
	}
	return m.inner.RevokeGrant(ctx, code, now)
}

// DeleteExpiredFlows implements storage.FlowStore
func (m *MockStore) DeleteExpiredFlows(ctx context.Context, before time.Time) (int, error) {
	m.record("DeleteExpiredFlows")
	if m.DeleteExpiredFlowsFunc != nil {
		return m.DeleteExpiredFlowsFunc(ctx, before)
	}
	return m.inner.DeleteExpiredFlows(ctx, before)
}

// ============================================================
// TokenStore
// ============================================================

// CreateToken implements storage.TokenStore
func (m *MockStore) CreateToken(ctx context.Context, token *storage.AccessToken) error {
	m.record("CreateToken")
	if m.CreateTokenFunc != nil {
		return m.CreateTokenFunc(ctx, token)
	}
	return m.inner.CreateToken(ctx, token)
}

// GetToken implements storage.TokenStore
func (m *MockStore) GetToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	m.record("GetToken")
	if m.GetTokenFunc != nil {
		return m.GetTokenFunc(ctx, token)
	}
	return m.inner.GetToken(ctx, token)
}

// GetTokenByRefresh implements storage.TokenStore
func (m *MockStore) GetTokenByRefresh(ctx context.Context, refreshToken string) (*storage.AccessToken, error) {
	m.record("GetTokenByRefresh")
	if m.GetTokenByRefreshFunc != nil {
		return m.GetTokenByRefreshFunc(ctx, refreshToken)
	}
	return m.inner.GetTokenByRefresh(ctx, refreshToken)
}

// RotateToken implements storage.TokenStore
func (m *MockStore) RotateToken(ctx context.Context, old, next *storage.AccessToken, now time.Time) error {
	m.record("RotateToken")
	if m.RotateTokenFunc != nil {
		return m.RotateTokenFunc(ctx, old, next, now)
	}
	return m.inner.RotateToken(ctx, old, next, now)
}

// RevokeToken implements storage.TokenStore
func (m *MockStore) RevokeToken(ctx context.Context, token string, now time.Time) error {
	m.record("RevokeToken")
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, token, now)
	}
	return m.inner.RevokeToken(ctx, token, now)
}

// RevokeTokensByGrant implements storage.TokenStore
func (m *MockStore) RevokeTokensByGrant(ctx context.Context, grantCode string, now time.Time) (int, error) {
	m.record("RevokeTokensByGrant")
	if m.RevokeTokensByGrantFunc != nil {
		return m.RevokeTokensByGrantFunc(ctx, grantCode, now)
	}
	return m.inner.RevokeTokensByGrant(ctx, grantCode, now)
}

// RevokeTokensByClient implements storage.TokenStore
func (m *MockStore) RevokeTokensByClient(ctx context.Context, clientID string, now time.Time) (int, error) {
	m.record("RevokeTokensByClient")
	if m.RevokeTokensByClientFunc != nil {
		return m.RevokeTokensByClientFunc(ctx, clientID, now)
	}
	return m.inner.RevokeTokensByClient(ctx, clientID, now)
}

// ListTokensByIdentity implements storage.TokenStore
func (m *MockStore) ListTokensByIdentity(ctx context.Context, identity string) ([]*storage.AccessToken, error) {
	m.record("ListTokensByIdentity")
	if m.ListTokensByIdentityFunc != nil {
		return m.ListTokensByIdentityFunc(ctx, identity)
	}
	return m.inner.ListTokensByIdentity(ctx, identity)
}

// TouchToken implements storage.TokenStore
func (m *MockStore) TouchToken(ctx context.Context, token string, at time.Time) error {
	m.record("TouchToken")
	if m.TouchTokenFunc != nil {
		return m.TouchTokenFunc(ctx, token, at)
	}
	return m.inner.TouchToken(ctx, token, at)
}

// DeleteExpiredTokens implements storage.TokenStore
func (m *MockStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	m.record("DeleteExpiredTokens")
	if m.DeleteExpiredTokensFunc != nil {
		return m.DeleteExpiredTokensFunc(ctx, before)
	}
	return m.inner.DeleteExpiredTokens(ctx, before)
}
