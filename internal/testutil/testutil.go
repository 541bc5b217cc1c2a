package testutil

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/storage"
)

// Fixture values shared across package tests
const (
	TestClientID     = "test-client"
	TestClientSecret = "test-secret-0123456789"
	TestRedirectURI  = "https://app.example.com/callback"
	TestIdentity     = "alice"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Epoch is the fixed start time used by fixtures
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestClient returns a client record for TestClientID whose secret is TestClientSecret.
func NewTestClient(t testing.TB, scopes ...string) *storage.Client {
	t.Helper()
	hash, err := security.HashSecret(TestClientSecret)
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if len(scopes) == 0 {
		scopes = []string{"read", "write"}
	}
	return &storage.Client{
		ID:          TestClientID,
		SecretHash:  hash,
		DisplayName: "Test Client",
		RedirectURI: TestRedirectURI,
		Scopes:      scopes,
		CreatedAt:   Epoch,
	}
}

// NewTestAuthRequest returns a pending authorization request for TestClientID.
func NewTestAuthRequest(id string, now time.Time, lifetime time.Duration) *storage.AuthRequest {
	return &storage.AuthRequest{
		ID:          id,
		ClientID:    TestClientID,
		Scopes:      []string{"read"},
		RedirectURI: TestRedirectURI,
		State:       "xyz",
		Status:      storage.AuthRequestPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(lifetime),
	}
}

// NewTestGrant returns an unconsumed grant for TestClientID and TestIdentity.
func NewTestGrant(code, authRequestID string, now time.Time, lifetime time.Duration) *storage.AccessGrant {
	return &storage.AccessGrant{
		Code:          code,
		AuthRequestID: authRequestID,
		ClientID:      TestClientID,
		Identity:      TestIdentity,
		Scopes:        []string{"read"},
		RedirectURI:   TestRedirectURI,
		CreatedAt:     now,
		ExpiresAt:     now.Add(lifetime),
	}
}

// NewTestToken returns an access token with a refresh token for TestClientID.
func NewTestToken(access, refresh, grantCode string, now time.Time) *storage.AccessToken {
	return &storage.AccessToken{
		Token:            access,
		RefreshToken:     refresh,
		ClientID:         TestClientID,
		Identity:         TestIdentity,
		Scopes:           []string{"read"},
		GrantCode:        grantCode,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
		RefreshExpiresAt: now.Add(30 * 24 * time.Hour),
	}
}
