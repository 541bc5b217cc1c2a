package server

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
)

// testEnv is a server on an in-memory store with a controllable clock and one
// registered client allowed "read" and "write"
type testEnv struct {
	srv    *Server
	store  *memory.Store
	clock  *testutil.MockTime
	client *storage.Client
	secret string
}

func setupTestServer(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	clock := testutil.NewMockTime(testutil.Epoch)
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	for _, fn := range configure {
		fn(&cfg)
	}

	srv, err := NewWithStore(store, cfg, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewWithStore() error = %v", err)
	}

	client, secret, err := srv.Clients.Register(context.Background(), "Test Client", testutil.TestRedirectURI, []string{"read", "write"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	return &testEnv{srv: srv, store: store, clock: clock, client: client, secret: secret}
}

// approve runs Begin and Approve for the env's client and returns the grant
func (e *testEnv) approve(t *testing.T, scopes ...string) *storage.AccessGrant {
	t.Helper()
	ctx := context.Background()

	req, err := e.srv.Flow.Begin(ctx, AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     e.client.ID,
		RedirectURI:  testutil.TestRedirectURI,
		Scopes:       scopes,
		State:        "xyz",
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	grant, err := e.srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	return grant
}

// exchange runs the whole flow and returns the issued token
func (e *testEnv) exchange(t *testing.T, scopes ...string) *storage.AccessToken {
	t.Helper()
	grant := e.approve(t, scopes...)
	tok, err := e.srv.Tokens.ExchangeCode(context.Background(), e.client.ID, e.secret, grant.Code, testutil.TestRedirectURI)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	return tok
}

func assertKind(t *testing.T, err error, want oautherr.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	got, ok := oautherr.KindOf(err)
	if !ok {
		t.Fatalf("expected %s error, got non-protocol error %v", want, err)
	}
	if got != want {
		t.Fatalf("error kind = %s, want %s (%v)", got, want, err)
	}
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	srv, err := New(store, store, store, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Clients == nil || srv.Flow == nil || srv.Grants == nil || srv.Tokens == nil || srv.Sweeper == nil {
		t.Fatal("New() left a component nil")
	}
	if srv.Logger == nil {
		t.Error("New() should default the logger")
	}
	if srv.Config.AccessTokenLifetime != DefaultAccessTokenLifetime {
		t.Errorf("AccessTokenLifetime = %v, want %v", srv.Config.AccessTokenLifetime, DefaultAccessTokenLifetime)
	}
}

func TestNew_MissingStores(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	tests := []struct {
		name    string
		clients storage.ClientStore
		flows   storage.FlowStore
		tokens  storage.TokenStore
	}{
		{"no client store", nil, store, store},
		{"no flow store", store, nil, store},
		{"no token store", store, store, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.clients, tt.flows, tt.tokens, DefaultConfig(), testutil.DiscardLogger()); err == nil {
				t.Error("New() expected error")
			}
		})
	}

	if _, err := NewWithStore(nil, DefaultConfig(), nil); err == nil {
		t.Error("NewWithStore(nil) expected error")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	cfg := DefaultConfig()
	cfg.GrantLifetime = -time.Minute
	if _, err := NewWithStore(store, cfg, testutil.DiscardLogger()); err == nil {
		t.Error("NewWithStore() expected error for negative GrantLifetime")
	}
}

// TestServer_EndToEnd walks a confidential client through the whole authorization
// code flow, a refresh and a revocation.
func TestServer_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memory.NewWithInterval(time.Hour)
	defer store.Stop()

	clock := testutil.NewMockTime(testutil.Epoch)
	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	srv, err := NewWithStore(store, cfg, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewWithStore() error = %v", err)
	}

	const redirectURI = "https://app.example/cb"
	client, secret, err := srv.Clients.Register(ctx, "Example App", redirectURI, []string{"read", "write"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	req, err := srv.Flow.Begin(ctx, AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     client.ID,
		RedirectURI:  redirectURI,
		Scopes:       []string{"read"},
		State:        "xyz",
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if req.Status != storage.AuthRequestPending {
		t.Fatalf("Status = %s, want pending", req.Status)
	}

	clock.Advance(30 * time.Second)
	grant, err := srv.Flow.Approve(ctx, req.ID, "user-42")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	redirect, err := url.Parse(GrantRedirect(grant, req.State).URL())
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if got := redirect.Query().Get("code"); got != grant.Code {
		t.Errorf("redirect code = %q, want %q", got, grant.Code)
	}
	if got := redirect.Query().Get("state"); got != "xyz" {
		t.Errorf("redirect state = %q, want xyz", got)
	}

	// the redirect URI must match the one the grant was issued for
	_, err = srv.Tokens.ExchangeCode(ctx, client.ID, secret, grant.Code, "https://app.example/other")
	assertKind(t, err, oautherr.RedirectURIMismatch)

	tok, err := srv.Tokens.ExchangeCode(ctx, client.ID, secret, grant.Code, redirectURI)
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if tok.Identity != "user-42" {
		t.Errorf("Identity = %q, want user-42", tok.Identity)
	}
	if FormatScope(tok.Scopes) != "read" {
		t.Errorf("Scopes = %v, want [read]", tok.Scopes)
	}
	if tok.RefreshToken == "" {
		t.Error("ExchangeCode() should issue a refresh token")
	}

	if _, err := srv.Tokens.Validate(ctx, tok.Token); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	clock.Advance(2 * time.Hour)
	_, err = srv.Tokens.Validate(ctx, tok.Token)
	assertKind(t, err, oautherr.ExpiredToken)

	refreshed, err := srv.Tokens.Refresh(ctx, client.ID, secret, tok.RefreshToken, nil)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, err := srv.Tokens.Validate(ctx, refreshed.Token); err != nil {
		t.Fatalf("Validate(refreshed) error = %v", err)
	}

	if err := srv.Tokens.RevokeForClient(ctx, client.ID, refreshed.Token); err != nil {
		t.Fatalf("RevokeForClient() error = %v", err)
	}
	_, err = srv.Tokens.Validate(ctx, refreshed.Token)
	assertKind(t, err, oautherr.InvalidToken)
}
