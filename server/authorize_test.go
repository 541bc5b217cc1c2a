package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/oautherr"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/mock"
)

func TestAuthorizationFlow_Begin(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     env.client.ID,
		RedirectURI:  testutil.TestRedirectURI,
		Scopes:       []string{"write", "read"},
		State:        "xyz",
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	if req.ID == "" {
		t.Error("Begin() should assign an ID")
	}
	if req.Status != storage.AuthRequestPending {
		t.Errorf("Status = %s, want pending", req.Status)
	}
	if FormatScope(req.Scopes) != "read write" {
		t.Errorf("Scopes = %v", req.Scopes)
	}
	if req.State != "xyz" {
		t.Errorf("State = %q, want xyz", req.State)
	}
	if want := testutil.Epoch.Add(DefaultAuthRequestLifetime); !req.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	stored, err := env.srv.Flow.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.ClientID != env.client.ID {
		t.Errorf("stored ClientID = %q", stored.ClientID)
	}
}

func TestAuthorizationFlow_Begin_DefaultsToRegisteredRedirect(t *testing.T) {
	env := setupTestServer(t)

	req, err := env.srv.Flow.Begin(context.Background(), AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     env.client.ID,
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if req.RedirectURI != testutil.TestRedirectURI {
		t.Errorf("RedirectURI = %q, want registered URI", req.RedirectURI)
	}
	if FormatScope(req.Scopes) != "read write" {
		t.Errorf("Scopes = %v, want the client's allowed set", req.Scopes)
	}
}

func TestAuthorizationFlow_Begin_Errors(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name         string
		req          AuthorizeRequest
		wantKind     oautherr.Kind
		wantRedirect bool
	}{
		{
			name:     "missing client",
			req:      AuthorizeRequest{ResponseType: ResponseTypeCode},
			wantKind: oautherr.InvalidRequest,
		},
		{
			name:     "unknown client",
			req:      AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: "nope"},
			wantKind: oautherr.InvalidClient,
		},
		{
			name: "redirect mismatch",
			req: AuthorizeRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     env.client.ID,
				RedirectURI:  "https://evil.example.com/cb",
			},
			wantKind: oautherr.RedirectURIMismatch,
		},
		{
			// the redirect URI is checked before the response type, so a bad
			// redirect is never used to report the error
			name: "redirect mismatch wins over response type",
			req: AuthorizeRequest{
				ResponseType: "token",
				ClientID:     env.client.ID,
				RedirectURI:  "https://evil.example.com/cb",
			},
			wantKind: oautherr.RedirectURIMismatch,
		},
		{
			name:         "missing response type",
			req:          AuthorizeRequest{ClientID: env.client.ID, State: "s"},
			wantKind:     oautherr.InvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "unsupported response type",
			req:          AuthorizeRequest{ResponseType: "token", ClientID: env.client.ID, State: "s"},
			wantKind:     oautherr.UnsupportedResponseType,
			wantRedirect: true,
		},
		{
			name: "scope not allowed",
			req: AuthorizeRequest{
				ResponseType: ResponseTypeCode,
				ClientID:     env.client.ID,
				Scopes:       []string{"admin"},
				State:        "s",
			},
			wantKind:     oautherr.InvalidScope,
			wantRedirect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Flow.Begin(context.Background(), tt.req)
			assertKind(t, err, tt.wantKind)

			var re *RedirectError
			isRedirect := errors.As(err, &re)
			if isRedirect != tt.wantRedirect {
				t.Fatalf("RedirectError = %v, want %v", isRedirect, tt.wantRedirect)
			}
			if isRedirect {
				if re.Redirect.RedirectURI != testutil.TestRedirectURI {
					t.Errorf("redirect URI = %q", re.Redirect.RedirectURI)
				}
				if re.Redirect.State != "s" {
					t.Errorf("redirect state = %q, want s", re.Redirect.State)
				}
				if re.Redirect.Error != tt.wantKind {
					t.Errorf("redirect error = %s, want %s", re.Redirect.Error, tt.wantKind)
				}
			}
		})
	}
}

func TestAuthorizationFlow_Approve(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     env.client.ID,
		Scopes:       []string{"read"},
		State:        "xyz",
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	env.clock.Advance(time.Minute)
	grant, err := env.srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	if grant.Code == "" {
		t.Fatal("Approve() should issue a code")
	}
	if grant.AuthRequestID != req.ID || grant.ClientID != env.client.ID || grant.Identity != testutil.TestIdentity {
		t.Errorf("grant does not mirror its request: %+v", grant)
	}
	if grant.RedirectURI != testutil.TestRedirectURI {
		t.Errorf("RedirectURI = %q", grant.RedirectURI)
	}
	if want := testutil.Epoch.Add(time.Minute + DefaultGrantLifetime); !grant.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", grant.ExpiresAt, want)
	}

	stored, err := env.srv.Flow.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != storage.AuthRequestGranted || stored.Identity != testutil.TestIdentity {
		t.Errorf("stored request = %s/%q, want granted/%q", stored.Status, stored.Identity, testutil.TestIdentity)
	}
	if !stored.ResolvedAt.Equal(testutil.Epoch.Add(time.Minute)) {
		t.Errorf("ResolvedAt = %v", stored.ResolvedAt)
	}

	// a decision is final
	_, err = env.srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
	assertKind(t, err, oautherr.InvalidGrant)
	_, err = env.srv.Flow.Deny(ctx, req.ID)
	assertKind(t, err, oautherr.InvalidGrant)
}

func TestAuthorizationFlow_Approve_Errors(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.srv.Flow.Approve(ctx, "", testutil.TestIdentity)
	assertKind(t, err, oautherr.InvalidRequest)

	_, err = env.srv.Flow.Approve(ctx, "unknown", testutil.TestIdentity)
	assertKind(t, err, oautherr.InvalidGrant)

	req, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: env.client.ID})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	_, err = env.srv.Flow.Approve(ctx, req.ID, "")
	assertKind(t, err, oautherr.InvalidRequest)

	// the request stays pending after a rejected approval
	stored, err := env.srv.Flow.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != storage.AuthRequestPending {
		t.Errorf("Status = %s, want pending", stored.Status)
	}
}

// TestAuthorizationFlow_Approve_GrantStoreFailure checks that a failure to save the
// grant leaves the request pending so the decision can be retried.
func TestAuthorizationFlow_Approve_GrantStoreFailure(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	failure := errors.New("connection refused")

	store := mock.NewMockStore(env.store)
	store.CreateGrantFunc = func(ctx context.Context, grant *storage.AccessGrant) error {
		if store.CallCount("CreateGrant") == 1 {
			return failure
		}
		return env.store.CreateGrant(ctx, grant)
	}
	srv, err := NewWithStore(store, env.srv.Config, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("NewWithStore() error = %v", err)
	}

	req, err := srv.Flow.Begin(ctx, AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: env.client.ID})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	_, err = srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
	if !errors.Is(err, failure) {
		t.Fatalf("Approve() error = %v, want wrapped store error", err)
	}
	if oautherr.From(err) != nil {
		t.Error("store failures must not be reported as protocol errors")
	}

	stored, err := srv.Flow.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != storage.AuthRequestPending || stored.Identity != "" || !stored.ResolvedAt.IsZero() {
		t.Errorf("stored request = %s/%q/%v, want reopened pending request", stored.Status, stored.Identity, stored.ResolvedAt)
	}

	grant, err := srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
	if err != nil {
		t.Fatalf("Approve() retry error = %v", err)
	}
	if grant.AuthRequestID != req.ID {
		t.Errorf("AuthRequestID = %q, want %q", grant.AuthRequestID, req.ID)
	}
}

func TestAuthorizationFlow_Deny(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     env.client.ID,
		State:        "xyz",
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	redirect, err := env.srv.Flow.Deny(ctx, req.ID)
	if err != nil {
		t.Fatalf("Deny() error = %v", err)
	}
	if redirect.Error != oautherr.AccessDenied {
		t.Errorf("redirect error = %s, want access_denied", redirect.Error)
	}
	if redirect.State != "xyz" || redirect.RedirectURI != testutil.TestRedirectURI {
		t.Errorf("redirect = %+v", redirect)
	}
	if redirect.Code != "" {
		t.Error("a denied request must not carry a code")
	}

	stored, err := env.srv.Flow.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != storage.AuthRequestDenied {
		t.Errorf("Status = %s, want denied", stored.Status)
	}

	_, err = env.srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
	assertKind(t, err, oautherr.InvalidGrant)
}

func TestAuthorizationFlow_Expiry(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: env.client.ID})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	// the deadline itself is already expired
	env.clock.Advance(DefaultAuthRequestLifetime)

	_, err = env.srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
	assertKind(t, err, oautherr.ExpiredToken)

	stored, err := env.store.GetAuthRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetAuthRequest() error = %v", err)
	}
	if stored.Status != storage.AuthRequestExpired {
		t.Errorf("Status = %s, want expired", stored.Status)
	}

	// once expired the request is terminal
	_, err = env.srv.Flow.Deny(ctx, req.ID)
	assertKind(t, err, oautherr.InvalidGrant)
}

func TestAuthorizationFlow_Get_ExpiresLazily(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: env.client.ID})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	env.clock.Advance(DefaultAuthRequestLifetime + time.Second)

	got, err := env.srv.Flow.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != storage.AuthRequestExpired {
		t.Errorf("Status = %s, want expired", got.Status)
	}
}

func TestAuthorizationFlow_ConfiguredLifetime(t *testing.T) {
	env := setupTestServer(t, func(c *Config) {
		c.AuthRequestLifetime = 30 * time.Second
	})
	ctx := context.Background()

	req, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: env.client.ID})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if want := testutil.Epoch.Add(30 * time.Second); !req.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", req.ExpiresAt, want)
	}

	env.clock.Advance(31 * time.Second)
	_, err = env.srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
	assertKind(t, err, oautherr.ExpiredToken)
}

func TestAuthorizationFlow_ClientRevokedBeforeDecision(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: env.client.ID})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := env.srv.Clients.Revoke(ctx, env.client.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	_, err = env.srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
	assertKind(t, err, oautherr.InvalidClient)
}

// TestAuthorizationFlow_ConcurrentDecisions races approvals and denials for one request.
// Exactly one decision may be recorded and at most one grant issued.
func TestAuthorizationFlow_ConcurrentDecisions(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: env.client.ID})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		grants    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			var err error
			if approve {
				var g *storage.AccessGrant
				g, err = env.srv.Flow.Approve(ctx, req.ID, testutil.TestIdentity)
				if err == nil && g != nil {
					mu.Lock()
					grants++
					mu.Unlock()
				}
			} else {
				_, err = env.srv.Flow.Deny(ctx, req.ID)
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !oautherr.IsKind(err, oautherr.InvalidGrant) {
				t.Errorf("losing decision error = %v, want invalid_grant", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful decisions = %d, want exactly 1", successes)
	}
	if grants > 1 {
		t.Errorf("grants issued = %d, want at most 1", grants)
	}
}

func TestAuthorizationFlow_Sweep(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.srv.Flow.Begin(ctx, AuthorizeRequest{ResponseType: ResponseTypeCode, ClientID: env.client.ID}); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
	}
	env.clock.Advance(DefaultAuthRequestLifetime)

	n, err := env.srv.Flow.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Sweep() = %d, want 3", n)
	}
	if n, _ := env.srv.Flow.Sweep(ctx); n != 0 {
		t.Errorf("second Sweep() = %d, want 0", n)
	}
}

func TestGrantIssuer_RequiresApproval(t *testing.T) {
	env := setupTestServer(t)

	req := testutil.NewTestAuthRequest("req-1", testutil.Epoch, time.Minute)
	_, err := env.srv.Grants.Issue(context.Background(), req)
	assertKind(t, err, oautherr.InvalidGrant)
}

func TestGrantIssuer_OnePerRequest(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	req := testutil.NewTestAuthRequest("req-1", testutil.Epoch, time.Minute)
	req.ClientID = env.client.ID
	req.Status = storage.AuthRequestGranted
	req.Identity = testutil.TestIdentity

	if _, err := env.srv.Grants.Issue(ctx, req); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	_, err := env.srv.Grants.Issue(ctx, req)
	assertKind(t, err, oautherr.InvalidGrant)
}
