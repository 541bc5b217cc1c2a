// Package storagetest provides a conformance suite that every storage backend runs.
// The memory store runs it in unit tests; redis and postgres run it against
// containers in integration tests.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/giantswarm/oauth2-server/storage"
)

// Factory returns an empty store for one test. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Store

// RunConformance runs the conformance suite against stores produced by newStore.
func RunConformance(t *testing.T, newStore Factory) {
	suite.Run(t, &Suite{NewStore: newStore})
}

// Suite checks the storage contract: copies in and out, version CAS, single-use grant
// consumption, cascading revocation and expiry cleanup.
type Suite struct {
	suite.Suite
	NewStore Factory

	store storage.Store
	ctx   context.Context
	now   time.Time
}

// SetupTest creates a fresh store for every test method.
func (s *Suite) SetupTest() {
	s.store = s.NewStore(s.T())
	s.ctx = context.Background()
	// microsecond precision round-trips through every backend
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func (s *Suite) newClient() *storage.Client {
	return &storage.Client{
		ID:          "client-" + uuid.NewString(),
		SecretHash:  "$2a$10$hash",
		DisplayName: "Conformance Client",
		RedirectURI: "https://app.example.com/callback",
		Scopes:      []string{"read", "write"},
		CreatedAt:   s.now,
	}
}

func (s *Suite) newAuthRequest(clientID string) *storage.AuthRequest {
	return &storage.AuthRequest{
		ID:          uuid.NewString(),
		ClientID:    clientID,
		Scopes:      []string{"read"},
		RedirectURI: "https://app.example.com/callback",
		State:       "xyz",
		Status:      storage.AuthRequestPending,
		CreatedAt:   s.now,
		ExpiresAt:   s.now.Add(10 * time.Minute),
	}
}

func (s *Suite) newGrant(clientID string) *storage.AccessGrant {
	return &storage.AccessGrant{
		Code:          "code-" + uuid.NewString(),
		AuthRequestID: uuid.NewString(),
		ClientID:      clientID,
		Identity:      "alice",
		Scopes:        []string{"read"},
		RedirectURI:   "https://app.example.com/callback",
		CreatedAt:     s.now,
		ExpiresAt:     s.now.Add(10 * time.Minute),
	}
}

func (s *Suite) newToken(clientID, grantCode string) *storage.AccessToken {
	return &storage.AccessToken{
		Token:            "at-" + uuid.NewString(),
		RefreshToken:     "rt-" + uuid.NewString(),
		ClientID:         clientID,
		Identity:         "alice",
		Scopes:           []string{"read"},
		GrantCode:        grantCode,
		CreatedAt:        s.now,
		ExpiresAt:        s.now.Add(time.Hour),
		RefreshExpiresAt: s.now.Add(24 * time.Hour),
	}
}

// TestClients verifies client creation, lookup and conditional updates.
func (s *Suite) TestClients() {
	s.Run("creates and finds client", func() {
		c := s.newClient()
		s.Require().NoError(s.store.CreateClient(s.ctx, c))
		s.Equal(int64(1), c.Version)

		got, err := s.store.GetClient(s.ctx, c.ID)
		s.Require().NoError(err)
		s.Equal(c.DisplayName, got.DisplayName)
		s.Equal(c.Scopes, got.Scopes)
		s.True(got.CreatedAt.Equal(c.CreatedAt))
		s.False(got.Revoked())
	})

	s.Run("rejects duplicate ID", func() {
		c := s.newClient()
		s.Require().NoError(s.store.CreateClient(s.ctx, c))
		s.ErrorIs(s.store.CreateClient(s.ctx, c.Clone()), storage.ErrConflict)
	})

	s.Run("returns ErrNotFound for unknown ID", func() {
		_, err := s.store.GetClient(s.ctx, "missing")
		s.ErrorIs(err, storage.ErrNotFound)
	})

	s.Run("returned records are copies", func() {
		c := s.newClient()
		s.Require().NoError(s.store.CreateClient(s.ctx, c))

		got, err := s.store.GetClient(s.ctx, c.ID)
		s.Require().NoError(err)
		got.Scopes[0] = "admin"

		again, err := s.store.GetClient(s.ctx, c.ID)
		s.Require().NoError(err)
		s.Equal("read", again.Scopes[0])
	})

	s.Run("conditional update", func() {
		c := s.newClient()
		s.Require().NoError(s.store.CreateClient(s.ctx, c))

		first, err := s.store.GetClient(s.ctx, c.ID)
		s.Require().NoError(err)
		stale := first.Clone()

		first.RevokedAt = s.now
		s.Require().NoError(s.store.UpdateClient(s.ctx, first))
		s.Equal(int64(2), first.Version)

		stale.DisplayName = "renamed"
		s.ErrorIs(s.store.UpdateClient(s.ctx, stale), storage.ErrConflict)

		got, err := s.store.GetClient(s.ctx, c.ID)
		s.Require().NoError(err)
		s.True(got.Revoked())
		s.Equal("Conformance Client", got.DisplayName)
	})

	s.Run("lists clients", func() {
		c := s.newClient()
		s.Require().NoError(s.store.CreateClient(s.ctx, c))

		clients, err := s.store.ListClients(s.ctx)
		s.Require().NoError(err)
		found := false
		for _, got := range clients {
			if got.ID == c.ID {
				found = true
			}
		}
		s.True(found)
	})
}

// TestAuthRequests verifies authorization request storage and state transitions.
func (s *Suite) TestAuthRequests() {
	s.Run("creates and updates with version check", func() {
		req := s.newAuthRequest("client-a")
		s.Require().NoError(s.store.CreateAuthRequest(s.ctx, req))

		got, err := s.store.GetAuthRequest(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(storage.AuthRequestPending, got.Status)
		s.Equal("xyz", got.State)

		stale := got.Clone()
		got.Status = storage.AuthRequestGranted
		got.Identity = "alice"
		got.ResolvedAt = s.now
		s.Require().NoError(s.store.UpdateAuthRequest(s.ctx, got))

		stale.Status = storage.AuthRequestDenied
		s.ErrorIs(s.store.UpdateAuthRequest(s.ctx, stale), storage.ErrConflict)

		final, err := s.store.GetAuthRequest(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(storage.AuthRequestGranted, final.Status)
		s.Equal("alice", final.Identity)
	})

	s.Run("unknown ID", func() {
		_, err := s.store.GetAuthRequest(s.ctx, uuid.NewString())
		s.ErrorIs(err, storage.ErrNotFound)
	})

	s.Run("expires overdue pending requests", func() {
		overdue := s.newAuthRequest("client-a")
		overdue.ExpiresAt = s.now.Add(-time.Second)
		fresh := s.newAuthRequest("client-a")
		s.Require().NoError(s.store.CreateAuthRequest(s.ctx, overdue))
		s.Require().NoError(s.store.CreateAuthRequest(s.ctx, fresh))

		n, err := s.store.ExpireAuthRequests(s.ctx, s.now)
		s.Require().NoError(err)
		s.GreaterOrEqual(n, 1)

		got, err := s.store.GetAuthRequest(s.ctx, overdue.ID)
		s.Require().NoError(err)
		s.Equal(storage.AuthRequestExpired, got.Status)

		got, err = s.store.GetAuthRequest(s.ctx, fresh.ID)
		s.Require().NoError(err)
		s.Equal(storage.AuthRequestPending, got.Status)
	})
}

// TestGrants verifies single-use consumption of authorization codes.
func (s *Suite) TestGrants() {
	s.Run("consumes exactly once", func() {
		g := s.newGrant("client-a")
		s.Require().NoError(s.store.CreateGrant(s.ctx, g))

		got, err := s.store.ConsumeGrant(s.ctx, g.Code, s.now)
		s.Require().NoError(err)
		s.Equal("alice", got.Identity)
		s.True(got.Consumed())

		again, err := s.store.ConsumeGrant(s.ctx, g.Code, s.now)
		s.ErrorIs(err, storage.ErrAlreadyUsed)
		s.Require().NotNil(again)
		s.Equal(g.ClientID, again.ClientID)
	})

	s.Run("rejects second grant for the same authorization request", func() {
		g := s.newGrant("client-a")
		s.Require().NoError(s.store.CreateGrant(s.ctx, g))

		dup := s.newGrant("client-a")
		dup.AuthRequestID = g.AuthRequestID
		s.ErrorIs(s.store.CreateGrant(s.ctx, dup), storage.ErrConflict)
	})

	s.Run("unknown and expired codes", func() {
		_, err := s.store.ConsumeGrant(s.ctx, "missing", s.now)
		s.ErrorIs(err, storage.ErrNotFound)

		g := s.newGrant("client-a")
		s.Require().NoError(s.store.CreateGrant(s.ctx, g))
		_, err = s.store.ConsumeGrant(s.ctx, g.Code, g.ExpiresAt)
		s.ErrorIs(err, storage.ErrExpired)
	})

	s.Run("concurrent consumers", func() {
		g := s.newGrant("client-a")
		s.Require().NoError(s.store.CreateGrant(s.ctx, g))

		var wins, reuses atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.store.ConsumeGrant(s.ctx, g.Code, s.now)
				switch {
				case err == nil:
					wins.Add(1)
				case storage.Result(err) == "already_used":
					reuses.Add(1)
				}
			}()
		}
		wg.Wait()

		s.Equal(int32(1), wins.Load())
		s.Equal(int32(9), reuses.Load())
	})

	s.Run("revokes grant", func() {
		g := s.newGrant("client-a")
		s.Require().NoError(s.store.CreateGrant(s.ctx, g))
		s.Require().NoError(s.store.RevokeGrant(s.ctx, g.Code, s.now))
		s.Require().NoError(s.store.RevokeGrant(s.ctx, g.Code, s.now))

		got, err := s.store.GetGrant(s.ctx, g.Code)
		s.Require().NoError(err)
		s.True(got.Revoked())
	})

	s.Run("deletes expired flows", func() {
		g := s.newGrant("client-a")
		req := s.newAuthRequest("client-a")
		s.Require().NoError(s.store.CreateGrant(s.ctx, g))
		s.Require().NoError(s.store.CreateAuthRequest(s.ctx, req))

		n, err := s.store.DeleteExpiredFlows(s.ctx, s.now.Add(time.Hour))
		s.Require().NoError(err)
		s.GreaterOrEqual(n, 2)

		_, err = s.store.GetGrant(s.ctx, g.Code)
		s.ErrorIs(err, storage.ErrNotFound)
		_, err = s.store.GetAuthRequest(s.ctx, req.ID)
		s.ErrorIs(err, storage.ErrNotFound)
	})
}

// TestTokens verifies token lookups, rotation and revocation.
func (s *Suite) TestTokens() {
	s.Run("creates and finds by access and refresh value", func() {
		tok := s.newToken("client-a", "")
		s.Require().NoError(s.store.CreateToken(s.ctx, tok))

		got, err := s.store.GetToken(s.ctx, tok.Token)
		s.Require().NoError(err)
		s.Equal(tok.RefreshToken, got.RefreshToken)
		s.True(got.ExpiresAt.Equal(tok.ExpiresAt))

		byRefresh, err := s.store.GetTokenByRefresh(s.ctx, tok.RefreshToken)
		s.Require().NoError(err)
		s.Equal(tok.Token, byRefresh.Token)

		s.ErrorIs(s.store.CreateToken(s.ctx, tok.Clone()), storage.ErrConflict)
	})

	s.Run("token without refresh token", func() {
		tok := s.newToken("client-a", "")
		tok.RefreshToken = ""
		tok.RefreshExpiresAt = time.Time{}
		s.Require().NoError(s.store.CreateToken(s.ctx, tok))

		got, err := s.store.GetToken(s.ctx, tok.Token)
		s.Require().NoError(err)
		s.Empty(got.RefreshToken)
	})

	s.Run("rotates with a new refresh token", func() {
		old := s.newToken("client-a", "")
		s.Require().NoError(s.store.CreateToken(s.ctx, old))

		next := s.newToken("client-a", "")
		s.Require().NoError(s.store.RotateToken(s.ctx, old, next, s.now))

		prev, err := s.store.GetTokenByRefresh(s.ctx, old.RefreshToken)
		s.Require().NoError(err)
		s.True(prev.Revoked())
		s.Equal(next.Token, prev.ReplacedBy)

		cur, err := s.store.GetTokenByRefresh(s.ctx, next.RefreshToken)
		s.Require().NoError(err)
		s.Equal(next.Token, cur.Token)
		s.False(cur.Revoked())
	})

	s.Run("rotates keeping the refresh token", func() {
		old := s.newToken("client-a", "")
		s.Require().NoError(s.store.CreateToken(s.ctx, old))

		next := s.newToken("client-a", "")
		next.RefreshToken = old.RefreshToken
		s.Require().NoError(s.store.RotateToken(s.ctx, old, next, s.now))

		cur, err := s.store.GetTokenByRefresh(s.ctx, old.RefreshToken)
		s.Require().NoError(err)
		s.Equal(next.Token, cur.Token)
	})

	s.Run("stale rotation conflicts", func() {
		old := s.newToken("client-a", "")
		s.Require().NoError(s.store.CreateToken(s.ctx, old))
		stale := old.Clone()

		s.Require().NoError(s.store.RotateToken(s.ctx, old, s.newToken("client-a", ""), s.now))
		s.ErrorIs(s.store.RotateToken(s.ctx, stale, s.newToken("client-a", ""), s.now), storage.ErrConflict)
	})

	s.Run("concurrent rotations", func() {
		old := s.newToken("client-a", "")
		s.Require().NoError(s.store.CreateToken(s.ctx, old))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.store.RotateToken(s.ctx, old.Clone(), s.newToken("client-a", ""), s.now) == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		s.Equal(int32(1), wins.Load())
	})

	s.Run("revokes idempotently", func() {
		tok := s.newToken("client-a", "")
		s.Require().NoError(s.store.CreateToken(s.ctx, tok))
		s.Require().NoError(s.store.RevokeToken(s.ctx, tok.Token, s.now))
		s.Require().NoError(s.store.RevokeToken(s.ctx, tok.Token, s.now.Add(time.Minute)))

		got, err := s.store.GetToken(s.ctx, tok.Token)
		s.Require().NoError(err)
		s.True(got.RevokedAt.Equal(s.now))

		s.ErrorIs(s.store.RevokeToken(s.ctx, "missing", s.now), storage.ErrNotFound)
	})

	s.Run("revokes by grant and by client", func() {
		clientID := "client-" + uuid.NewString()
		a := s.newToken(clientID, "grant-1-"+clientID)
		b := s.newToken(clientID, "grant-1-"+clientID)
		c := s.newToken(clientID, "grant-2-"+clientID)
		for _, tok := range []*storage.AccessToken{a, b, c} {
			s.Require().NoError(s.store.CreateToken(s.ctx, tok))
		}

		n, err := s.store.RevokeTokensByGrant(s.ctx, "grant-1-"+clientID, s.now)
		s.Require().NoError(err)
		s.Equal(2, n)

		got, err := s.store.GetToken(s.ctx, c.Token)
		s.Require().NoError(err)
		s.False(got.Revoked())

		n, err = s.store.RevokeTokensByClient(s.ctx, clientID, s.now)
		s.Require().NoError(err)
		s.Equal(1, n)
	})

	s.Run("lists by identity and touches", func() {
		tok := s.newToken("client-a", "")
		tok.Identity = "bob-" + uuid.NewString()
		s.Require().NoError(s.store.CreateToken(s.ctx, tok))

		list, err := s.store.ListTokensByIdentity(s.ctx, tok.Identity)
		s.Require().NoError(err)
		s.Require().Len(list, 1)
		s.Equal(tok.Token, list[0].Token)

		at := s.now.Add(time.Minute)
		s.Require().NoError(s.store.TouchToken(s.ctx, tok.Token, at))
		got, err := s.store.GetToken(s.ctx, tok.Token)
		s.Require().NoError(err)
		s.True(got.LastAccessAt.Equal(at))
		s.Equal(int64(1), got.Version)
	})

	s.Run("deletes dead tokens only", func() {
		dead := s.newToken("client-a", "")
		dead.RefreshToken = ""
		dead.RefreshExpiresAt = time.Time{}
		alive := s.newToken("client-a", "")
		s.Require().NoError(s.store.CreateToken(s.ctx, dead))
		s.Require().NoError(s.store.CreateToken(s.ctx, alive))

		_, err := s.store.DeleteExpiredTokens(s.ctx, s.now.Add(2*time.Hour))
		s.Require().NoError(err)

		_, err = s.store.GetToken(s.ctx, dead.Token)
		s.ErrorIs(err, storage.ErrNotFound)
		_, err = s.store.GetToken(s.ctx, alive.Token)
		s.NoError(err)
	})
}
