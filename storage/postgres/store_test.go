package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
)

// Helper to create a store on a mock database
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db, WithLogger(testutil.DiscardLogger())), mock
}

var (
	clientCols = []string{"id", "secret_hash", "display_name", "redirect_uri", "scopes", "created_at", "revoked_at", "version"}
	grantCols  = []string{"code", "auth_request_id", "client_id", "identity", "scopes", "redirect_uri", "created_at", "expires_at", "consumed_at", "revoked_at"}
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: true},
		{name: "wrapped", err: errors.Join(errors.New("insert"), &pq.Error{Code: "23505"}), want: true},
		{name: "other code", err: &pq.Error{Code: "23503"}, want: false},
		{name: "plain error", err: errors.New("violates unique constraint"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))
	assert.Equal(t, testutil.Epoch, nullTime(testutil.Epoch))
	assert.Nil(t, nullString(""))
	assert.Equal(t, "x", nullString("x"))
	assert.True(t, timeOf(sql.NullTime{}).IsZero())
	assert.Equal(t, testutil.Epoch, timeOf(sql.NullTime{Time: testutil.Epoch, Valid: true}))
}

func TestMigrate(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS oauth_clients").WillReturnResult(sqlmock.NewResult(0, 0))
		require.NoError(t, s.Migrate(context.Background()))
	})

	t.Run("Error", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
		err := s.Migrate(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "apply schema")
	})
}

func TestCreateClient(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		s, mock := newMockStore(t)
		c := testutil.NewTestClient(t)
		mock.ExpectExec("INSERT INTO oauth_clients").WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, s.CreateClient(context.Background(), c))
		assert.Equal(t, int64(1), c.Version)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO oauth_clients").WillReturnError(&pq.Error{Code: "23505"})

		err := s.CreateClient(context.Background(), testutil.NewTestClient(t))
		assert.ErrorIs(t, err, storage.ErrConflict)
	})
}

func TestGetClient(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM oauth_clients WHERE id").
			WithArgs(testutil.TestClientID).
			WillReturnRows(sqlmock.NewRows(clientCols).AddRow(
				testutil.TestClientID, "hash", "Test", testutil.TestRedirectURI,
				"{read,write}", testutil.Epoch, nil, int64(3)))

		c, err := s.GetClient(context.Background(), testutil.TestClientID)
		require.NoError(t, err)
		assert.Equal(t, []string{"read", "write"}, c.Scopes)
		assert.Equal(t, int64(3), c.Version)
		assert.False(t, c.Revoked())
	})

	t.Run("NotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM oauth_clients").WillReturnError(sql.ErrNoRows)

		_, err := s.GetClient(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestUpdateClient(t *testing.T) {
	t.Run("IncrementsVersion", func(t *testing.T) {
		s, mock := newMockStore(t)
		c := testutil.NewTestClient(t)
		c.Version = 2
		mock.ExpectExec("UPDATE oauth_clients").WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.UpdateClient(context.Background(), c))
		assert.Equal(t, int64(3), c.Version)
	})

	t.Run("StaleVersion", func(t *testing.T) {
		s, mock := newMockStore(t)
		c := testutil.NewTestClient(t)
		c.Version = 1
		mock.ExpectExec("UPDATE oauth_clients").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM oauth_clients").
			WithArgs(c.ID).
			WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		err := s.UpdateClient(context.Background(), c)
		assert.ErrorIs(t, err, storage.ErrConflict)
		assert.Equal(t, int64(1), c.Version)
	})

	t.Run("Missing", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE oauth_clients").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM oauth_clients").WillReturnError(sql.ErrNoRows)

		err := s.UpdateClient(context.Background(), testutil.NewTestClient(t))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestConsumeGrant(t *testing.T) {
	now := testutil.Epoch
	grantRow := func(consumed, revoked any) *sqlmock.Rows {
		return sqlmock.NewRows(grantCols).AddRow(
			"code-1", "req-1", testutil.TestClientID, testutil.TestIdentity, "{read}",
			testutil.TestRedirectURI, now.Add(-time.Minute), now.Add(9*time.Minute), consumed, revoked)
	}

	t.Run("Success", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE oauth_grants SET consumed_at").
			WithArgs("code-1", now).
			WillReturnRows(grantRow(now, nil))

		g, err := s.ConsumeGrant(context.Background(), "code-1", now)
		require.NoError(t, err)
		assert.True(t, g.Consumed())
		assert.Equal(t, "req-1", g.AuthRequestID)
	})

	t.Run("AlreadyConsumed", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE oauth_grants").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT (.+) FROM oauth_grants WHERE code").
			WithArgs("code-1").
			WillReturnRows(grantRow(now.Add(-time.Second), nil))

		g, err := s.ConsumeGrant(context.Background(), "code-1", now)
		assert.ErrorIs(t, err, storage.ErrAlreadyUsed)
		require.NotNil(t, g)
		assert.Equal(t, testutil.TestIdentity, g.Identity)
	})

	t.Run("Revoked", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE oauth_grants").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT (.+) FROM oauth_grants").WillReturnRows(grantRow(nil, now))

		_, err := s.ConsumeGrant(context.Background(), "code-1", now)
		assert.ErrorIs(t, err, storage.ErrAlreadyUsed)
	})

	t.Run("Expired", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE oauth_grants").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT (.+) FROM oauth_grants").WillReturnRows(grantRow(nil, nil))

		g, err := s.ConsumeGrant(context.Background(), "code-1", now.Add(time.Hour))
		assert.ErrorIs(t, err, storage.ErrExpired)
		assert.Nil(t, g)
	})

	t.Run("Unknown", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE oauth_grants").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT (.+) FROM oauth_grants").WillReturnError(sql.ErrNoRows)

		_, err := s.ConsumeGrant(context.Background(), "nope", now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestCreateGrant_DuplicateAuthRequest(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO oauth_grants").WillReturnError(&pq.Error{Code: "23505"})

	err := s.CreateGrant(context.Background(), testutil.NewTestGrant("code-2", "req-1", testutil.Epoch, time.Minute))
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestRotateToken(t *testing.T) {
	now := testutil.Epoch

	t.Run("ReusesRefreshToken", func(t *testing.T) {
		s, mock := newMockStore(t)
		old := testutil.NewTestToken("access-1", "refresh-1", "code-1", now)
		old.Version = 1
		next := testutil.NewTestToken("access-2", "refresh-1", "code-1", now)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE oauth_tokens SET revoked_at").
			WithArgs("access-1", int64(1), now, "access-2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO oauth_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE oauth_refresh_index SET token").
			WithArgs("refresh-1", "access-2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, s.RotateToken(context.Background(), old, next, now))
		assert.Equal(t, "access-2", old.ReplacedBy)
		assert.Equal(t, int64(2), old.Version)
		assert.True(t, old.Revoked())
		assert.Equal(t, int64(1), next.Version)
	})

	t.Run("NewRefreshToken", func(t *testing.T) {
		s, mock := newMockStore(t)
		old := testutil.NewTestToken("access-1", "refresh-1", "code-1", now)
		old.Version = 1
		next := testutil.NewTestToken("access-2", "refresh-2", "code-1", now)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE oauth_tokens").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO oauth_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO oauth_refresh_index").
			WithArgs("refresh-2", "access-2").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, s.RotateToken(context.Background(), old, next, now))
	})

	t.Run("StaleVersionRollsBack", func(t *testing.T) {
		s, mock := newMockStore(t)
		old := testutil.NewTestToken("access-1", "refresh-1", "code-1", now)
		old.Version = 1
		next := testutil.NewTestToken("access-2", "refresh-2", "code-1", now)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE oauth_tokens").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM oauth_tokens").
			WithArgs("access-1").
			WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		mock.ExpectRollback()

		err := s.RotateToken(context.Background(), old, next, now)
		assert.ErrorIs(t, err, storage.ErrConflict)
		assert.False(t, old.Revoked())
		assert.Equal(t, int64(1), old.Version)
	})

	t.Run("DuplicateSuccessorRollsBack", func(t *testing.T) {
		s, mock := newMockStore(t)
		old := testutil.NewTestToken("access-1", "refresh-1", "code-1", now)
		next := testutil.NewTestToken("access-2", "refresh-2", "code-1", now)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE oauth_tokens").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO oauth_tokens").WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		err := s.RotateToken(context.Background(), old, next, now)
		assert.ErrorIs(t, err, storage.ErrConflict)
	})
}

func TestRevokeToken(t *testing.T) {
	now := testutil.Epoch

	t.Run("AlreadyRevoked", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE oauth_tokens SET revoked_at").
			WithArgs("access-1", now).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM oauth_tokens").
			WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

		assert.NoError(t, s.RevokeToken(context.Background(), "access-1", now))
	})

	t.Run("Unknown", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE oauth_tokens").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT 1 FROM oauth_tokens").WillReturnError(sql.ErrNoRows)

		assert.ErrorIs(t, s.RevokeToken(context.Background(), "nope", now), storage.ErrNotFound)
	})

	t.Run("ByGrant", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec("UPDATE oauth_tokens (.+) WHERE grant_code").
			WithArgs("code-1", now).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := s.RevokeTokensByGrant(context.Background(), "code-1", now)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("ByEmptyGrant", func(t *testing.T) {
		s, _ := newMockStore(t)
		n, err := s.RevokeTokensByGrant(context.Background(), "", now)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestDeleteExpiredFlows_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM oauth_auth_requests").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM oauth_grants").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.DeleteExpiredFlows(context.Background(), testutil.Epoch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete grants")
}
