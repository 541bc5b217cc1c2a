package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

const tokenColumns = `token, refresh_token, client_id, identity, scopes, grant_code, created_at, expires_at, refresh_expires_at, revoked_at, replaced_by, last_access_at, version`

const tokenExistsQuery = `SELECT 1 FROM oauth_tokens WHERE token = $1`

// tokenIDLogLength is the number of characters to include when logging token values
const tokenIDLogLength = 8

func scanToken(row scanner) (*storage.AccessToken, error) {
	var (
		t                                storage.AccessToken
		refreshExpires, revoked, lastUse sql.NullTime
	)
	err := row.Scan(&t.Token, &t.RefreshToken, &t.ClientID, &t.Identity, pq.Array(&t.Scopes), &t.GrantCode,
		&t.CreatedAt, &t.ExpiresAt, &refreshExpires, &revoked, &t.ReplacedBy, &lastUse, &t.Version)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.RefreshExpiresAt = timeOf(refreshExpires)
	t.RevokedAt = timeOf(revoked)
	t.LastAccessAt = timeOf(lastUse)
	return &t, nil
}

// insertToken writes a new token row and, when indexRefresh is set, its refresh index entry
func insertToken(ctx context.Context, tx *sql.Tx, t *storage.AccessToken, indexRefresh bool) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO oauth_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)`,
		t.Token, t.RefreshToken, t.ClientID, t.Identity, pq.Array(t.Scopes), t.GrantCode,
		t.CreatedAt.UTC(), t.ExpiresAt.UTC(), nullTime(t.RefreshExpiresAt), nullTime(t.RevokedAt),
		t.ReplacedBy, nullTime(t.LastAccessAt))
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	if t.RefreshToken == "" || !indexRefresh {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO oauth_refresh_index (refresh_token, token) VALUES ($1, $2)`,
		t.RefreshToken, t.Token)
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert refresh index: %w", err)
	}
	return nil
}

// CreateToken saves a new token
func (s *Store) CreateToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "create_token")
	defer func() { finish(err) }()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return insertToken(ctx, tx, token, true)
	})
	if err != nil {
		return err
	}

	token.Version = 1
	s.logger.Debug("Saved token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID)
	return nil
}

// GetToken retrieves a token by access token value
func (s *Store) GetToken(ctx context.Context, token string) (_ *storage.AccessToken, err error) {
	ctx, finish := s.telemetry.Start(ctx, "get_token")
	defer func() { finish(err) }()

	t, err := scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select token: %w", err)
	}
	return t, nil
}

// GetTokenByRefresh retrieves a token by refresh token value
func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (_ *storage.AccessToken, err error) {
	ctx, finish := s.telemetry.Start(ctx, "get_token_by_refresh")
	defer func() { finish(err) }()

	t, err := scanToken(s.db.QueryRowContext(ctx, `
		SELECT t.token, t.refresh_token, t.client_id, t.identity, t.scopes, t.grant_code, t.created_at,
		       t.expires_at, t.refresh_expires_at, t.revoked_at, t.replaced_by, t.last_access_at, t.version
		FROM oauth_refresh_index r JOIN oauth_tokens t ON t.token = r.token
		WHERE r.refresh_token = $1`, refreshToken))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select token by refresh: %w", err)
	}
	return t, nil
}

// RotateToken revokes old and saves next in one transaction
func (s *Store) RotateToken(ctx context.Context, old, next *storage.AccessToken, now time.Time) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "rotate_token")
	defer func() { finish(err) }()

	reuseRefresh := next.RefreshToken != "" && next.RefreshToken == old.RefreshToken
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE oauth_tokens SET revoked_at = $3, replaced_by = $4, version = version + 1
			WHERE token = $1 AND version = $2 AND revoked_at IS NULL`,
			old.Token, old.Version, now.UTC(), next.Token)
		if err != nil {
			return fmt.Errorf("revoke rotated token: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return conflictOrNotFound(ctx, tx, tokenExistsQuery, old.Token)
		}

		if err := insertToken(ctx, tx, next, !reuseRefresh); err != nil {
			return err
		}
		if reuseRefresh {
			_, err := tx.ExecContext(ctx,
				`UPDATE oauth_refresh_index SET token = $2 WHERE refresh_token = $1`,
				next.RefreshToken, next.Token)
			if err != nil {
				return fmt.Errorf("move refresh index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	old.RevokedAt = now.UTC()
	old.ReplacedBy = next.Token
	old.Version++
	next.Version = 1
	return nil
}

// RevokeToken marks a token revoked
func (s *Store) RevokeToken(ctx context.Context, token string, now time.Time) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "revoke_token")
	defer func() { finish(err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked_at = $2, version = version + 1 WHERE token = $1 AND revoked_at IS NULL`,
		token, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ok, err := exists(ctx, s.db, tokenExistsQuery, token)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

// RevokeTokensByGrant revokes every token issued from a grant
func (s *Store) RevokeTokensByGrant(ctx context.Context, grantCode string, now time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "revoke_tokens_by_grant")
	defer func() { finish(err) }()

	if grantCode == "" {
		return 0, nil
	}
	return s.revokeWhere(ctx, "grant_code", grantCode, now)
}

// RevokeTokensByClient revokes every token issued to a client
func (s *Store) RevokeTokensByClient(ctx context.Context, clientID string, now time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "revoke_tokens_by_client")
	defer func() { finish(err) }()

	return s.revokeWhere(ctx, "client_id", clientID, now)
}

// revokeWhere revokes live tokens matching column = value. column is never user input.
func (s *Store) revokeWhere(ctx context.Context, column, value string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked_at = $2, version = version + 1
		WHERE `+column+` = $1 AND revoked_at IS NULL`,
		value, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke tokens by %s: %w", column, err)
	}
	return rowsAffected(res)
}

// ListTokensByIdentity lists tokens issued on behalf of a resource owner, oldest first
func (s *Store) ListTokensByIdentity(ctx context.Context, identity string) (_ []*storage.AccessToken, err error) {
	ctx, finish := s.telemetry.Start(ctx, "list_tokens_by_identity")
	defer func() { finish(err) }()

	if identity == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE identity = $1 ORDER BY created_at, token`,
		identity)
	if err != nil {
		return nil, fmt.Errorf("select tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*storage.AccessToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

// TouchToken records the last time a token was used
func (s *Store) TouchToken(ctx context.Context, token string, at time.Time) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "touch_token")
	defer func() { finish(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_tokens SET last_access_at = $2
		WHERE token = $1 AND (last_access_at IS NULL OR last_access_at < $2)`,
		token, at.UTC())
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ok, err := exists(ctx, s.db, tokenExistsQuery, token)
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredTokens removes tokens that are of no further use.
// Mirrors storage.AccessToken.Dead: rotated tokens stay while their refresh token is valid.
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "delete_expired_tokens")
	defer func() { finish(err) }()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM oauth_tokens
		WHERE expires_at < $1 AND (
			refresh_token = ''
			OR (revoked_at IS NOT NULL AND replaced_by = '')
			OR (refresh_expires_at IS NOT NULL AND refresh_expires_at < $1)
		)`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete tokens: %w", err)
	}
	return rowsAffected(res)
}
