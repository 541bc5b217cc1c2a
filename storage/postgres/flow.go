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

const authRequestColumns = `id, client_id, scopes, redirect_uri, state, identity, status, created_at, expires_at, resolved_at, version`

const authRequestExistsQuery = `SELECT 1 FROM oauth_auth_requests WHERE id = $1`

const grantColumns = `code, auth_request_id, client_id, identity, scopes, redirect_uri, created_at, expires_at, consumed_at, revoked_at`

// codeLogLength is the number of characters to include when logging grant codes
const codeLogLength = 8

func scanAuthRequest(row scanner) (*storage.AuthRequest, error) {
	var (
		r        storage.AuthRequest
		status   string
		resolved sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ClientID, pq.Array(&r.Scopes), &r.RedirectURI, &r.State, &r.Identity,
		&status, &r.CreatedAt, &r.ExpiresAt, &resolved, &r.Version)
	if err != nil {
		return nil, err
	}
	r.Status = storage.AuthRequestStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.ResolvedAt = timeOf(resolved)
	return &r, nil
}

func scanGrant(row scanner) (*storage.AccessGrant, error) {
	var (
		g                 storage.AccessGrant
		authReq           sql.NullString
		consumed, revoked sql.NullTime
	)
	err := row.Scan(&g.Code, &authReq, &g.ClientID, &g.Identity, pq.Array(&g.Scopes), &g.RedirectURI,
		&g.CreatedAt, &g.ExpiresAt, &consumed, &revoked)
	if err != nil {
		return nil, err
	}
	g.AuthRequestID = authReq.String
	g.CreatedAt = g.CreatedAt.UTC()
	g.ExpiresAt = g.ExpiresAt.UTC()
	g.ConsumedAt = timeOf(consumed)
	g.RevokedAt = timeOf(revoked)
	return &g, nil
}

// ============================================================
// Authorization requests
// ============================================================

// CreateAuthRequest saves a new authorization request
func (s *Store) CreateAuthRequest(ctx context.Context, req *storage.AuthRequest) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "create_auth_request")
	defer func() { finish(err) }()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oauth_auth_requests (`+authRequestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)`,
		req.ID, req.ClientID, pq.Array(req.Scopes), req.RedirectURI, req.State, req.Identity,
		string(req.Status), req.CreatedAt.UTC(), req.ExpiresAt.UTC(), nullTime(req.ResolvedAt))
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert auth request: %w", err)
	}

	req.Version = 1
	s.logger.Debug("Saved authorization request", "id", req.ID, "client_id", req.ClientID)
	return nil
}

// GetAuthRequest retrieves an authorization request by ID
func (s *Store) GetAuthRequest(ctx context.Context, id string) (_ *storage.AuthRequest, err error) {
	ctx, finish := s.telemetry.Start(ctx, "get_auth_request")
	defer func() { finish(err) }()

	r, err := scanAuthRequest(s.db.QueryRowContext(ctx,
		`SELECT `+authRequestColumns+` FROM oauth_auth_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select auth request: %w", err)
	}
	return r, nil
}

// UpdateAuthRequest replaces an authorization request if the caller's version is current
func (s *Store) UpdateAuthRequest(ctx context.Context, req *storage.AuthRequest) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "update_auth_request")
	defer func() { finish(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_auth_requests
		SET scopes = $3, identity = $4, status = $5, resolved_at = $6, version = version + 1
		WHERE id = $1 AND version = $2`,
		req.ID, req.Version, pq.Array(req.Scopes), req.Identity, string(req.Status), nullTime(req.ResolvedAt))
	if err != nil {
		return fmt.Errorf("update auth request: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return conflictOrNotFound(ctx, s.db, authRequestExistsQuery, req.ID)
	}

	req.Version++
	return nil
}

// ExpireAuthRequests moves overdue pending requests to the expired state
func (s *Store) ExpireAuthRequests(ctx context.Context, now time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "expire_auth_requests")
	defer func() { finish(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_auth_requests
		SET status = $1, resolved_at = $2, version = version + 1
		WHERE status = $3 AND expires_at <= $2`,
		string(storage.AuthRequestExpired), now.UTC(), string(storage.AuthRequestPending))
	if err != nil {
		return 0, fmt.Errorf("expire auth requests: %w", err)
	}
	return rowsAffected(res)
}

// ============================================================
// Grants
// ============================================================

// CreateGrant saves a new grant
func (s *Store) CreateGrant(ctx context.Context, grant *storage.AccessGrant) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "create_grant")
	defer func() { finish(err) }()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oauth_grants (`+grantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		grant.Code, nullString(grant.AuthRequestID), grant.ClientID, grant.Identity,
		pq.Array(grant.Scopes), grant.RedirectURI, grant.CreatedAt.UTC(), grant.ExpiresAt.UTC(),
		nullTime(grant.ConsumedAt), nullTime(grant.RevokedAt))
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}

	s.logger.Debug("Saved grant",
		"code_prefix", util.SafeTruncate(grant.Code, codeLogLength),
		"client_id", grant.ClientID)
	return nil
}

// GetGrant retrieves a grant by code
func (s *Store) GetGrant(ctx context.Context, code string) (_ *storage.AccessGrant, err error) {
	ctx, finish := s.telemetry.Start(ctx, "get_grant")
	defer func() { finish(err) }()

	return s.getGrant(ctx, code)
}

func (s *Store) getGrant(ctx context.Context, code string) (*storage.AccessGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM oauth_grants WHERE code = $1`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select grant: %w", err)
	}
	return g, nil
}

// ConsumeGrant atomically marks a grant consumed.
// The UPDATE locks the row, so a concurrent consumer re-evaluates the predicate after the
// winner commits and matches nothing.
func (s *Store) ConsumeGrant(ctx context.Context, code string, now time.Time) (_ *storage.AccessGrant, err error) {
	ctx, finish := s.telemetry.Start(ctx, "consume_grant")
	defer func() { finish(err) }()

	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		UPDATE oauth_grants SET consumed_at = $2
		WHERE code = $1 AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > $2
		RETURNING `+grantColumns,
		code, now.UTC()))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("consume grant: %w", err)
	}

	// nothing matched: tell unknown, used and expired codes apart
	g, err = s.getGrant(ctx, code)
	if err != nil {
		return nil, err
	}
	if g.Consumed() || g.Revoked() {
		return g, storage.ErrAlreadyUsed
	}
	return nil, storage.ErrExpired
}

// RevokeGrant marks a grant revoked
func (s *Store) RevokeGrant(ctx context.Context, code string, now time.Time) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "revoke_grant")
	defer func() { finish(err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_grants SET revoked_at = COALESCE(revoked_at, $2) WHERE code = $1`,
		code, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredFlows removes grants and authorization requests past their deadline
func (s *Store) DeleteExpiredFlows(ctx context.Context, before time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "delete_expired_flows")
	defer func() { finish(err) }()

	total := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM oauth_auth_requests WHERE expires_at < $1`, before.UTC())
		if err != nil {
			return fmt.Errorf("delete auth requests: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		total += n

		res, err = tx.ExecContext(ctx, `DELETE FROM oauth_grants WHERE expires_at < $1`, before.UTC())
		if err != nil {
			return fmt.Errorf("delete grants: %w", err)
		}
		n, err = rowsAffected(res)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
