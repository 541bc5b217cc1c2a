package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/giantswarm/oauth2-server/storage"
)

const clientColumns = `id, secret_hash, display_name, redirect_uri, scopes, created_at, revoked_at, version`

const clientExistsQuery = `SELECT 1 FROM oauth_clients WHERE id = $1`

func scanClient(row scanner) (*storage.Client, error) {
	var (
		c       storage.Client
		revoked sql.NullTime
	)
	err := row.Scan(&c.ID, &c.SecretHash, &c.DisplayName, &c.RedirectURI,
		pq.Array(&c.Scopes), &c.CreatedAt, &revoked, &c.Version)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.RevokedAt = timeOf(revoked)
	return &c, nil
}

// CreateClient saves a new client
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "create_client")
	defer func() { finish(err) }()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO oauth_clients (`+clientColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`,
		client.ID, client.SecretHash, client.DisplayName, client.RedirectURI,
		pq.Array(client.Scopes), client.CreatedAt.UTC(), nullTime(client.RevokedAt))
	if isUniqueViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}

	client.Version = 1
	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, finish := s.telemetry.Start(ctx, "get_client")
	defer func() { finish(err) }()

	c, err := scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE id = $1`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select client: %w", err)
	}
	return c, nil
}

// UpdateClient replaces a client if the caller's version is current
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "update_client")
	defer func() { finish(err) }()

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_clients
		SET secret_hash = $3, display_name = $4, redirect_uri = $5, scopes = $6,
		    revoked_at = $7, version = version + 1
		WHERE id = $1 AND version = $2`,
		client.ID, client.Version, client.SecretHash, client.DisplayName, client.RedirectURI,
		pq.Array(client.Scopes), nullTime(client.RevokedAt))
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return conflictOrNotFound(ctx, s.db, clientExistsQuery, client.ID)
	}

	client.Version++
	return nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, finish := s.telemetry.Start(ctx, "list_clients")
	defer func() { finish(err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM oauth_clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select clients: %w", err)
	}
	defer rows.Close()

	clients := []*storage.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return clients, nil
}
