package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth2-server/storage"
)

// CreateClient saves a new client
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "create_client")
	defer func() { finish(err) }()

	rec := client.Clone()
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode client: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.clientKey(client.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx client: %w", err)
	}
	if !ok {
		return storage.ErrConflict
	}
	if err := s.client.SAdd(ctx, s.clientsKey(), client.ID).Err(); err != nil {
		return fmt.Errorf("redis sadd clients: %w", err)
	}

	client.Version = 1
	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, finish := s.telemetry.Start(ctx, "get_client")
	defer func() { finish(err) }()

	var c storage.Client
	if err := getJSON(ctx, s.client, s.clientKey(clientID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateClient replaces a client if the caller's version is current
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "update_client")
	defer func() { finish(err) }()

	next := client.Clone()
	next.Version++
	err = replaceIfVersion(ctx, s, s.clientKey(client.ID), client.Version,
		func(c *storage.Client) int64 { return c.Version }, next)
	if err != nil {
		return err
	}

	client.Version++
	return nil
}

// ListClients lists all registered clients ordered by ID
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, finish := s.telemetry.Start(ctx, "list_clients")
	defer func() { finish(err) }()

	ids, err := s.client.SMembers(ctx, s.clientsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers clients: %w", err)
	}
	if len(ids) == 0 {
		return []*storage.Client{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.clientKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var c storage.Client
		if err := json.Unmarshal([]byte(str), &c); err != nil {
			return nil, fmt.Errorf("decode client: %w", err)
		}
		clients = append(clients, &c)
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int { return cmp.Compare(a.ID, b.ID) })
	return clients, nil
}
