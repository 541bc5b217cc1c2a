package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// tokenTTL is the key lifetime of a token record. A refresh token without deadline
// keeps the record forever.
func (s *Store) tokenTTL(t *storage.AccessToken) time.Duration {
	last := t.ExpiresAt
	if t.RefreshToken != "" {
		if t.RefreshExpiresAt.IsZero() {
			return 0
		}
		if t.RefreshExpiresAt.After(last) {
			last = t.RefreshExpiresAt
		}
	}
	return s.ttlUntil(last)
}

// queueNewToken adds the writes for a new token record and its indexes to pipe.
func (s *Store) queueNewToken(ctx context.Context, pipe goredis.Pipeliner, t *storage.AccessToken, data []byte) {
	ttl := s.tokenTTL(t)
	pipe.Set(ctx, s.tokenKey(t.Token), data, ttl)
	if t.RefreshToken != "" {
		pipe.Set(ctx, s.refreshKey(t.RefreshToken), t.Token, ttl)
	}
	pipe.ZAdd(ctx, s.tokenExpiryKey(), goredis.Z{Score: float64(micros(t.ExpiresAt)), Member: t.Token})
	pipe.SAdd(ctx, s.clientTokensKey(t.ClientID), t.Token)
	if t.GrantCode != "" {
		pipe.SAdd(ctx, s.grantTokensKey(t.GrantCode), t.Token)
	}
	if t.Identity != "" {
		pipe.SAdd(ctx, s.identityTokensKey(t.Identity), t.Token)
	}
}

// CreateToken saves a new token
func (s *Store) CreateToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "create_token")
	defer func() { finish(err) }()

	rec := token.Clone()
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	watch := []string{s.tokenKey(token.Token)}
	if token.RefreshToken != "" {
		watch = append(watch, s.refreshKey(token.RefreshToken))
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, watch...).Result()
		if err != nil {
			return fmt.Errorf("redis exists: %w", err)
		}
		if n > 0 {
			return storage.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			s.queueNewToken(ctx, pipe, rec, data)
			return nil
		})
		return err
	}, watch...)
	if errors.Is(err, goredis.TxFailedErr) {
		return storage.ErrConflict
	}
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

	var t storage.AccessToken
	if err := getJSON(ctx, s.client, s.tokenKey(token), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTokenByRefresh retrieves a token by refresh token value
func (s *Store) GetTokenByRefresh(ctx context.Context, refreshToken string) (_ *storage.AccessToken, err error) {
	ctx, finish := s.telemetry.Start(ctx, "get_token_by_refresh")
	defer func() { finish(err) }()

	access, err := s.client.Get(ctx, s.refreshKey(refreshToken)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get refresh: %w", err)
	}

	var t storage.AccessToken
	if err := getJSON(ctx, s.client, s.tokenKey(access), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RotateToken revokes old and saves next in one MULTI/EXEC
func (s *Store) RotateToken(ctx context.Context, old, next *storage.AccessToken, now time.Time) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "rotate_token")
	defer func() { finish(err) }()

	oldKey := s.tokenKey(old.Token)
	nextKey := s.tokenKey(next.Token)
	watch := []string{oldKey, nextKey}
	reuseRefresh := next.RefreshToken != "" && next.RefreshToken == old.RefreshToken
	if next.RefreshToken != "" && !reuseRefresh {
		watch = append(watch, s.refreshKey(next.RefreshToken))
	}

	rec := next.Clone()
	rec.Version = 1
	nextData, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	var updated storage.AccessToken
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		if err := getJSON(ctx, tx, oldKey, &updated); err != nil {
			return err
		}
		if updated.Version != old.Version || updated.Revoked() {
			return storage.ErrConflict
		}
		n, err := tx.Exists(ctx, watch[1:]...).Result()
		if err != nil {
			return fmt.Errorf("redis exists: %w", err)
		}
		if n > 0 {
			return storage.ErrConflict
		}

		updated.RevokedAt = now
		updated.ReplacedBy = next.Token
		updated.Version++
		oldData, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, oldKey, oldData, goredis.KeepTTL)
			s.queueNewToken(ctx, pipe, rec, nextData)
			return nil
		})
		return err
	}, watch...)
	if errors.Is(err, goredis.TxFailedErr) {
		return storage.ErrConflict
	}
	if err != nil {
		return err
	}

	old.RevokedAt = updated.RevokedAt
	old.ReplacedBy = updated.ReplacedBy
	old.Version = updated.Version
	next.Version = 1
	return nil
}

func revokeRecord(now time.Time) func(*storage.AccessToken) (bool, error) {
	return func(t *storage.AccessToken) (bool, error) {
		if t.Revoked() {
			return false, nil
		}
		t.RevokedAt = now
		t.Version++
		return true, nil
	}
}

// RevokeToken marks a token revoked
func (s *Store) RevokeToken(ctx context.Context, token string, now time.Time) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "revoke_token")
	defer func() { finish(err) }()

	_, err = modify(ctx, s, s.tokenKey(token), revokeRecord(now))
	return err
}

// RevokeTokensByGrant revokes every token issued from a grant
func (s *Store) RevokeTokensByGrant(ctx context.Context, grantCode string, now time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "revoke_tokens_by_grant")
	defer func() { finish(err) }()

	if grantCode == "" {
		return 0, nil
	}
	return s.revokeIndexed(ctx, s.grantTokensKey(grantCode), now)
}

// RevokeTokensByClient revokes every token issued to a client
func (s *Store) RevokeTokensByClient(ctx context.Context, clientID string, now time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "revoke_tokens_by_client")
	defer func() { finish(err) }()

	return s.revokeIndexed(ctx, s.clientTokensKey(clientID), now)
}

func (s *Store) revokeIndexed(ctx context.Context, indexKey string, now time.Time) (int, error) {
	members, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers: %w", err)
	}

	n := 0
	for _, access := range members {
		changed, err := modify(ctx, s, s.tokenKey(access), revokeRecord(now))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// ListTokensByIdentity lists tokens issued on behalf of a resource owner, oldest first
func (s *Store) ListTokensByIdentity(ctx context.Context, identity string) (_ []*storage.AccessToken, err error) {
	ctx, finish := s.telemetry.Start(ctx, "list_tokens_by_identity")
	defer func() { finish(err) }()

	if identity == "" {
		return nil, nil
	}
	tokens, err := s.loadTokens(ctx, s.identityTokensKey(identity))
	if err != nil {
		return nil, err
	}
	slices.SortFunc(tokens, func(a, b *storage.AccessToken) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Token, b.Token)
	})
	return tokens, nil
}

// TouchToken records the last time a token was used
func (s *Store) TouchToken(ctx context.Context, token string, at time.Time) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "touch_token")
	defer func() { finish(err) }()

	_, err = modify(ctx, s, s.tokenKey(token), func(t *storage.AccessToken) (bool, error) {
		if !at.After(t.LastAccessAt) {
			return false, nil
		}
		t.LastAccessAt = at
		return true, nil
	})
	return err
}

// DeleteExpiredTokens removes tokens that are of no further use
func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "delete_expired_tokens")
	defer func() { finish(err) }()

	candidates, err := s.client.ZRangeByScore(ctx, s.tokenExpiryKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(micros(before), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore tokens: %w", err)
	}

	n := 0
	for _, access := range candidates {
		var t storage.AccessToken
		err := getJSON(ctx, s.client, s.tokenKey(access), &t)
		if errors.Is(err, storage.ErrNotFound) {
			// evicted by TTL
			if err := s.client.ZRem(ctx, s.tokenExpiryKey(), access).Err(); err != nil {
				return n, fmt.Errorf("redis zrem token: %w", err)
			}
			continue
		}
		if err != nil {
			return n, err
		}
		if !t.Dead(before) {
			continue
		}
		if err := s.deleteToken(ctx, &t); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) deleteToken(ctx context.Context, t *storage.AccessToken) error {
	keys := []string{s.tokenKey(t.Token)}
	if t.RefreshToken != "" {
		owner, err := s.client.Get(ctx, s.refreshKey(t.RefreshToken)).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("redis get refresh: %w", err)
		}
		if owner == t.Token {
			keys = append(keys, s.refreshKey(t.RefreshToken))
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.tokenExpiryKey(), t.Token)
		pipe.SRem(ctx, s.clientTokensKey(t.ClientID), t.Token)
		if t.GrantCode != "" {
			pipe.SRem(ctx, s.grantTokensKey(t.GrantCode), t.Token)
		}
		if t.Identity != "" {
			pipe.SRem(ctx, s.identityTokensKey(t.Identity), t.Token)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete token: %w", err)
	}
	return nil
}
