package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth2-server/internal/util"
	"github.com/giantswarm/oauth2-server/storage"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Grants are hashes so the scripts never re-encode the JSON payload. Timestamps are
// unix microseconds, which Lua numbers represent exactly.

// createGrantScript stores a grant unless its code or authorization request is taken.
//
// KEYS[1] = grant key, KEYS[2] = grant expiry zset, KEYS[3] = grant-req key (optional)
// ARGV[1] = grant JSON, ARGV[2] = expires_at, ARGV[3] = code, ARGV[4] = TTL in ms (0 = none)
//
// Returns 1 on success, 0 on conflict.
var createGrantScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
if #KEYS > 2 then
    if not redis.call('SET', KEYS[3], ARGV[3], 'NX') then
        return 0
    end
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'expires_at', ARGV[2], 'consumed_at', '0', 'revoked_at', '0')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
    if #KEYS > 2 then
        redis.call('PEXPIRE', KEYS[3], ttl)
    end
end
return 1
`)

// consumeGrantScript marks an unconsumed grant consumed.
//
// SECURITY: only ONE concurrent caller can observe status 1 for a given code.
//
// KEYS[1] = grant key
// ARGV[1] = now
//
// Returns {status, data, consumed_at, revoked_at} where status is
// 0 not found, 1 consumed now, 2 already consumed or revoked, 3 expired.
var consumeGrantScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'data', 'expires_at', 'consumed_at', 'revoked_at')
if not f[1] then
    return {0}
end
if (tonumber(f[3]) or 0) ~= 0 or (tonumber(f[4]) or 0) ~= 0 then
    return {2, f[1], f[3], f[4]}
end
if tonumber(ARGV[1]) >= tonumber(f[2]) then
    return {3}
end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[1])
return {1, f[1], ARGV[1], f[4]}
`)

// revokeGrantScript sets revoked_at once.
//
// KEYS[1] = grant key
// ARGV[1] = now
//
// Returns 0 if the grant does not exist, 1 otherwise.
var revokeGrantScript = goredis.NewScript(`
local revoked = redis.call('HGET', KEYS[1], 'revoked_at')
if not revoked then
    return 0
end
if (tonumber(revoked) or 0) == 0 then
    redis.call('HSET', KEYS[1], 'revoked_at', ARGV[1])
end
return 1
`)

// ============================================================
// Authorization Requests
// ============================================================

// CreateAuthRequest saves a new authorization request
func (s *Store) CreateAuthRequest(ctx context.Context, req *storage.AuthRequest) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "create_auth_request")
	defer func() { finish(err) }()

	rec := req.Clone()
	rec.Version = 1
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode auth request: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.authRequestKey(req.ID), data, s.ttlUntil(req.ExpiresAt)).Result()
	if err != nil {
		return fmt.Errorf("redis setnx auth request: %w", err)
	}
	if !ok {
		return storage.ErrConflict
	}
	err = s.client.ZAdd(ctx, s.authRequestExpiryKey(), goredis.Z{
		Score:  float64(micros(req.ExpiresAt)),
		Member: req.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd auth request: %w", err)
	}

	req.Version = 1
	return nil
}

// GetAuthRequest retrieves an authorization request by ID
func (s *Store) GetAuthRequest(ctx context.Context, id string) (_ *storage.AuthRequest, err error) {
	ctx, finish := s.telemetry.Start(ctx, "get_auth_request")
	defer func() { finish(err) }()

	var req storage.AuthRequest
	if err := getJSON(ctx, s.client, s.authRequestKey(id), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// UpdateAuthRequest replaces an authorization request if the caller's version is current
func (s *Store) UpdateAuthRequest(ctx context.Context, req *storage.AuthRequest) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "update_auth_request")
	defer func() { finish(err) }()

	next := req.Clone()
	next.Version++
	err = replaceIfVersion(ctx, s, s.authRequestKey(req.ID), req.Version,
		func(r *storage.AuthRequest) int64 { return r.Version }, next)
	if err != nil {
		return err
	}

	req.Version++
	return nil
}

// ExpireAuthRequests moves overdue pending requests to the expired state
func (s *Store) ExpireAuthRequests(ctx context.Context, now time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "expire_auth_requests")
	defer func() { finish(err) }()

	ids, err := s.client.ZRangeByScore(ctx, s.authRequestExpiryKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(micros(now), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore auth requests: %w", err)
	}

	n := 0
	for _, id := range ids {
		changed, err := modify(ctx, s, s.authRequestKey(id), func(r *storage.AuthRequest) (bool, error) {
			if !r.IsExpired(now) {
				return false, nil
			}
			r.Status = storage.AuthRequestExpired
			r.ResolvedAt = now
			r.Version++
			return true, nil
		})
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

// ============================================================
// Access Grants
// ============================================================

// CreateGrant saves a new access grant
func (s *Store) CreateGrant(ctx context.Context, grant *storage.AccessGrant) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "create_grant")
	defer func() { finish(err) }()

	rec := grant.Clone()
	rec.ConsumedAt = time.Time{}
	rec.RevokedAt = time.Time{}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}

	keys := []string{s.grantKey(grant.Code), s.grantExpiryKey()}
	if grant.AuthRequestID != "" {
		keys = append(keys, s.grantRequestKey(grant.AuthRequestID))
	}
	ok, err := createGrantScript.Run(ctx, s.client, keys,
		data,
		micros(grant.ExpiresAt),
		grant.Code,
		s.ttlUntil(grant.ExpiresAt).Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to execute create grant script: %w", err)
	}
	if ok == 0 {
		return storage.ErrConflict
	}

	s.logger.Debug("Saved access grant",
		"code_prefix", util.SafeTruncate(grant.Code, tokenIDLogLength),
		"client_id", grant.ClientID)
	return nil
}

// GetGrant retrieves an access grant by code
func (s *Store) GetGrant(ctx context.Context, code string) (_ *storage.AccessGrant, err error) {
	ctx, finish := s.telemetry.Start(ctx, "get_grant")
	defer func() { finish(err) }()

	vals, err := s.client.HMGet(ctx, s.grantKey(code), "data", "consumed_at", "revoked_at").Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget grant: %w", err)
	}
	if vals[0] == nil {
		return nil, storage.ErrNotFound
	}
	return decodeGrant(vals[0], vals[1], vals[2])
}

// ConsumeGrant atomically marks a grant as consumed
func (s *Store) ConsumeGrant(ctx context.Context, code string, now time.Time) (_ *storage.AccessGrant, err error) {
	ctx, finish := s.telemetry.Start(ctx, "consume_grant")
	defer func() { finish(err) }()

	res, err := consumeGrantScript.Run(ctx, s.client, []string{s.grantKey(code)}, micros(now)).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute consume grant script: %w", err)
	}

	status, _ := res[0].(int64)
	switch status {
	case 0:
		return nil, storage.ErrNotFound
	case 3:
		return nil, storage.ErrExpired
	}

	if len(res) < 4 {
		return nil, fmt.Errorf("unexpected consume grant reply of length %d", len(res))
	}
	grant, err := decodeGrant(res[1], res[2], res[3])
	if err != nil {
		return nil, err
	}
	if status == 2 {
		return grant, storage.ErrAlreadyUsed
	}

	s.logger.Debug("Consumed access grant",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return grant, nil
}

// RevokeGrant marks a grant revoked
func (s *Store) RevokeGrant(ctx context.Context, code string, now time.Time) (err error) {
	ctx, finish := s.telemetry.Start(ctx, "revoke_grant")
	defer func() { finish(err) }()

	found, err := revokeGrantScript.Run(ctx, s.client, []string{s.grantKey(code)}, micros(now)).Int()
	if err != nil {
		return fmt.Errorf("failed to execute revoke grant script: %w", err)
	}
	if found == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredFlows removes grants and authorization requests past their deadline
func (s *Store) DeleteExpiredFlows(ctx context.Context, before time.Time) (_ int, err error) {
	ctx, finish := s.telemetry.Start(ctx, "delete_expired_flows")
	defer func() { finish(err) }()

	rng := &goredis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(micros(before), 10)}
	n := 0

	ids, err := s.client.ZRangeByScore(ctx, s.authRequestExpiryKey(), rng).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore auth requests: %w", err)
	}
	for _, id := range ids {
		deleted, err := s.client.Del(ctx, s.authRequestKey(id)).Result()
		if err != nil {
			return n, fmt.Errorf("redis del auth request: %w", err)
		}
		n += int(deleted)
		if err := s.client.ZRem(ctx, s.authRequestExpiryKey(), id).Err(); err != nil {
			return n, fmt.Errorf("redis zrem auth request: %w", err)
		}
	}

	codes, err := s.client.ZRangeByScore(ctx, s.grantExpiryKey(), rng).Result()
	if err != nil {
		return n, fmt.Errorf("redis zrangebyscore grants: %w", err)
	}
	for _, code := range codes {
		keys := []string{s.grantKey(code)}
		data, err := s.client.HGet(ctx, s.grantKey(code), "data").Result()
		if err == nil {
			var g storage.AccessGrant
			if json.Unmarshal([]byte(data), &g) == nil && g.AuthRequestID != "" {
				keys = append(keys, s.grantRequestKey(g.AuthRequestID))
			}
		} else if !errors.Is(err, goredis.Nil) {
			return n, fmt.Errorf("redis hget grant: %w", err)
		}

		deleted, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return n, fmt.Errorf("redis del grant: %w", err)
		}
		if deleted > 0 {
			n++
		}
		if err := s.client.ZRem(ctx, s.grantExpiryKey(), code).Err(); err != nil {
			return n, fmt.Errorf("redis zrem grant: %w", err)
		}
	}

	return n, nil
}

// decodeGrant builds a grant from its hash fields. Values come from HMGET or a script
// reply, so they are strings or nil.
func decodeGrant(data, consumedAt, revokedAt any) (*storage.AccessGrant, error) {
	str, ok := data.(string)
	if !ok {
		return nil, storage.ErrNotFound
	}
	var g storage.AccessGrant
	if err := json.Unmarshal([]byte(str), &g); err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}
	g.ConsumedAt = fromMicros(parseMicros(consumedAt))
	g.RevokedAt = fromMicros(parseMicros(revokedAt))
	return &g, nil
}

func parseMicros(v any) int64 {
	switch x := v.(type) {
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case int64:
		return x
	default:
		return 0
	}
}
