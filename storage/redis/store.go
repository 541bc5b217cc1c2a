// Package redis provides a Redis-backed implementation of all storage interfaces.
// It supports multi-instance deployments: single-use grant consumption runs as a Lua
// script and every conditional update runs inside WATCH/MULTI.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oauth2:"

	// DefaultRetention is how long records are kept after their last deadline,
	// so replays of expired codes and rotated refresh tokens are still recognised.
	DefaultRetention = 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging token values
	tokenIDLogLength = 8

	// maxTxRetries bounds optimistic retries for unconditional updates (revoke, touch)
	maxTxRetries = 10
)

// Store is a Redis-backed implementation of all storage interfaces.
//
// Key layout ({p} is the key prefix):
//
//	{p}client:{id}               client JSON
//	{p}clients                   set of client IDs
//	{p}authreq:{id}              authorization request JSON
//	{p}authreqs:expiry           zset of request IDs scored by deadline (unix µs)
//	{p}grant:{code}              hash: data, expires_at, consumed_at, revoked_at
//	{p}grant-req:{id}            grant code issued for an authorization request
//	{p}grants:expiry             zset of codes scored by deadline
//	{p}token:{access}            token JSON
//	{p}refresh:{refresh}         access token value
//	{p}tokens:expiry             zset of access values scored by access deadline
//	{p}grant-tokens:{code}       set of access values issued from a grant
//	{p}client-tokens:{id}        set of access values issued to a client
//	{p}identity-tokens:{id}      set of access values issued for a resource owner
type Store struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
	logger    *slog.Logger
	telemetry *storage.Telemetry
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
	_ storage.Store       = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the prefix for all keys (default "oauth2:")
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetention sets how long records outlive their deadlines before Redis evicts them.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLogger sets the structured logger (default slog.Default())
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstrumentation enables spans and metrics for store operations.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Store) {
		s.telemetry = storage.NewTelemetry("redis", inst)
	}
}

// New creates a store on an existing client. The caller owns the client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		prefix:    DefaultKeyPrefix,
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Health checks that Redis answers.
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ============================================================
// Keys
// ============================================================

func (s *Store) clientKey(id string) string         { return s.prefix + "client:" + id }
func (s *Store) clientsKey() string                 { return s.prefix + "clients" }
func (s *Store) authRequestKey(id string) string    { return s.prefix + "authreq:" + id }
func (s *Store) authRequestExpiryKey() string       { return s.prefix + "authreqs:expiry" }
func (s *Store) grantKey(code string) string        { return s.prefix + "grant:" + code }
func (s *Store) grantRequestKey(id string) string   { return s.prefix + "grant-req:" + id }
func (s *Store) grantExpiryKey() string             { return s.prefix + "grants:expiry" }
func (s *Store) tokenKey(access string) string      { return s.prefix + "token:" + access }
func (s *Store) refreshKey(refresh string) string   { return s.prefix + "refresh:" + refresh }
func (s *Store) tokenExpiryKey() string             { return s.prefix + "tokens:expiry" }
func (s *Store) grantTokensKey(code string) string  { return s.prefix + "grant-tokens:" + code }
func (s *Store) clientTokensKey(id string) string   { return s.prefix + "client-tokens:" + id }
func (s *Store) identityTokensKey(id string) string { return s.prefix + "identity-tokens:" + id }

// ============================================================
// Helpers
// ============================================================

// ttlUntil returns the key lifetime for a record whose last deadline is at.
// Zero means the key does not expire.
func (s *Store) ttlUntil(at time.Time) time.Duration {
	if at.IsZero() {
		return 0
	}
	ttl := time.Until(at) + s.retention
	if ttl <= 0 {
		// already past retention; the sweeper deletes it
		return 0
	}
	return ttl
}

// micros encodes a timestamp for sorted set scores and hash fields
func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

// getJSON loads the JSON record at key into v. Returns storage.ErrNotFound for missing keys.
func getJSON(ctx context.Context, c goredis.Cmdable, key string, v any) error {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// modify applies fn to the JSON record at key and writes it back when fn reports a
// change. Concurrent writers cause a retry, so fn must be idempotent.
func modify[T any](ctx context.Context, s *Store, key string, fn func(*T) (bool, error)) (bool, error) {
	for range maxTxRetries {
		changed := false
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			rec := new(T)
			if err := getJSON(ctx, tx, key, rec); err != nil {
				return err
			}
			ok, err := fn(rec)
			if err != nil || !ok {
				return err
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, data, goredis.KeepTTL)
				return nil
			})
			changed = err == nil
			return err
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return changed, err
	}
	return false, storage.ErrConflict
}

// loadTokens fetches the tokens listed in an index set, dropping members whose
// record no longer exists.
func (s *Store) loadTokens(ctx context.Context, indexKey string) ([]*storage.AccessToken, error) {
	members, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.tokenKey(m)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	tokens := make([]*storage.AccessToken, 0, len(values))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var t storage.AccessToken
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		tokens = append(tokens, &t)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, indexKey, stale...).Err(); err != nil {
			s.logger.Warn("Failed to prune token index", "key", indexKey, "error", err)
		}
	}
	return tokens, nil
}

// replaceIfVersion overwrites the record at key with next when the stored record is
// still at the expected version. A concurrent write is reported as storage.ErrConflict.
func replaceIfVersion[T any](ctx context.Context, s *Store, key string, expected int64, version func(*T) int64, next any) error {
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur := new(T)
		if err := getJSON(ctx, tx, key, cur); err != nil {
			return err
		}
		if version(cur) != expected {
			return storage.ErrConflict
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, goredis.KeepTTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return storage.ErrConflict
	}
	return err
}
