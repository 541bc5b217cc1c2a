package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/config"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/postgres"
	"github.com/giantswarm/oauth2-server/storage/redis"
)

// openStore creates the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	switch cfg.Type {
	case config.StorageMemory:
		logger.Warn("Using in-memory storage: clients and tokens are lost on restart")
		store := memory.New()
		store.SetLogger(logger)
		if inst != nil {
			store.SetInstrumentation(inst)
		}
		return store, store.Stop, nil

	case config.StorageRedis:
		client, err := redis.NewClient(ctx, redis.ClientConfig{
			URL:      cfg.Redis.URL,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, nil, err
		}
		store := redis.New(client,
			redis.WithKeyPrefix(cfg.Redis.KeyPrefix),
			redis.WithLogger(logger),
			redis.WithInstrumentation(inst))
		return store, func() { _ = client.Close() }, nil

	case config.StoragePostgres:
		db, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(db,
			postgres.WithLogger(logger),
			postgres.WithInstrumentation(inst))
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		return store, func() { _ = db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
