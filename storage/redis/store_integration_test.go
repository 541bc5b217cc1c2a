//go:build integration

package redis_test

import (
	"context"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/redis"
	"github.com/giantswarm/oauth2-server/storage/storagetest"
)

func startRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis connection string: %v", err)
	}

	client, err := redis.NewClient(ctx, redis.ClientConfig{URL: url})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStore_Conformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	client := startRedis(t)

	storagetest.RunConformance(t, func(t *testing.T) storage.Store {
		if err := client.FlushAll(context.Background()).Err(); err != nil {
			t.Fatalf("FlushAll() error = %v", err)
		}
		return redis.New(client, redis.WithLogger(testutil.DiscardLogger()))
	})
}

func TestStore_KeyPrefixIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	client := startRedis(t)
	ctx := context.Background()

	a := redis.New(client, redis.WithKeyPrefix("a:"))
	b := redis.New(client, redis.WithKeyPrefix("b:"))

	if err := a.CreateClient(ctx, testutil.NewTestClient(t)); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	if _, err := b.GetClient(ctx, testutil.TestClientID); err != storage.ErrNotFound {
		t.Errorf("GetClient() under another prefix error = %v, want ErrNotFound", err)
	}
	if err := a.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}
