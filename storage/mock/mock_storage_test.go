package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oauth2-server/internal/testutil"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
)

func TestMockStore_DelegatesAndCounts(t *testing.T) {
	inner := memory.New()
	defer inner.Stop()
	m := NewMockStore(inner)
	ctx := context.Background()

	c := testutil.NewTestClient(t)
	if err := m.CreateClient(ctx, c); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	if _, err := m.GetClient(ctx, c.ID); err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if _, err := m.GetClient(ctx, c.ID); err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}

	if got := m.CallCount("GetClient"); got != 2 {
		t.Errorf("CallCount(GetClient) = %d, want 2", got)
	}
	if got := m.CallCount("CreateClient"); got != 1 {
		t.Errorf("CallCount(CreateClient) = %d, want 1", got)
	}

	m.ResetCallCounts()
	if got := m.CallCount("GetClient"); got != 0 {
		t.Errorf("CallCount(GetClient) after reset = %d, want 0", got)
	}
}

func TestMockStore_Override(t *testing.T) {
	inner := memory.New()
	defer inner.Stop()
	m := NewMockStore(inner)
	boom := errors.New("connection refused")

	m.CreateTokenFunc = func(context.Context, *storage.AccessToken) error { return boom }

	err := m.CreateToken(context.Background(), testutil.NewTestToken("a", "r", "", testutil.Epoch))
	if !errors.Is(err, boom) {
		t.Fatalf("CreateToken() error = %v, want %v", err, boom)
	}
	if _, err := inner.GetToken(context.Background(), "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("inner store was written despite override: %v", err)
	}
}
