package reconcile

import (
	"context"
	"testing"
	"time"

	"lifecycle_backend/internal/ledger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*RedisStatusCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStatusCacheFromClient(client, time.Hour), mr
}

func TestRedisStatusCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	if _, ok, err := cache.Get(ctx, ProviderPayments, "evt_1"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	want := CachedOutcome{Status: ledger.StatusFailed, Reason: "NOT_FOUND: gone", EventType: TypePaymentFailed}
	if err := cache.Set(ctx, ProviderPayments, "evt_1", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := cache.Get(ctx, ProviderPayments, "evt_1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	if _, ok, _ := cache.Get(ctx, ProviderEmail, "evt_1"); ok {
		t.Fatalf("keys must be scoped per provider")
	}
}

func TestRedisStatusCacheExpires(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, ProviderEmail, "evt_2", CachedOutcome{Status: ledger.StatusApplied}); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := cache.Get(ctx, ProviderEmail, "evt_2"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestRedisStatusCacheRefusesPending(t *testing.T) {
	cache, _ := newTestCache(t)
	if err := cache.Set(context.Background(), ProviderEmail, "evt_3", CachedOutcome{Status: ledger.StatusPending}); err == nil {
		t.Fatalf("expected pending outcome to be rejected")
	}
}

func TestRedisStatusCacheReportsOutage(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()
	if _, _, err := cache.Get(context.Background(), ProviderEmail, "evt_4"); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}
