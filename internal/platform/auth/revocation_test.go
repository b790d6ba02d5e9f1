package auth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryRevocationStore_RevokeAndCheck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRevocationStore()
	defer store.Close()

	if err := store.Revoke(ctx, "jti-1", "staff-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.IsRevoked(ctx, "jti-1"); !ok {
		t.Error("expected jti-1 to be revoked")
	}
	if ok, _ := store.IsRevoked(ctx, "jti-2"); ok {
		t.Error("expected jti-2 not to be revoked")
	}
}

func TestMemoryRevocationStore_IgnoresExpired(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()

	_ = store.Revoke(context.Background(), "old", "", time.Now().Add(-time.Minute))
	if store.Count() != 0 {
		t.Errorf("expected expired token to be ignored, count=%d", store.Count())
	}
}

func TestMemoryRevocationStore_Cleanup(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()

	now := time.Now()
	store.now = func() time.Time { return now }
	_ = store.Revoke(context.Background(), "short", "", now.Add(time.Minute))
	_ = store.Revoke(context.Background(), "long", "", now.Add(time.Hour))

	store.now = func() time.Time { return now.Add(10 * time.Minute) }
	store.cleanup()

	if ok, _ := store.IsRevoked(context.Background(), "short"); ok {
		t.Error("expected short-lived entry to be cleaned up")
	}
	if ok, _ := store.IsRevoked(context.Background(), "long"); !ok {
		t.Error("expected long-lived entry to remain")
	}
}

func TestMemoryRevocationStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryRevocationStore()
	defer store.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jti := fmt.Sprintf("jti-%d", i)
			_ = store.Revoke(context.Background(), jti, "u", time.Now().Add(time.Hour))
			_, _ = store.IsRevoked(context.Background(), jti)
		}(i)
	}
	wg.Wait()

	if store.Count() != 50 {
		t.Errorf("expected 50 entries, got %d", store.Count())
	}
	store.Close()
	store.Close()
}

func TestRedisRevocationStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisRevocationStoreFromClient(rdb)
	defer store.Close()
	ctx := context.Background()

	if err := store.Revoke(ctx, "jti-r", "doc-1", time.Now().Add(30*time.Minute)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, err := store.IsRevoked(ctx, "jti-r"); err != nil || !ok {
		t.Fatalf("expected revoked, ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL(revokedKeyPrefix + "jti-r"); ttl <= 0 || ttl > 30*time.Minute {
		t.Errorf("expected ttl bounded by token lifetime, got %v", ttl)
	}

	mr.FastForward(31 * time.Minute)
	if ok, _ := store.IsRevoked(ctx, "jti-r"); ok {
		t.Error("expected revocation to expire with the token")
	}

	if err := store.Revoke(ctx, "jti-old", "", time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(revokedKeyPrefix + "jti-old") {
		t.Error("expired tokens should not be stored")
	}
}

func TestRedisRevocationStore_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisRevocationStoreFromClient(rdb)
	defer store.Close()
	mr.Close()

	if _, err := store.IsRevoked(context.Background(), "any"); err == nil {
		t.Error("expected error when redis is down")
	}
}
