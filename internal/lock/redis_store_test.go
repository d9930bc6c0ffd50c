package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis lock store: %v", err)
	}
	return store, s
}

func TestAcquireAndHolder(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "plan-1", "pipeline-7", "ai_generation", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	lease, err := store.Holder(ctx, "plan-1")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if lease == nil || lease.Owner != "pipeline-7" || lease.Reason != "ai_generation" {
		t.Fatalf("unexpected lease %+v", lease)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if ok, _ := store.Acquire(ctx, "plan-1", "pipeline-7", "ai_generation", time.Minute); !ok {
		t.Fatal("first acquire should succeed")
	}
	ok, err := store.Acquire(ctx, "plan-1", "therapist-2", "manual", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire must fail while lock is held")
	}

	// Different plan, same owner: independent lock.
	if ok, _ := store.Acquire(ctx, "plan-2", "pipeline-7", "ai_generation", time.Minute); !ok {
		t.Fatal("lock on a different plan should be independent")
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if ok, _ := store.Acquire(ctx, "plan-1", "pipeline-7", "ai_generation", time.Minute); !ok {
		t.Fatal("acquire should succeed")
	}

	if err := store.Release(ctx, "plan-1", "someone-else"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if lease, _ := store.Holder(ctx, "plan-1"); lease == nil {
		t.Fatal("foreign release must not clear the lock")
	}

	if err := store.Release(ctx, "plan-1", "pipeline-7"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if lease, _ := store.Holder(ctx, "plan-1"); lease != nil {
		t.Fatalf("expected lock cleared, got %+v", lease)
	}
}

func TestLeaseExpires(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if ok, _ := store.Acquire(ctx, "plan-1", "pipeline-7", "ai_generation", time.Second); !ok {
		t.Fatal("acquire should succeed")
	}

	mr.FastForward(2 * time.Second)

	lease, err := store.Holder(ctx, "plan-1")
	if err != nil {
		t.Fatalf("holder after expiry: %v", err)
	}
	if lease != nil {
		t.Fatalf("expected lease expired, got %+v", lease)
	}
	if ok, _ := store.Acquire(ctx, "plan-1", "therapist-2", "manual", time.Minute); !ok {
		t.Fatal("acquire after expiry should succeed")
	}
}

func TestStaleReleaseDoesNotDropNewLease(t *testing.T) {
	store, mr := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if ok, _ := store.Acquire(ctx, "plan-1", "pipeline-7", "ai_generation", time.Second); !ok {
		t.Fatal("acquire should succeed")
	}

	// The first lease expires and another owner takes over before the
	// original holder gets around to releasing.
	mr.FastForward(2 * time.Second)
	if ok, _ := store.Acquire(ctx, "plan-1", "therapist-2", "manual", time.Minute); !ok {
		t.Fatal("acquire after expiry should succeed")
	}

	if err := store.Release(ctx, "plan-1", "pipeline-7"); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	lease, err := store.Holder(ctx, "plan-1")
	if err != nil {
		t.Fatalf("holder: %v", err)
	}
	if lease == nil || lease.Owner != "therapist-2" {
		t.Fatalf("stale release must not drop the new lease, got %+v", lease)
	}
}

func TestMemoryStoreMatchesSemantics(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := store.Acquire(ctx, "plan-1", "a", "r", time.Minute); !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := store.Acquire(ctx, "plan-1", "b", "r", time.Minute); ok {
		t.Fatal("second acquire must fail")
	}
	if err := store.Release(ctx, "plan-1", "b"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if lease, _ := store.Holder(ctx, "plan-1"); lease == nil || lease.Owner != "a" {
		t.Fatalf("expected lease held by a, got %+v", lease)
	}
	if err := store.Release(ctx, "plan-1", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if lease, _ := store.Holder(ctx, "plan-1"); lease != nil {
		t.Fatalf("expected released, got %+v", lease)
	}
}
