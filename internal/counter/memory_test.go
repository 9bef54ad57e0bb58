package counter

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreIncrAndGet(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	val, err := store.IncrBy(ctx, "k", 1, 0)
	if err != nil || val != 1 {
		t.Fatalf("expected 1, got %d (%v)", val, err)
	}
	val, err = store.IncrBy(ctx, "k", 5, 0)
	if err != nil || val != 6 {
		t.Fatalf("expected 6, got %d (%v)", val, err)
	}
	val, err = store.Get(ctx, "k")
	if err != nil || val != 6 {
		t.Fatalf("expected get 6, got %d (%v)", val, err)
	}
	val, err = store.Get(ctx, "absent")
	if err != nil || val != 0 {
		t.Fatalf("expected absent key to read 0, got %d (%v)", val, err)
	}
}

func TestMemoryStoreTTLWindowExpires(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	if _, err := store.IncrBy(ctx, "k", 3, 60*time.Second); err != nil {
		t.Fatalf("incr: %v", err)
	}

	now = now.Add(59 * time.Second)
	if val, _ := store.Get(ctx, "k"); val != 3 {
		t.Fatalf("expected 3 inside window, got %d", val)
	}

	now = now.Add(1 * time.Second)
	if val, _ := store.Get(ctx, "k"); val != 0 {
		t.Fatalf("expected 0 after window, got %d", val)
	}

	// A write after expiry starts a fresh window.
	if val, _ := store.IncrBy(ctx, "k", 1, 60*time.Second); val != 1 {
		t.Fatalf("expected fresh window to start at 1")
	}
}

func TestMemoryStoreDeleteAndKeys(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	_, _ = store.IncrBy(ctx, "rate:a", 1, 0)
	_, _ = store.IncrBy(ctx, "rate:b", 1, 0)
	_, _ = store.IncrBy(ctx, "quota:a", 1, 0)

	keys, err := store.Keys(ctx, "rate:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 rate keys, got %d", len(keys))
	}

	if err := store.Delete(ctx, "rate:a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if val, _ := store.Get(ctx, "rate:a"); val != 0 {
		t.Fatalf("expected deleted key to read 0, got %d", val)
	}
}
