package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreIncrDecr(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	n, err := store.Incr(ctx, "counter")
	if err != nil || n != 1 {
		t.Fatalf("Incr() = %d, %v; want 1, nil", n, err)
	}
	n, err = store.Incr(ctx, "counter")
	if err != nil || n != 2 {
		t.Fatalf("Incr() = %d, %v; want 2, nil", n, err)
	}
	n, err = store.Decr(ctx, "counter")
	if err != nil || n != 1 {
		t.Fatalf("Decr() = %d, %v; want 1, nil", n, err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := store.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("Get() after expiry = %v; want ErrNotFound", err)
	}
}

func TestMemoryStoreListRing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.LPush(ctx, "history", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("LPush: %v", err)
		}
	}
	if err := store.LTrim(ctx, "history", 0, 2); err != nil {
		t.Fatalf("LTrim: %v", err)
	}
	vals, err := store.LRange(ctx, "history", 0, -1)
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(vals) != 3 {
		t.Fatalf("len(vals) = %d; want 3", len(vals))
	}
}

func TestMemoryStoreWatchAndUpdate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.WatchAndUpdate(ctx, []string{"a", "b"}, func(tx Tx) error {
		if _, err := tx.Incr("a"); err != nil {
			return err
		}
		if _, err := tx.Incr("b"); err != nil {
			return err
		}
		return tx.Delete("a")
	})
	if err != nil {
		t.Fatalf("WatchAndUpdate: %v", err)
	}

	if _, err := store.Get(ctx, "a"); err != ErrNotFound {
		t.Fatalf("Get(a) after delete = %v; want ErrNotFound", err)
	}
	b, err := store.Get(ctx, "b")
	if err != nil || string(b) != "1" {
		t.Fatalf("Get(b) = %q, %v; want \"1\", nil", b, err)
	}
}

func TestMemoryStoreKeysGlob(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, "ws:conn:u1:1.2.3.4:c1", []byte("1"), 0)
	_ = store.Set(ctx, "ws:conn:u2:1.2.3.4:c2", []byte("1"), 0)
	_ = store.Set(ctx, "ws:msg:u1:1.2.3.4:c1:second", []byte("1"), 0)

	keys, err := store.Keys(ctx, "ws:conn:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len(keys) = %d; want 2", len(keys))
	}
}
