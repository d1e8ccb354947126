package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/chat-gateway/internal/auth"
	"github.com/adred-codev/chat-gateway/internal/kv"
)

func newTestLimiter() *Limiter {
	store := kv.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MaxConnectionsPerUser = 2
	return New(store, cfg)
}

func TestCheckConnectionLimit(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter()

	for i := 0; i < 2; i++ {
		ok, reason, err := l.CheckConnectionLimit(ctx, "client1", "user1", "1.2.3.4")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("expected allow, got denied: %s", reason)
		}
		if err := l.IncrementConnectionCount(ctx, "client1", "user1", "1.2.3.4"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	ok, reason, err := l.CheckConnectionLimit(ctx, "client1", "user1", "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected deny after hitting cap, got allow")
	}
	if reason != "Connection limit exceeded" {
		t.Fatalf("unexpected reason: %q", reason)
	}
}

func TestReleaseConnectionIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter()

	if err := l.IncrementConnectionCount(ctx, "client1", "user1", "1.2.3.4"); err != nil {
		t.Fatalf("increment: %v", err)
	}

	if err := l.ReleaseConnection(ctx, "client1", "user1", "1.2.3.4"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Second release must be a no-op, not an error or double decrement.
	if err := l.ReleaseConnection(ctx, "client1", "user1", "1.2.3.4"); err != nil {
		t.Fatalf("second release: %v", err)
	}

	ok, _, err := l.CheckConnectionLimit(ctx, "client1", "user1", "1.2.3.4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected allow after release")
	}
}

func TestCheckMessageLimitPerSecondCap(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter()
	l.config.Classes[auth.ClassAuthenticated] = ClassCaps{PerSecond: 2, PerMinute: 100, PerHour: 1000, PerDay: 10000}

	for i := 0; i < 2; i++ {
		ok, _, err := l.CheckMessageLimit(ctx, "client1", "user1", "1.2.3.4", auth.ClassAuthenticated, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("expected allow at message %d", i)
		}
		if err := l.IncrementMessageCount(ctx, "client1", "user1", "1.2.3.4"); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	ok, reason, err := l.CheckMessageLimit(ctx, "client1", "user1", "1.2.3.4", auth.ClassAuthenticated, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected deny at cap")
	}
	if reason == "" {
		t.Fatalf("expected a reason string")
	}
}

func TestCheckMessageLimitSystemBypass(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter()
	l.config.Classes[auth.ClassAuthenticated] = ClassCaps{PerSecond: 0, PerMinute: 0, PerHour: 0, PerDay: 0}

	ok, _, err := l.CheckMessageLimit(ctx, "client1", "user1", "1.2.3.4", auth.ClassAuthenticated, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected system messages to bypass limits")
	}
}

func TestOnViolationBackoffGrowsAndCaps(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter()
	l.config.BackoffBase = 2 * time.Second
	l.config.BackoffMax = 8 * time.Second
	identity := Identity("user1", "1.2.3.4", "client1")

	first, err := l.OnViolation(ctx, identity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 2*time.Second {
		t.Fatalf("expected first backoff 2s, got %v", first)
	}

	second, err := l.OnViolation(ctx, identity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != 4*time.Second {
		t.Fatalf("expected second backoff 4s, got %v", second)
	}

	third, err := l.OnViolation(ctx, identity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third != 8*time.Second {
		t.Fatalf("expected third backoff capped at 8s, got %v", third)
	}

	fourth, err := l.OnViolation(ctx, identity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fourth != 8*time.Second {
		t.Fatalf("expected backoff to stay capped at 8s, got %v", fourth)
	}
}

func TestCheckMessageLimitRespectsActiveBackoff(t *testing.T) {
	ctx := context.Background()
	l := newTestLimiter()
	identity := Identity("user1", "1.2.3.4", "client1")

	if _, err := l.OnViolation(ctx, identity); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, reason, err := l.CheckMessageLimit(ctx, "client1", "user1", "1.2.3.4", auth.ClassAuthenticated, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected deny while backoff is active")
	}
	if reason == "" {
		t.Fatalf("expected a wait reason")
	}
}
