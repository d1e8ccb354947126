// Package ratelimit implements the spec's component B: multi-window
// message/connection accounting with exponential backoff, built on the
// kv.Store so limits are consistent across gateway replicas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/adred-codev/chat-gateway/internal/auth"
	"github.com/adred-codev/chat-gateway/internal/kv"
)

// windowTTL maps a window name to the TTL set on its counter key (spec
// §4.B: "set its corresponding TTL (1, 60, 3600, 86400 seconds)").
var windowTTL = map[string]time.Duration{
	WindowSecond: time.Second,
	WindowMinute: time.Minute,
	WindowHour:   time.Hour,
	WindowDay:    24 * time.Hour,
}

const (
	violationTTL = 600 * time.Second // spec §4.B: 10-minute TTL
)

// Config configures the rate limiter's connection cap, client classes, and
// backoff curve (spec §4.B, §6).
type Config struct {
	MaxConnectionsPerUser int
	Classes               map[auth.ClientClass]ClassCaps
	BackoffBase           time.Duration
	BackoffMax            time.Duration
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser: 5,
		Classes:               DefaultClasses(),
		BackoffBase:           2 * time.Second,
		BackoffMax:            300 * time.Second,
	}
}

// Limiter is the spec's RateLimiter (component B).
type Limiter struct {
	store  kv.Store
	config Config
}

// New creates a Limiter backed by store.
func New(store kv.Store, config Config) *Limiter {
	if config.MaxConnectionsPerUser <= 0 {
		config.MaxConnectionsPerUser = 5
	}
	if config.Classes == nil {
		config.Classes = DefaultClasses()
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 2 * time.Second
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 300 * time.Second
	}
	return &Limiter{store: store, config: config}
}

func tupleKey(userID, ip, clientID string) string {
	return fmt.Sprintf("ws:conn:%s:%s:%s", userID, ip, clientID)
}

func userCountKey(userID string) string {
	return fmt.Sprintf("ws:conn_count:%s", userID)
}

func msgKey(userID, ip, clientID, window string) string {
	return fmt.Sprintf("ws:msg:%s:%s:%s:%s", userID, ip, clientID, window)
}

func violationsKey(identity string) string {
	return fmt.Sprintf("ws:violations:%s", identity)
}

func backoffKey(identity string) string {
	return fmt.Sprintf("ws:backoff:%s", identity)
}

// Identity builds the (userId, ip, clientId) identity string used to key
// violation and backoff state.
func Identity(userID, ip, clientID string) string {
	return fmt.Sprintf("%s:%s:%s", userID, ip, clientID)
}

func readInt(ctx context.Context, store kv.Store, key string) (int64, error) {
	v, err := store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	_, err = fmt.Sscanf(string(v), "%d", &n)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// CheckConnectionLimit implements spec §4.B: deny if either the per-user
// aggregate or the per-tuple counter is already at its cap.
func (l *Limiter) CheckConnectionLimit(ctx context.Context, clientID, userID, ip string) (bool, string, error) {
	userCount, err := readInt(ctx, l.store, userCountKey(userID))
	if err != nil {
		return false, "", err
	}
	if userCount >= int64(l.config.MaxConnectionsPerUser) {
		return false, "Connection limit exceeded", nil
	}

	tupleCount, err := readInt(ctx, l.store, tupleKey(userID, ip, clientID))
	if err != nil {
		return false, "", err
	}
	if tupleCount >= int64(l.config.MaxConnectionsPerUser) {
		return false, "Connection limit exceeded", nil
	}
	return true, "", nil
}

// IncrementConnectionCount implements spec §4.B admission accounting.
func (l *Limiter) IncrementConnectionCount(ctx context.Context, clientID, userID, ip string) error {
	if _, err := l.store.Incr(ctx, userCountKey(userID)); err != nil {
		return err
	}
	if err := l.store.Expire(ctx, userCountKey(userID), 24*time.Hour); err != nil {
		return err
	}
	if _, err := l.store.Incr(ctx, tupleKey(userID, ip, clientID)); err != nil {
		return err
	}
	return l.store.Expire(ctx, tupleKey(userID, ip, clientID), 24*time.Hour)
}

// ReleaseConnection implements spec §4.B/§3: decrement both counters
// (clamped at zero) and delete the per-tuple counter. Idempotent: calling
// it twice for the same connection must not double-decrement, so the
// decrement happens inside a watched transaction that clamps at zero
// before the tuple key is deleted.
func (l *Limiter) ReleaseConnection(ctx context.Context, clientID, userID, ip string) error {
	uKey := userCountKey(userID)
	tKey := tupleKey(userID, ip, clientID)

	return kv.Retry(ctx, l.store, []string{uKey, tKey}, 5, func(tx kv.Tx) error {
		tupleCurrent, err := tx.Get(tKey)
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		if parseOrZero(tupleCurrent) == 0 {
			// Already released: idempotent no-op for both counters.
			return nil
		}

		current, err := tx.Get(uKey)
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return err
		}
		userCount := parseOrZero(current)
		if userCount > 0 {
			if err := tx.Set(uKey, []byte(fmt.Sprintf("%d", userCount-1)), 24*time.Hour); err != nil {
				return err
			}
		}
		return tx.Delete(tKey)
	})
}

func parseOrZero(b []byte) int64 {
	if b == nil {
		return 0
	}
	var n int64
	fmt.Sscanf(string(b), "%d", &n)
	return n
}

// CheckMessageLimit implements spec §4.B/§4.E/§7: system messages always
// pass; otherwise consult backoff first, then each window's cap, reporting
// the narrowest exceeded window. A fresh window exceedance triggers
// OnViolation itself, so the deny reason already carries the resulting
// wait hint rather than requiring a second round trip to discover it.
func (l *Limiter) CheckMessageLimit(ctx context.Context, clientID, userID, ip string, class auth.ClientClass, isSystem bool) (bool, string, error) {
	if isSystem {
		return true, "", nil
	}

	identity := Identity(userID, ip, clientID)
	remaining, err := l.store.TTL(ctx, backoffKey(identity))
	if err != nil {
		return false, "", err
	}
	if remaining > 0 {
		wait := int(math.Ceil(remaining.Seconds()))
		return false, fmt.Sprintf("Rate limit exceeded. Please wait %d seconds before retrying.", wait), nil
	}

	caps, ok := l.config.Classes[class]
	if !ok {
		caps = l.config.Classes[auth.ClassAuthenticated]
	}

	for _, window := range orderedWindows {
		count, err := readInt(ctx, l.store, msgKey(userID, ip, clientID, window))
		if err != nil {
			return false, "", err
		}
		if count >= caps.cap(window) {
			wait, err := l.OnViolation(ctx, identity)
			if err != nil {
				return false, "", err
			}
			return false, fmt.Sprintf("Rate limit exceeded for %s window. Please wait %d seconds before retrying.", window, int(math.Ceil(wait.Seconds()))), nil
		}
	}

	// Allow: reset the violation counter (spec §4.B).
	if err := l.store.Delete(ctx, violationsKey(identity)); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// IncrementMessageCount implements spec §4.B.
func (l *Limiter) IncrementMessageCount(ctx context.Context, clientID, userID, ip string) error {
	for window, ttl := range windowTTL {
		key := msgKey(userID, ip, clientID, window)
		if _, err := l.store.Incr(ctx, key); err != nil {
			return err
		}
		if err := l.store.Expire(ctx, key, ttl); err != nil {
			return err
		}
	}
	return nil
}

// OnViolation implements spec §4.B's backoff state machine:
// clean -> cooling(base) -> cooling(2*base) -> ... -> cooling(max) -> clean
// after 600s quiet.
func (l *Limiter) OnViolation(ctx context.Context, identity string) (time.Duration, error) {
	v, err := l.store.Incr(ctx, violationsKey(identity))
	if err != nil {
		return 0, err
	}
	if err := l.store.Expire(ctx, violationsKey(identity), violationTTL); err != nil {
		return 0, err
	}

	backoff := time.Duration(float64(l.config.BackoffBase) * math.Pow(2, float64(v-1)))
	if backoff > l.config.BackoffMax {
		backoff = l.config.BackoffMax
	}

	if err := l.store.Set(ctx, backoffKey(identity), []byte("1"), backoff); err != nil {
		return 0, err
	}
	return backoff, nil
}
