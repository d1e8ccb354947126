// Package kv defines the narrow key-value contract the gateway needs from
// its shared state backend, per the spec's component A. Production traffic
// is served by RedisStore; tests and standalone runs use MemoryStore. Both
// satisfy Store, so the rest of the gateway never imports go-redis
// directly.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrWatchConflict is returned by WatchAndUpdate when an
// optimistic transaction loses a race on a watched key. Callers re-read
// state and retry.
var ErrWatchConflict = errors.New("kv: watch conflict, retry")

// ErrNotFound is returned by Get/HGet when the key or field does not exist.
var ErrNotFound = errors.New("kv: not found")

// Store is the adapter surface the rest of the gateway depends on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	HGet(ctx context.Context, key, field string) ([]byte, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	LPush(ctx context.Context, key string, values ...[]byte) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// WatchAndUpdate runs fn as an optimistic transaction over keys. If any
	// watched key changes between the read and the write, fn's effects are
	// discarded and ErrWatchConflict is returned so the caller can retry.
	WatchAndUpdate(ctx context.Context, keys []string, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside a WatchAndUpdate closure.
type Tx interface {
	Get(key string) ([]byte, error)
	Incr(key string) (int64, error)
	Decr(key string) (int64, error)
	Set(key string, value []byte, ttl time.Duration) error
	Expire(key string, ttl time.Duration) error
	Delete(keys ...string) error
}

// Retry runs fn through WatchAndUpdate, retrying on ErrWatchConflict up to
// attempts times. Grounded on the spec's note that "the rate-limiter's
// decrement-and-release path must tolerate the conflict".
func Retry(ctx context.Context, store Store, keys []string, attempts int, fn func(tx Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = store.WatchAndUpdate(ctx, keys, fn)
		if !errors.Is(err, ErrWatchConflict) {
			return err
		}
	}
	return err
}
