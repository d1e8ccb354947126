package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the production Store backend. It is the shared state that
// lets many gateway replicas agree on connection and message counters.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig configures the connection to the shared Redis instance.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore opens a connection to Redis. It does not block on a ping;
// callers that need a readiness check should call Ping separately.
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client}
}

// Ping verifies connectivity to Redis.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	return r.client.Decr(ctx, key).Result()
}

func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return ttl, nil
	}
	return ttl, nil
}

func (r *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, error) {
	v, err := r.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *RedisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return r.client.HIncrBy(ctx, key, field, delta).Result()
}

func (r *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *RedisStore) LPush(ctx context.Context, key string, values ...[]byte) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.client.LPush(ctx, key, args...).Err()
}

func (r *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.client.LTrim(ctx, key, start, stop).Err()
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// WatchAndUpdate wraps redis.Client.Watch + TxPipelined, translating a
// redis.TxFailedError (the key changed between read and write) into
// ErrWatchConflict so callers retry without depending on go-redis.
func (r *RedisStore) WatchAndUpdate(ctx context.Context, keys []string, fn func(tx Tx) error) error {
	err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
		tx := &redisTx{ctx: ctx, rtx: rtx}
		if err := fn(tx); err != nil {
			return err
		}
		return tx.flush()
	}, keys...)

	if errors.Is(err, redis.TxFailedError) {
		return ErrWatchConflict
	}
	return err
}

// redisTx buffers writes issued inside a WatchAndUpdate closure and
// applies them via a single TxPipelined call, matching redis's
// optimistic-concurrency contract (reads happen outside MULTI, writes
// happen inside it).
type redisTx struct {
	ctx context.Context
	rtx *redis.Tx
	ops []func(pipe redis.Pipeliner) error
}

func (t *redisTx) Get(key string) ([]byte, error) {
	v, err := t.rtx.Get(t.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (t *redisTx) Incr(key string) (int64, error) {
	return t.rtx.Incr(t.ctx, key).Result()
}

func (t *redisTx) Decr(key string) (int64, error) {
	return t.rtx.Decr(t.ctx, key).Result()
}

func (t *redisTx) Set(key string, value []byte, ttl time.Duration) error {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) error {
		return pipe.Set(t.ctx, key, value, ttl).Err()
	})
	return nil
}

func (t *redisTx) Expire(key string, ttl time.Duration) error {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) error {
		return pipe.Expire(t.ctx, key, ttl).Err()
	})
	return nil
}

func (t *redisTx) Delete(keys ...string) error {
	t.ops = append(t.ops, func(pipe redis.Pipeliner) error {
		return pipe.Del(t.ctx, keys...).Err()
	})
	return nil
}

func (t *redisTx) flush() error {
	if len(t.ops) == 0 {
		return nil
	}
	_, err := t.rtx.TxPipelined(t.ctx, func(pipe redis.Pipeliner) error {
		for _, op := range t.ops {
			if err := op(pipe); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}
