package kv

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store implementation. It backs unit tests
// and lets the gateway run standalone without a live Redis instance.
// Not shared across replicas -- see RedisStore for the production adapter.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]entry
	hashes  map[string]map[string]string
	lists   map[string][][]byte
	expires map[string]time.Time
}

type entry struct {
	value []byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]entry),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][][]byte),
		expires: make(map[string]time.Time),
	}
}

func (m *MemoryStore) expired(key string) bool {
	if t, ok := m.expires[key]; ok && time.Now().After(t) {
		delete(m.values, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.expires, key)
		return true
	}
	return false
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return nil, ErrNotFound
	}
	e, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = entry{value: value}
	m.setExpiryLocked(key, ttl)
	return nil
}

func (m *MemoryStore) setExpiryLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expires[key] = time.Now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
}

func (m *MemoryStore) incrBy(key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	var n int64
	if e, ok := m.values[key]; ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n += delta
	m.values[key] = entry{value: []byte(strconv.FormatInt(n, 10))}
	return n, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) { return m.incrBy(key, 1) }
func (m *MemoryStore) Decr(_ context.Context, key string) (int64, error) { return m.incrBy(key, -1) }

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setExpiryLocked(key, ttl)
	return nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired(key) {
		return 0, nil
	}
	t, ok := m.expires[key]
	if !ok {
		return -1, nil
	}
	remaining := time.Until(t)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	h, ok := m.hashes[key]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

func (m *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = string(value)
	return nil
}

func (m *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	var n int64
	if v, ok := h[field]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n += delta
	h[field] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) LPush(_ context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	list := m.lists[key]
	for _, v := range values {
		list = append([][]byte{v}, list...)
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, list[i])
	}
	return out, nil
}

func normalizeRange(start, stop, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

func (m *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired(key)
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil
	}
	start, stop = normalizeRange(start, stop, n)
	if start > stop {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = append([][]byte{}, list[start:stop+1]...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.expires, key)
	}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	for k := range m.values {
		if !m.expired(k) {
			seen[k] = struct{}{}
		}
	}
	for k := range m.hashes {
		seen[k] = struct{}{}
	}
	for k := range m.lists {
		seen[k] = struct{}{}
	}
	var out []string
	for k := range seen {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// WatchAndUpdate runs fn while holding the store's single mutex.
// MemoryStore is single-process, so there is no concurrent writer to
// race against; the transaction can never actually conflict, but the
// call shape matches RedisStore so callers are backend-agnostic.
func (m *MemoryStore) WatchAndUpdate(ctx context.Context, _ []string, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{store: m, ctx: ctx}
	return fn(tx)
}

type memoryTx struct {
	store *MemoryStore
	ctx   context.Context
}

// memoryTx methods assume the caller already holds store.mu (via
// WatchAndUpdate), so they operate on the maps directly rather than
// re-entering the exported, locking methods.

func (t *memoryTx) Get(key string) ([]byte, error) {
	t.store.expired(key)
	e, ok := t.store.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (t *memoryTx) Incr(key string) (int64, error) { return t.incrBy(key, 1) }
func (t *memoryTx) Decr(key string) (int64, error) { return t.incrBy(key, -1) }

func (t *memoryTx) incrBy(key string, delta int64) (int64, error) {
	t.store.expired(key)
	var n int64
	if e, ok := t.store.values[key]; ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n += delta
	t.store.values[key] = entry{value: []byte(strconv.FormatInt(n, 10))}
	return n, nil
}

func (t *memoryTx) Set(key string, value []byte, ttl time.Duration) error {
	t.store.values[key] = entry{value: value}
	t.store.setExpiryLocked(key, ttl)
	return nil
}

func (t *memoryTx) Expire(key string, ttl time.Duration) error {
	t.store.setExpiryLocked(key, ttl)
	return nil
}

func (t *memoryTx) Delete(keys ...string) error {
	for _, key := range keys {
		delete(t.store.values, key)
		delete(t.store.hashes, key)
		delete(t.store.lists, key)
		delete(t.store.expires, key)
	}
	return nil
}
