// Package cache stores finished optimisation results keyed by a digest of the
// request so identical requests are answered without re-solving.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// Key is the hex SHA-256 of v's JSON encoding. encoding/json emits struct
// fields in declaration order and map keys sorted, so equal values hash equal.
func Key(prefix string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	sum := sha256.Sum256(b)
	return prefix + hex.EncodeToString(sum[:]), nil
}

// Memory is a bounded TTL cache. When full, the entry closest to expiry is
// evicted.
type Memory struct {
	mu      sync.Mutex
	max     int
	entries map[string]entry
	now     func() time.Time
}

type entry struct {
	val     []byte
	expires time.Time
}

func NewMemory(max int) *Memory {
	if max <= 0 {
		max = 256
	}
	return &Memory{max: max, entries: map[string]entry{}, now: time.Now}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok && len(m.entries) >= m.max {
		m.evictLocked()
	}
	e := entry{val: append([]byte(nil), val...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) evictLocked() {
	var victim string
	var soonest time.Time
	found := false
	for k, e := range m.entries {
		switch {
		case !found:
		case e.expires.IsZero():
			continue
		case soonest.IsZero() || e.expires.Before(soonest):
		default:
			continue
		}
		victim, soonest, found = k, e.expires, true
	}
	delete(m.entries, victim)
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Redis stores entries in Redis with native expiry.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Redis{rdb: redis.NewClient(opt)}, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, val, ttl).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
