// Package cooldown rate limits commands per key. The memory store serves a single
// process; the Redis store shares cooldowns between replicas.
package cooldown

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"warden/internal/clock"

	"github.com/redis/go-redis/v9"
)

type Store interface {
	// Acquire starts a cooldown for key unless one is running, in which case it
	// reports how long is left.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error)
}

func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

const sweepEvery = time.Minute

type MemoryStore struct {
	mu        sync.Mutex
	clock     clock.Clock
	expiries  map[string]time.Time
	lastSweep time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: clock.Real(), expiries: make(map[string]time.Time)}
}

func (m *MemoryStore) WithClock(c clock.Clock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = c
}

func (m *MemoryStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.sweepLocked(now)

	if expiry, ok := m.expiries[key]; ok && now.Before(expiry) {
		return false, expiry.Sub(now), nil
	}
	m.expiries[key] = now.Add(ttl)
	return true, 0, nil
}

// Len counts tracked keys, expired ones included until the next sweep.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expiries)
}

func (m *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < sweepEvery {
		return
	}
	m.lastSweep = now
	for key, expiry := range m.expiries {
		if !now.Before(expiry) {
			delete(m.expiries, key)
		}
	}
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "warden:cooldown:"}
}

func (r *RedisStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error) {
	full := r.prefix + key
	ok, err := r.client.SetNX(ctx, full, 1, ttl).Result()
	if err != nil {
		return false, 0, err
	}
	if ok {
		return true, 0, nil
	}
	remaining, err := r.client.PTTL(ctx, full).Result()
	if err != nil {
		return false, 0, err
	}
	// -1 (no expiry) and -2 (gone since SETNX) carry no useful wait
	if remaining < 0 {
		remaining = 0
	}
	return false, remaining, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
