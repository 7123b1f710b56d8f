package cooldown

import (
	"context"
	"testing"
	"time"

	"warden/internal/clock"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "blacklist:g1:u1", Key("blacklist", "g1", "u1"))
}

func TestMemoryStoreCooldown(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := NewMemoryStore()
	store.WithClock(clk)
	ctx := context.Background()

	ok, remaining, err := store.Acquire(ctx, "k", 3*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, remaining)

	clk.Advance(time.Second)
	ok, remaining, err = store.Acquire(ctx, "k", 3*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2*time.Second, remaining)

	ok, _, err = store.Acquire(ctx, "other", 3*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	clk.Advance(2 * time.Second)
	ok, _, err = store.Acquire(ctx, "k", 3*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreSweepsExpiredKeys(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := NewMemoryStore()
	store.WithClock(clk)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		_, _, err := store.Acquire(ctx, key, time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.Len())

	clk.Advance(2 * time.Minute)
	_, _, err := store.Acquire(ctx, "d", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreCooldown(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	ok, _, err := store.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("warden:cooldown:k"))

	ok, remaining, err := store.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, remaining)

	mr.FastForward(30 * time.Second)
	ok, _, err = store.Acquire(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStoreMatchesMemorySemantics(t *testing.T) {
	redisStore, mr := newRedisStore(t)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	memory := NewMemoryStore()
	memory.WithClock(clk)
	ctx := context.Background()

	steps := []struct {
		advance time.Duration
		want    bool
	}{
		{0, true},
		{time.Second, false},
		{4 * time.Second, true},
		{0, false},
	}
	for i, step := range steps {
		clk.Advance(step.advance)
		mr.FastForward(step.advance)
		gotMemory, _, err := memory.Acquire(ctx, "k", 5*time.Second)
		require.NoError(t, err)
		gotRedis, _, err := redisStore.Acquire(ctx, "k", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, step.want, gotMemory, "memory step %d", i)
		assert.Equal(t, step.want, gotRedis, "redis step %d", i)
	}
}

func TestNewRedisStoreFailsWithoutServer(t *testing.T) {
	_, err := NewRedisStore("127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
