package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // keep test keys off the default DB
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("redis not available, skipping redis store tests")
	}
	require.NoError(t, client.FlushDB(ctx).Err())

	store, err := NewRedisStore(&RedisConfig{
		ExistingClient: client,
		KeyPrefix:      "gwtest",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		client.Close()
	})
	return store
}

func TestRedisStore_SlideAdmitsUpToLimit(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		res, err := store.Slide(ctx, "rl:client:ep", testArgs(now+int64(i), 5))
		require.NoError(t, err)
		assert.True(t, res.Admitted, "request %d", i+1)
		assert.Equal(t, i+1, res.Count)
	}

	res, err := store.Slide(ctx, "rl:client:ep", testArgs(now+10, 5))
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, DenialCapacity, res.Denial)
	assert.Equal(t, now, res.OldestMs)
}

func TestRedisStore_PerSecondSignal(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	args := testArgs(now, 1000)
	args.PerSecondLimit = 10

	for i := 0; i < 10; i++ {
		res, err := store.Slide(ctx, "rl:k", args)
		require.NoError(t, err)
		require.True(t, res.Admitted)
	}

	res, err := store.Slide(ctx, "rl:k", args)
	require.NoError(t, err)
	assert.False(t, res.Admitted)
	assert.Equal(t, DenialPerSecond, res.Denial)
}

func TestRedisStore_PatternCounters(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	count, err := store.PatternCount(ctx, "pattern:k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	for i := int64(1); i <= 3; i++ {
		n, err := store.IncrPattern(ctx, "pattern:k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	require.NoError(t, store.ResetPattern(ctx, "pattern:k"))
	count, err = store.PatternCount(ctx, "pattern:k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRedisStore_GetRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	windowMs := (15 * time.Minute).Milliseconds()

	rec, err := store.Get(ctx, "rl:absent", now, windowMs)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = store.Slide(ctx, "rl:k", testArgs(now, 5))
	require.NoError(t, err)

	rec, err = store.Get(ctx, "rl:k", now, windowMs)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, rec.Timestamps, 1)
	assert.Equal(t, int64(1), rec.TotalRequests)
}

func TestRedisStore_FromURLKeepsClientOptions(t *testing.T) {
	ping := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := ping.Ping(ctx).Err()
	ping.Close()
	if err != nil {
		t.Skip("redis not available, skipping redis store tests")
	}

	store, err := NewRedisStoreFromURL("redis://localhost:6379/1?pool_size=7&dial_timeout=2s", "gwtest")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client, ok := store.client.(*redis.Client)
	require.True(t, ok)
	assert.Equal(t, 7, client.Options().PoolSize)
	assert.Equal(t, 2*time.Second, client.Options().DialTimeout)
	assert.Equal(t, 1, client.Options().DB)
}

func TestRedisStore_CloseDuringTraffic(t *testing.T) {
	store := newTestRedisStore(t)
	args := testArgs(time.Now().UnixMilli(), 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Slide(context.Background(), "rl:shutdown", args); err != nil {
				assert.ErrorIs(t, err, ErrStoreNotReady)
			}
		}()
	}

	require.NoError(t, store.Close())
	wg.Wait()

	_, err := store.Slide(context.Background(), "rl:shutdown", args)
	assert.ErrorIs(t, err, ErrStoreNotReady)
}
