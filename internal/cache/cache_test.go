package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/terminal/internal/domain"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *RedisProductCache, *RedisLocker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisProductCache(client), NewRedisLocker(client, time.Second)
}

func TestRedisProductCacheRoundTrip(t *testing.T) {
	mr, c, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, "main-branch", "111")
	require.NoError(t, err)
	assert.False(t, ok)

	p := &domain.ProductSnapshot{ProductID: "p-1", Barcode: "111", BranchID: "main-branch", Stock: 4, Version: 2}
	require.NoError(t, c.Set(ctx, p, time.Minute))

	got, ok, err := c.Get(ctx, "main-branch", "111")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, got.Stock)
	assert.Equal(t, int64(2), got.Version)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "main-branch", "111")
	require.NoError(t, err)
	assert.False(t, ok, "entry expires after ttl")

	require.NoError(t, c.Set(ctx, p, time.Minute))
	require.NoError(t, c.Invalidate(ctx, "main-branch", "111"))
	_, ok, _ = c.Get(ctx, "main-branch", "111")
	assert.False(t, ok)
}

func TestNoopProductCache(t *testing.T) {
	var c ProductCache = NoopProductCache{}
	_, ok, err := c.Get(context.Background(), "b", "x")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, c.Set(context.Background(), &domain.ProductSnapshot{}, time.Second))
	assert.NoError(t, c.Invalidate(context.Background(), "b", "x"))
}

func TestRedisLockerIsMutuallyExclusive(t *testing.T) {
	_, _, locker := newTestClient(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "product:p-1")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestRedisLockerHonoursContext(t *testing.T) {
	_, _, locker := newTestClient(t)

	unlock, err := locker.Lock(context.Background(), "product:p-2")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "product:p-2")
	assert.ErrorIs(t, err, ErrLockNotAcquired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
