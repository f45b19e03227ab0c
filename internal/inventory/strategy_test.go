package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kasirsync/terminal/internal/cache"
	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
	"kasirsync/terminal/internal/store/memory"
)

func deductOne(current domain.ProductSnapshot) ([]domain.Variant, int) {
	return FirstVariant{}.Deduct(current, domain.LineItem{Quantity: 1})
}

func runConcurrently(t *testing.T, n int, s Strategy, remote store.Remote, productID string) {
	t.Helper()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(context.Background(), remote, productID, deductOne)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

// racingRemote lets a second writer sneak in between read and write.
type racingRemote struct {
	*memory.Store
	once sync.Once
}

func (r *racingRemote) GetProduct(ctx context.Context, productID string) (*domain.ProductSnapshot, error) {
	p, err := r.Store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	r.once.Do(func() {
		inner, _ := r.Store.GetProduct(ctx, productID)
		_ = r.Store.UpdateProductStock(ctx, productID, nil, inner.Stock-5)
	})
	return p, nil
}

func TestReadModifyWriteLosesConcurrentUpdate(t *testing.T) {
	remote := &racingRemote{Store: memory.NewSeeded()}
	ctx := context.Background()

	_, err := ReadModifyWrite{}.Apply(ctx, remote, "prd-socks-01", deductOne)
	require.NoError(t, err)

	p, err := remote.Store.GetProduct(ctx, "prd-socks-01")
	require.NoError(t, err)
	assert.Equal(t, 39, p.Stock, "the concurrent -5 is overwritten")
}

func TestCompareAndSwapRetriesOnConflict(t *testing.T) {
	remote := &racingRemote{Store: memory.NewSeeded()}
	ctx := context.Background()

	written, err := CompareAndSwap{MaxAttempts: 3}.Apply(ctx, remote, "prd-socks-01", deductOne)
	require.NoError(t, err)
	assert.Equal(t, 34, written.Stock)

	p, err := remote.Store.GetProduct(ctx, "prd-socks-01")
	require.NoError(t, err)
	assert.Equal(t, 34, p.Stock, "both deductions survive")
	assert.Equal(t, p.Version, written.Version)
}

func TestCompareAndSwapGivesUpAfterMaxAttempts(t *testing.T) {
	remote := memory.NewSeeded()
	ctx := context.Background()

	bump := func(current domain.ProductSnapshot) ([]domain.Variant, int) {
		remote.PutProduct(current)
		return current.Variants, current.Stock - 1
	}
	_, err := CompareAndSwap{MaxAttempts: 2}.Apply(ctx, remote, "prd-socks-01", bump)
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, store.IsUnavailable(err))
}

func TestCompareAndSwapConcurrentWritersLoseNothing(t *testing.T) {
	remote := memory.NewSeeded()
	runConcurrently(t, 20, CompareAndSwap{MaxAttempts: 50}, remote, "prd-socks-01")

	p, err := remote.GetProduct(context.Background(), "prd-socks-01")
	require.NoError(t, err)
	assert.Equal(t, 20, p.Stock)
}

func TestStrategyPropagatesUnavailable(t *testing.T) {
	remote := memory.NewSeeded()
	remote.FailNext(memory.OpCompareAndSwap, store.ErrUnavailable)

	_, err := CompareAndSwap{}.Apply(context.Background(), remote, "prd-socks-01", deductOne)
	assert.True(t, store.IsUnavailable(err))
}

func TestLockedSerializesWriters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	remote := memory.NewSeeded()
	locked := Locked{Locker: cache.NewRedisLocker(client, time.Second), Inner: ReadModifyWrite{}, Logger: zaptest.NewLogger(t)}
	runConcurrently(t, 10, locked, remote, "prd-socks-01")

	p, err := remote.GetProduct(context.Background(), "prd-socks-01")
	require.NoError(t, err)
	assert.Equal(t, 30, p.Stock, "read-modify-write under the lock loses nothing")
}

type brokenLocker struct{}

func (brokenLocker) Lock(context.Context, string) (func(), error) {
	return nil, errors.New("redis: connection refused")
}

func TestLockedFallsBackWhenLockBackendFails(t *testing.T) {
	remote := memory.NewSeeded()
	locked := Locked{Locker: brokenLocker{}, Inner: CompareAndSwap{}, Logger: zaptest.NewLogger(t)}

	written, err := locked.Apply(context.Background(), remote, "prd-socks-01", deductOne)
	require.NoError(t, err)
	assert.Equal(t, 39, written.Stock)
}

func TestStrategyByName(t *testing.T) {
	logger := zaptest.NewLogger(t)
	s, err := StrategyByName("", 3, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, StrategyCompareAndSwap, s.Name())

	s, err = StrategyByName("rmw", 3, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, StrategyReadModifyWrite, s.Name())

	_, err = StrategyByName("locked", 3, nil, logger)
	assert.Error(t, err)

	s, err = StrategyByName("locked", 3, brokenLocker{}, logger)
	require.NoError(t, err)
	assert.Equal(t, StrategyLocked, s.Name())

	_, err = StrategyByName("yolo", 3, nil, logger)
	assert.Error(t, err)
}
