package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kasirsync/terminal/internal/store"
	"kasirsync/terminal/internal/store/memory"
)

func TestBreakerOpensAfterConsecutiveConnectivityFailures(t *testing.T) {
	inner := memory.NewSeeded()
	r := Wrap(inner, Settings{MaxFailures: 2, OpenTimeout: time.Hour}, zaptest.NewLogger(t))
	ctx := context.Background()

	inner.SetUnavailable(true)
	for i := 0; i < 2; i++ {
		assert.True(t, store.IsUnavailable(r.Ping(ctx)))
	}
	assert.Equal(t, "open", r.State())

	inner.SetUnavailable(false)
	_, err := r.GetProduct(ctx, "prd-socks-01")
	assert.ErrorIs(t, err, store.ErrUnavailable, "open breaker short-circuits")
}

func TestBreakerIgnoresNonConnectivityErrors(t *testing.T) {
	inner := memory.NewSeeded()
	r := Wrap(inner, Settings{MaxFailures: 1, OpenTimeout: time.Hour}, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.GetProduct(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	assert.Equal(t, "closed", r.State())

	p, err := r.GetProduct(ctx, "prd-socks-01")
	require.NoError(t, err)
	ok, err := r.CompareAndSwapStock(ctx, p.ProductID, p.Version, nil, p.Stock-1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	inner := memory.NewSeeded()
	r := Wrap(inner, Settings{MaxFailures: 1, OpenTimeout: 20 * time.Millisecond}, zaptest.NewLogger(t))
	ctx := context.Background()

	inner.SetUnavailable(true)
	require.Error(t, r.Ping(ctx))
	inner.SetUnavailable(false)

	assert.Eventually(t, func() bool {
		return r.Ping(ctx) == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "closed", r.State())
}
