package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
)

func sale(ref string) domain.SaleRecord {
	return domain.SaleRecord{
		ClientRef: ref,
		Items:     []domain.LineItem{{ProductID: "prd-socks-01", Quantity: 1, UnitPrice: decimal.NewFromInt(3)}},
		Total:     decimal.NewFromInt(3),
		Currency:  domain.CurrencyUSD,
	}
}

func TestInsertSaleIsIdempotentOnClientRef(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.InsertSale(ctx, sale("ref-1"))
	require.NoError(t, err)
	second, err := s.InsertSale(ctx, sale("ref-1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, s.Sales(), 1)
	assert.Equal(t, 2, s.InsertCalls())
}

func TestInsertSaleRejectsInvalid(t *testing.T) {
	s := New()
	_, err := s.InsertSale(context.Background(), domain.SaleRecord{ClientRef: "x"})
	assert.ErrorIs(t, err, store.ErrInvalidSale)
}

func TestCompareAndSwapStockHonoursVersion(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	p, err := s.GetProduct(ctx, "prd-socks-01")
	require.NoError(t, err)

	ok, err := s.CompareAndSwapStock(ctx, p.ProductID, p.Version, nil, p.Stock-1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwapStock(ctx, p.ProductID, p.Version, nil, p.Stock-2)
	require.NoError(t, err)
	assert.False(t, ok, "stale version must not write")

	after, err := s.GetProduct(ctx, p.ProductID)
	require.NoError(t, err)
	assert.Equal(t, p.Stock-1, after.Stock)
	assert.Equal(t, p.Version+1, after.Version)
}

func TestFailureInjection(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	boom := errors.New("boom")

	s.FailNext(OpGetProduct, boom)
	_, err := s.GetProduct(ctx, "prd-socks-01")
	assert.ErrorIs(t, err, boom)
	_, err = s.GetProduct(ctx, "prd-socks-01")
	assert.NoError(t, err)

	s.SetUnavailable(true)
	err = s.Ping(ctx)
	assert.True(t, store.IsUnavailable(err))
	s.SetUnavailable(false)
	assert.NoError(t, s.Ping(ctx))
}

func TestReturnedProductsAreCopies(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	p, err := s.FindProductByBarcode(ctx, "main-branch", "8991001000011")
	require.NoError(t, err)
	p.Variants[0].Quantity = 0

	again, err := s.GetProduct(ctx, p.ProductID)
	require.NoError(t, err)
	assert.Equal(t, 12, again.Variants[0].Quantity)
	assert.Equal(t, 30, again.Stock)

	list, err := s.ListProductsByBranch(ctx, "main-branch")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
