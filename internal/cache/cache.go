package cache

import (
	"context"
	"time"

	"kasirsync/terminal/internal/domain"
)

// ProductCache holds remote product snapshots keyed by branch and barcode.
type ProductCache interface {
	Get(ctx context.Context, branchID string, barcode string) (*domain.ProductSnapshot, bool, error)
	Set(ctx context.Context, value *domain.ProductSnapshot, ttl time.Duration) error
	Invalidate(ctx context.Context, branchID string, barcode string) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string, _ string) (*domain.ProductSnapshot, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ *domain.ProductSnapshot, _ time.Duration) error {
	return nil
}

func (NoopProductCache) Invalidate(_ context.Context, _ string, _ string) error {
	return nil
}

func productKey(branchID string, barcode string) string {
	return "kasirsync:product:" + branchID + ":" + barcode
}
