package inventory

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"kasirsync/terminal/internal/cache"
	"kasirsync/terminal/internal/connectivity"
	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
)

// LocalInventory is the on-device product copy used while offline.
type LocalInventory interface {
	SnapshotWriter
	LookupByBarcode(ctx context.Context, branchID string, barcode string) *domain.ProductSnapshot
	ListBranchInventory(ctx context.Context, branchID string) []domain.ProductSnapshot
	ReplaceBranchInventory(ctx context.Context, branchID string, items []domain.ProductSnapshot)
}

// Catalog answers barcode lookups from the fastest source that is
// reachable: Redis, then the remote store, then the local snapshot.
type Catalog struct {
	remote   store.Remote
	local    LocalInventory
	source   connectivity.Source
	cache    cache.ProductCache
	cacheTTL time.Duration
	logger   *zap.Logger
}

func NewCatalog(remote store.Remote, local LocalInventory, source connectivity.Source, productCache cache.ProductCache, cacheTTL time.Duration, logger *zap.Logger) *Catalog {
	if productCache == nil {
		productCache = cache.NoopProductCache{}
	}
	return &Catalog{
		remote:   remote,
		local:    local,
		source:   source,
		cache:    productCache,
		cacheTTL: cacheTTL,
		logger:   logger.Named("catalog"),
	}
}

func (c *Catalog) Lookup(ctx context.Context, branchID string, barcode string) (*domain.ProductSnapshot, error) {
	if c.source.Online() {
		p, err := c.lookupOnline(ctx, branchID, barcode)
		if err == nil {
			return p, nil
		}
		if !store.IsUnavailable(err) {
			return nil, err
		}
		c.logger.Info("remote lookup unavailable, using local inventory", zap.String("barcode", barcode), zap.Error(err))
	}

	if p := c.local.LookupByBarcode(ctx, branchID, barcode); p != nil {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (c *Catalog) lookupOnline(ctx context.Context, branchID string, barcode string) (*domain.ProductSnapshot, error) {
	if p, ok, err := c.cache.Get(ctx, branchID, barcode); err != nil {
		c.logger.Debug("product cache read failed", zap.Error(err))
	} else if ok {
		return p, nil
	}

	p, err := c.remote.FindProductByBarcode(ctx, branchID, barcode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := c.cache.Set(ctx, p, c.cacheTTL); err != nil {
		c.logger.Debug("product cache write failed", zap.Error(err))
	}
	c.local.UpsertProduct(ctx, *p)
	return p, nil
}

// Refresh replaces the branch's local inventory with the remote listing and
// drops cached entries for barcodes the listing no longer has. The local
// copy is untouched when the remote read fails.
func (c *Catalog) Refresh(ctx context.Context, branchID string) (int, error) {
	products, err := c.remote.ListProductsByBranch(ctx, branchID)
	if err != nil {
		return 0, err
	}

	current := make(map[string]struct{}, len(products))
	for _, p := range products {
		current[p.Barcode] = struct{}{}
	}
	for _, old := range c.local.ListBranchInventory(ctx, branchID) {
		if _, ok := current[old.Barcode]; ok || old.Barcode == "" {
			continue
		}
		if err := c.cache.Invalidate(ctx, branchID, old.Barcode); err != nil {
			c.logger.Debug("product cache invalidate failed", zap.String("barcode", old.Barcode), zap.Error(err))
		}
	}
	c.local.ReplaceBranchInventory(ctx, branchID, products)
	c.logger.Info("branch inventory refreshed", zap.String("branch_id", branchID), zap.Int("products", len(products)))
	return len(products), nil
}
