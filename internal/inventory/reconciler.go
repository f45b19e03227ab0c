// Package inventory deducts sold quantities from shared remote stock and
// keeps the terminal's product snapshots close to the remote truth.
package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kasirsync/terminal/internal/cache"
	"kasirsync/terminal/internal/connectivity"
	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
)

// SnapshotWriter refreshes the on-device product copy.
type SnapshotWriter interface {
	UpsertProduct(ctx context.Context, p domain.ProductSnapshot)
}

type Reconciler struct {
	remote   store.Remote
	local    SnapshotWriter
	source   connectivity.Source
	policy   Policy
	strategy Strategy
	cache    cache.ProductCache
	cacheTTL time.Duration
	logger   *zap.Logger
}

type ReconcilerOption func(*Reconciler)

func WithProductCache(c cache.ProductCache, ttl time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

func NewReconciler(remote store.Remote, local SnapshotWriter, source connectivity.Source, policy Policy, strategy Strategy, logger *zap.Logger, opts ...ReconcilerOption) *Reconciler {
	if policy == nil {
		policy = FirstVariant{}
	}
	if strategy == nil {
		strategy = CompareAndSwap{}
	}
	r := &Reconciler{
		remote:   remote,
		local:    local,
		source:   source,
		policy:   policy,
		strategy: strategy,
		cache:    cache.NoopProductCache{},
		logger:   logger.Named("inventory"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ProcessSale deducts stock for a sale when online. Offline it does nothing;
// the sync engine replays the deduction later.
func (r *Reconciler) ProcessSale(ctx context.Context, items []domain.LineItem) (int, error) {
	if !r.source.Online() {
		return 0, nil
	}
	return r.ProcessOnline(ctx, items)
}

// ProcessOnline deducts each item in order and returns how many leading
// items were handled. Items without a product, missing products and
// rejected writes are logged and count as handled. A connectivity failure
// stops processing and is returned with the count handled before it.
func (r *Reconciler) ProcessOnline(ctx context.Context, items []domain.LineItem) (int, error) {
	for i, item := range items {
		if err := r.deductItem(ctx, item); err != nil {
			if store.IsUnavailable(err) || ctx.Err() != nil {
				return i, err
			}
			r.logger.Warn("stock deduction skipped",
				zap.String("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity),
				zap.Error(err))
		}
	}
	return len(items), nil
}

func (r *Reconciler) deductItem(ctx context.Context, item domain.LineItem) error {
	if item.ProductID == "" {
		r.logger.Warn("line item without product reference", zap.String("name", item.Name))
		return nil
	}
	if item.Quantity <= 0 {
		return nil
	}

	updated, err := r.strategy.Apply(ctx, r.remote, item.ProductID, func(current domain.ProductSnapshot) ([]domain.Variant, int) {
		return r.policy.Deduct(current, item)
	})
	if err != nil {
		return err
	}

	r.local.UpsertProduct(ctx, *updated)
	if err := r.cache.Set(ctx, updated, r.cacheTTL); err != nil {
		r.logger.Debug("product cache refresh failed", zap.String("product_id", updated.ProductID), zap.Error(err))
	}
	return nil
}
