package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
)

// ErrConflict is returned when a compare-and-swap update keeps losing to
// concurrent writers.
var ErrConflict = errors.New("stock update conflict")

// Mutation computes the new variant breakdown and stock from the current
// remote snapshot.
type Mutation func(current domain.ProductSnapshot) ([]domain.Variant, int)

// Strategy writes a stock mutation to the remote store and returns the
// snapshot as written.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, remote store.Remote, productID string, mutate Mutation) (*domain.ProductSnapshot, error)
}

const (
	StrategyReadModifyWrite = "rmw"
	StrategyCompareAndSwap  = "cas"
	StrategyLocked          = "locked"
)

// Locker serializes stock writes for one product across terminals.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

func StrategyByName(name string, casAttempts int, locker Locker, logger *zap.Logger) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case StrategyReadModifyWrite:
		return ReadModifyWrite{}, nil
	case "", StrategyCompareAndSwap:
		return CompareAndSwap{MaxAttempts: casAttempts}, nil
	case StrategyLocked:
		if locker == nil {
			return nil, errors.New("locked stock strategy needs a lock backend")
		}
		return Locked{Locker: locker, Inner: CompareAndSwap{MaxAttempts: casAttempts}, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown stock strategy %q", name)
	}
}

// ReadModifyWrite reads, mutates and overwrites. Concurrent writers can
// lose each other's updates.
type ReadModifyWrite struct{}

func (ReadModifyWrite) Name() string { return StrategyReadModifyWrite }

func (ReadModifyWrite) Apply(ctx context.Context, remote store.Remote, productID string, mutate Mutation) (*domain.ProductSnapshot, error) {
	current, err := remote.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	variants, stock := mutate(*current)
	if err := remote.UpdateProductStock(ctx, productID, variants, stock); err != nil {
		return nil, err
	}
	return written(*current, variants, stock), nil
}

// CompareAndSwap writes only if the product version is unchanged since the
// read, re-reading and retrying up to MaxAttempts times.
type CompareAndSwap struct {
	MaxAttempts int
}

func (CompareAndSwap) Name() string { return StrategyCompareAndSwap }

func (c CompareAndSwap) Apply(ctx context.Context, remote store.Remote, productID string, mutate Mutation) (*domain.ProductSnapshot, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	for i := 0; i < attempts; i++ {
		current, err := remote.GetProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		variants, stock := mutate(*current)
		ok, err := remote.CompareAndSwapStock(ctx, productID, current.Version, variants, stock)
		if err != nil {
			return nil, err
		}
		if ok {
			return written(*current, variants, stock), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: product %s after %d attempts", ErrConflict, productID, attempts)
}

// Locked holds a distributed lock on the product while Inner runs. If the
// lock backend fails the write proceeds through Inner alone.
type Locked struct {
	Locker Locker
	Inner  Strategy
	Logger *zap.Logger
}

func (Locked) Name() string { return StrategyLocked }

func (l Locked) Apply(ctx context.Context, remote store.Remote, productID string, mutate Mutation) (*domain.ProductSnapshot, error) {
	unlock, err := l.Locker.Lock(ctx, "product:"+productID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if l.Logger != nil {
			l.Logger.Warn("stock lock unavailable, writing without it", zap.String("product_id", productID), zap.Error(err))
		}
		return l.Inner.Apply(ctx, remote, productID, mutate)
	}
	defer unlock()
	return l.Inner.Apply(ctx, remote, productID, mutate)
}

func written(current domain.ProductSnapshot, variants []domain.Variant, stock int) *domain.ProductSnapshot {
	out := current
	out.Variants = variants
	out.Stock = max(stock, 0)
	out.Version = current.Version + 1
	return &out
}
