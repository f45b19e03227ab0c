package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
)

type Settings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// Remote short-circuits calls to the wrapped store after repeated
// connectivity failures. While open every call fails with
// store.ErrUnavailable without touching the network.
type Remote struct {
	inner store.Remote
	cb    *gobreaker.CircuitBreaker[any]
}

func Wrap(inner store.Remote, settings Settings, logger *zap.Logger) *Remote {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	log := logger.Named("breaker")

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "remote-store",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit state changed", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
		// Validation and not-found answers prove the remote is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || !store.IsUnavailable(err)
		},
	})
	return &Remote{inner: inner, cb: cb}
}

// State reports the breaker state name: closed, half-open or open.
func (r *Remote) State() string {
	return r.cb.State().String()
}

func execute[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, store.Unavailable(err)
		}
		return zero, err
	}
	return res.(T), nil
}

func (r *Remote) Ping(ctx context.Context) error {
	_, err := execute(r.cb, func() (struct{}, error) {
		return struct{}{}, r.inner.Ping(ctx)
	})
	return err
}

func (r *Remote) InsertSale(ctx context.Context, sale domain.SaleRecord) (string, error) {
	return execute(r.cb, func() (string, error) {
		return r.inner.InsertSale(ctx, sale)
	})
}

func (r *Remote) GetProduct(ctx context.Context, productID string) (*domain.ProductSnapshot, error) {
	return execute(r.cb, func() (*domain.ProductSnapshot, error) {
		return r.inner.GetProduct(ctx, productID)
	})
}

func (r *Remote) FindProductByBarcode(ctx context.Context, branchID string, barcode string) (*domain.ProductSnapshot, error) {
	return execute(r.cb, func() (*domain.ProductSnapshot, error) {
		return r.inner.FindProductByBarcode(ctx, branchID, barcode)
	})
}

func (r *Remote) ListProductsByBranch(ctx context.Context, branchID string) ([]domain.ProductSnapshot, error) {
	return execute(r.cb, func() ([]domain.ProductSnapshot, error) {
		return r.inner.ListProductsByBranch(ctx, branchID)
	})
}

func (r *Remote) UpdateProductStock(ctx context.Context, productID string, variants []domain.Variant, stock int) error {
	_, err := execute(r.cb, func() (struct{}, error) {
		return struct{}{}, r.inner.UpdateProductStock(ctx, productID, variants, stock)
	})
	return err
}

func (r *Remote) CompareAndSwapStock(ctx context.Context, productID string, expectedVersion int64, variants []domain.Variant, stock int) (bool, error) {
	return execute(r.cb, func() (bool, error) {
		return r.inner.CompareAndSwapStock(ctx, productID, expectedVersion, variants, stock)
	})
}

func (r *Remote) Close() error {
	return r.inner.Close()
}
