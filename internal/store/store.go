package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"kasirsync/terminal/internal/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidSale      = errors.New("invalid sale")
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnavailable marks connectivity-class failures: the remote could not
	// be reached, so the caller may fall back to the offline queue and retry.
	ErrUnavailable = errors.New("remote store unavailable")
)

// Remote is the authoritative document store shared by every terminal.
type Remote interface {
	Ping(ctx context.Context) error

	// InsertSale stores the sale and returns its remote id. Inserting a sale
	// whose ClientRef already exists returns the existing id.
	InsertSale(ctx context.Context, sale domain.SaleRecord) (string, error)

	GetProduct(ctx context.Context, productID string) (*domain.ProductSnapshot, error)
	FindProductByBarcode(ctx context.Context, branchID string, barcode string) (*domain.ProductSnapshot, error)
	ListProductsByBranch(ctx context.Context, branchID string) ([]domain.ProductSnapshot, error)

	// UpdateProductStock overwrites stock and variants unconditionally.
	UpdateProductStock(ctx context.Context, productID string, variants []domain.Variant, stock int) error

	// CompareAndSwapStock writes stock and variants only if the stored
	// version still equals expectedVersion. It reports whether the write
	// happened; the version is incremented on success.
	CompareAndSwapStock(ctx context.Context, productID string, expectedVersion int64, variants []domain.Variant, stock int) (bool, error)

	Close() error
}

// IsUnavailable reports whether err is a connectivity-class failure.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Unavailable wraps err so that IsUnavailable reports true for it while the
// original cause stays inspectable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{cause: err}
}

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return ErrUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.cause}
}

// DefaultDate returns the business date used when a sale carries none.
func DefaultDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
