// Package sales records checkouts, writing them upstream when the backend
// is reachable and to the on-device queue otherwise.
package sales

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kasirsync/terminal/internal/connectivity"
	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/store"
	"kasirsync/terminal/internal/xid"
)

type Queue interface {
	SaveOfflineSale(ctx context.Context, sale domain.SaleRecord) (int64, error)
}

// Receipt describes where a recorded sale went.
type Receipt struct {
	ID      string
	Offline bool
	Sale    domain.SaleRecord
}

type Recorder struct {
	remote   store.Remote
	queue    Queue
	source   connectivity.Source
	branchID string
	now      func() time.Time
	logger   *zap.Logger
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithDefaultBranch sets the branch stamped on sales that carry none.
func WithDefaultBranch(branchID string) Option {
	return func(r *Recorder) { r.branchID = branchID }
}

func NewRecorder(remote store.Remote, queue Queue, source connectivity.Source, logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		remote: remote,
		queue:  queue,
		source: source,
		now:    time.Now,
		logger: logger.Named("sales"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSale records the sale and returns its remote id, or an
// "offline_<localID>" id when it was queued locally.
func (r *Recorder) CreateSale(ctx context.Context, input domain.SaleInput, rates domain.ExchangeRates) (string, error) {
	receipt, err := r.Record(ctx, input, rates)
	if err != nil {
		return "", err
	}
	return receipt.ID, nil
}

func (r *Recorder) Record(ctx context.Context, input domain.SaleInput, rates domain.ExchangeRates) (Receipt, error) {
	if err := validate(input); err != nil {
		return Receipt{}, err
	}

	now := r.now().UTC()
	sale := input.ToRecord(xid.ClientRef(), now)
	if sale.BranchID == "" {
		sale.BranchID = r.branchID
	}

	if !r.source.Online() {
		return r.saveOffline(ctx, sale, rates)
	}

	// Rates are required only here; queued sales convert at sync time.
	totals, err := rates.ConvertAll(sale.Total, sale.Currency)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", store.ErrInvalidSale, err)
	}
	sale.Totals = domain.RoundTotals(totals)
	sale.ServerCreatedAt = now
	if sale.Date == "" {
		sale.Date = store.DefaultDate(now)
	}

	remoteID, err := r.remote.InsertSale(ctx, sale.RemotePayload())
	if err != nil {
		if store.IsUnavailable(err) || !r.source.Online() {
			r.logger.Warn("online write failed, queueing sale locally", zap.String("client_ref", sale.ClientRef), zap.Error(err))
			// Same client ref: if the write landed after all, the replay
			// resolves to the existing remote sale.
			queued := input.ToRecord(sale.ClientRef, now)
			queued.BranchID = sale.BranchID
			return r.saveOffline(ctx, queued, rates)
		}
		return Receipt{}, err
	}

	sale.RemoteID = remoteID
	sale.SyncStatus = domain.SyncStatusCompleted
	sale.Synced = true
	sale.SyncedAt = &now
	return Receipt{ID: remoteID, Sale: sale}, nil
}

func (r *Recorder) saveOffline(ctx context.Context, sale domain.SaleRecord, rates domain.ExchangeRates) (Receipt, error) {
	sale.Rates = rates
	localID, err := r.queue.SaveOfflineSale(ctx, sale)
	if err != nil {
		return Receipt{}, fmt.Errorf("queue offline sale: %w", err)
	}
	sale.LocalID = localID
	sale.SyncStatus = domain.SyncStatusPending
	r.logger.Info("sale queued offline", zap.Int64("local_id", localID), zap.String("client_ref", sale.ClientRef))
	return Receipt{ID: xid.Offline(localID), Offline: true, Sale: sale}, nil
}

func validate(input domain.SaleInput) error {
	if len(input.Items) == 0 {
		return fmt.Errorf("%w: sale has no items", store.ErrInvalidSale)
	}
	for i, item := range input.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d has quantity %d", store.ErrInvalidSale, i, item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d has a negative price", store.ErrInvalidSale, i)
		}
	}
	if input.Total.IsNegative() {
		return fmt.Errorf("%w: negative total", store.ErrInvalidSale)
	}
	if !input.Currency.Supported() {
		return fmt.Errorf("%w: unsupported currency %q", store.ErrInvalidSale, input.Currency)
	}
	if input.Status != "" && input.Status != domain.SaleStatusCompleted && input.Status != domain.SaleStatusOrder {
		return fmt.Errorf("%w: unknown status %q", store.ErrInvalidSale, input.Status)
	}
	return nil
}
