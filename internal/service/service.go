// Package service is the terminal façade the HTTP layer talks to. It ties
// the recorder, stock reconciler, catalog and sync engine together.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/events"
	"kasirsync/terminal/internal/sales"
	"kasirsync/terminal/internal/store"
	"kasirsync/terminal/internal/syncer"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Ledger is the read side of the on-device sale queue. SaveOfflineSale
// persists RemoteID and StockApplied with the row.
type Ledger interface {
	SaveOfflineSale(ctx context.Context, sale domain.SaleRecord) (int64, error)
	QueryPending(ctx context.Context) ([]domain.SaleRecord, error)
	GetSale(ctx context.Context, localID int64) (*domain.SaleRecord, error)
	CountPending(ctx context.Context) (int, error)
}

type StockProcessor interface {
	ProcessOnline(ctx context.Context, items []domain.LineItem) (int, error)
}

type Catalog interface {
	Lookup(ctx context.Context, branchID string, barcode string) (*domain.ProductSnapshot, error)
	Refresh(ctx context.Context, branchID string) (int, error)
}

type Syncer interface {
	SyncPendingSales(ctx context.Context) syncer.Report
}

// Status reports the terminal's connectivity and sync activity.
type Status interface {
	Online() bool
	Syncing() bool
}

type Deps struct {
	TerminalID string
	BranchID   string
	Recorder   *sales.Recorder
	Stock      StockProcessor
	Catalog    Catalog
	Syncer     Syncer
	Ledger     Ledger
	Status     Status
	Publisher  events.Publisher
	Logger     *zap.Logger
	Now        func() time.Time
}

type Service struct {
	terminalID string
	branchID   string
	recorder   *sales.Recorder
	stock      StockProcessor
	catalog    Catalog
	syncer     Syncer
	ledger     Ledger
	status     Status
	publisher  events.Publisher
	logger     *zap.Logger
	now        func() time.Time
}

func New(deps Deps) *Service {
	s := &Service{
		terminalID: deps.TerminalID,
		branchID:   deps.BranchID,
		recorder:   deps.Recorder,
		stock:      deps.Stock,
		catalog:    deps.Catalog,
		syncer:     deps.Syncer,
		ledger:     deps.Ledger,
		status:     deps.Status,
		publisher:  deps.Publisher,
		logger:     deps.Logger,
		now:        deps.Now,
	}
	if s.branchID == "" {
		s.branchID = "main-branch"
	}
	if s.publisher == nil {
		s.publisher = events.Noop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("service")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Checkout records a sale and, when it reached the backend, deducts stock.
// A deduction cut short by a connectivity failure is queued so the sync
// engine finishes it later.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	in := req.Sale
	if in.BranchID == "" {
		in.BranchID = s.branchID
	}
	if actor, ok := ActorFromContext(ctx); ok && strings.TrimSpace(in.StaffID) == "" {
		in.StaffID = actor.Subject
	}

	receipt, err := s.recorder.Record(ctx, in, req.Rates)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	if receipt.Offline {
		return domain.CheckoutResponse{SaleID: receipt.ID, Offline: true, StockDeferred: true}, nil
	}

	// The sale is upstream now; deduct even if the source flipped since.
	resp := domain.CheckoutResponse{SaleID: receipt.ID}
	applied, err := s.stock.ProcessOnline(ctx, receipt.Sale.Items)
	resp.StockApplied = applied
	if err != nil {
		resp.StockDeferred = true
		s.deferStock(ctx, receipt.Sale, req.Rates, applied, err)
	}

	s.publish(ctx, receipt.Sale, domain.OriginOnline)
	return resp, nil
}

func (s *Service) deferStock(ctx context.Context, sale domain.SaleRecord, rates domain.ExchangeRates, applied int, cause error) {
	sale.Rates = rates
	sale.StockApplied = applied
	localID, err := s.ledger.SaveOfflineSale(ctx, sale)
	if err != nil {
		s.logger.Error("cannot queue deferred stock deduction",
			zap.String("remote_id", sale.RemoteID), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	s.logger.Warn("stock deduction deferred to next sync",
		zap.Int64("local_id", localID),
		zap.String("remote_id", sale.RemoteID),
		zap.Int("applied", applied),
		zap.NamedError("cause", cause))
}

func (s *Service) publish(ctx context.Context, sale domain.SaleRecord, origin string) {
	err := s.publisher.Publish(ctx, domain.SaleEvent{
		EventType:  domain.SaleEventRecorded,
		ClientRef:  sale.ClientRef,
		RemoteID:   sale.RemoteID,
		BranchID:   sale.BranchID,
		Total:      sale.Total,
		Currency:   sale.Currency,
		Origin:     origin,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publish sale event failed", zap.String("client_ref", sale.ClientRef), zap.Error(err))
	}
}

func (s *Service) Status(ctx context.Context) (domain.StatusResponse, error) {
	pending, err := s.ledger.CountPending(ctx)
	if err != nil {
		return domain.StatusResponse{}, err
	}
	return domain.StatusResponse{
		TerminalID:   s.terminalID,
		BranchID:     s.branchID,
		Online:       s.status.Online(),
		Syncing:      s.status.Syncing(),
		PendingSales: pending,
	}, nil
}

func (s *Service) PendingSales(ctx context.Context) ([]domain.SaleRecord, error) {
	return s.ledger.QueryPending(ctx)
}

func (s *Service) GetLocalSale(ctx context.Context, localID int64) (domain.SaleRecord, error) {
	if localID < 1 {
		return domain.SaleRecord{}, store.ErrNotFound
	}
	sale, err := s.ledger.GetSale(ctx, localID)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	return *sale, nil
}

// Sync replays the queue now instead of waiting for a connectivity change.
func (s *Service) Sync(ctx context.Context) domain.SyncResponse {
	report := s.syncer.SyncPendingSales(ctx)
	resp := domain.SyncResponse{
		Attempted: report.Attempted(),
		Synced:    report.Synced(),
		Failed:    report.Failed(),
		Results:   make([]domain.SyncResult, 0, len(report.Results)),
	}
	for _, res := range report.Results {
		out := domain.SyncResult{LocalID: res.LocalID, RemoteID: res.RemoteID, Status: "synced"}
		if res.Err != nil {
			out.Status = "pending"
			out.Reason = syncFailureReason(res.Err)
		}
		resp.Results = append(resp.Results, out)
	}
	return resp
}

func syncFailureReason(err error) string {
	switch {
	case store.IsUnavailable(err):
		return "backend unavailable"
	default:
		return "sync failed"
	}
}

func (s *Service) LookupProduct(ctx context.Context, branchID string, barcode string) (domain.ProductSnapshot, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.ProductSnapshot{}, fmt.Errorf("%w: barcode required", store.ErrInvalidSale)
	}
	if branchID == "" {
		branchID = s.branchID
	}
	p, err := s.catalog.Lookup(ctx, branchID, barcode)
	if err != nil {
		return domain.ProductSnapshot{}, err
	}
	return *p, nil
}

// RefreshInventory reloads the branch's product snapshots from the backend.
// Admin only.
func (s *Service) RefreshInventory(ctx context.Context, branchID string) (int, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return 0, fmt.Errorf("%w: admin role required", store.ErrPermissionDenied)
	}
	if branchID == "" {
		branchID = s.branchID
	}
	n, err := s.catalog.Refresh(ctx, branchID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("inventory refreshed", zap.String("branch_id", branchID), zap.Int("products", n), zap.String("by", actor.Subject))
	return n, nil
}
