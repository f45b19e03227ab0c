// Package syncer replays sales queued on the device to the remote store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"kasirsync/terminal/internal/connectivity"
	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/events"
	"kasirsync/terminal/internal/localstore"
	"kasirsync/terminal/internal/store"
)

type Queue interface {
	QueryPending(ctx context.Context) ([]domain.SaleRecord, error)
	RecordProgress(ctx context.Context, localID int64, remoteID string, stockApplied int) error
	MarkSynced(ctx context.Context, localID int64, remoteID string) error
}

// StockReplayer deducts stock for line items and reports how many leading
// items it handled.
type StockReplayer interface {
	ProcessOnline(ctx context.Context, items []domain.LineItem) (int, error)
}

// Result is the outcome of replaying one queued sale.
type Result struct {
	LocalID  int64
	RemoteID string
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }

type Report struct {
	Results []Result
}

func (r Report) Attempted() int { return len(r.Results) }

func (r Report) Synced() int {
	n := 0
	for _, res := range r.Results {
		if res.OK() {
			n++
		}
	}
	return n
}

func (r Report) Failed() int { return r.Attempted() - r.Synced() }

type Engine struct {
	queue     Queue
	remote    store.Remote
	stock     StockReplayer
	source    connectivity.Source
	publisher events.Publisher
	now       func() time.Time
	logger    *zap.Logger

	group singleflight.Group

	runMu     sync.Mutex
	lastStamp time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func NewEngine(queue Queue, remote store.Remote, stock StockReplayer, source connectivity.Source, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		queue:     queue,
		remote:    remote,
		stock:     stock,
		source:    source,
		publisher: events.Noop{},
		now:       time.Now,
		logger:    logger.Named("syncer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncPendingSales replays every queued sale, oldest first. Concurrent
// calls share one run and receive the same report. The run ignores the
// caller's cancellation since other callers may be waiting on it.
func (e *Engine) SyncPendingSales(ctx context.Context) Report {
	runCtx := context.WithoutCancel(ctx)
	v, _, _ := e.group.Do("sync", func() (any, error) {
		return e.run(runCtx), nil
	})
	return v.(Report)
}

func (e *Engine) run(ctx context.Context) Report {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if !e.source.Online() {
		return Report{}
	}

	pending, err := e.queue.QueryPending(ctx)
	if err != nil {
		e.logger.Error("read pending sales failed", zap.Error(err))
		return Report{}
	}
	if len(pending) == 0 {
		return Report{}
	}

	e.logger.Info("syncing pending sales", zap.Int("count", len(pending)))
	report := Report{Results: make([]Result, 0, len(pending))}
	for _, sale := range pending {
		res := e.syncOne(ctx, sale)
		if res.Err != nil {
			e.logger.Warn("sale sync failed, will retry",
				zap.Int64("local_id", res.LocalID),
				zap.String("remote_id", res.RemoteID),
				zap.Error(res.Err))
		}
		report.Results = append(report.Results, res)
	}
	e.logger.Info("sync finished",
		zap.Int("attempted", report.Attempted()),
		zap.Int("synced", report.Synced()),
		zap.Int("failed", report.Failed()))
	return report
}

func (e *Engine) syncOne(ctx context.Context, sale domain.SaleRecord) Result {
	res := Result{LocalID: sale.LocalID, RemoteID: sale.RemoteID}

	if res.RemoteID == "" {
		remoteID, err := e.remote.InsertSale(ctx, e.prepare(sale))
		if err != nil {
			res.Err = fmt.Errorf("insert sale: %w", err)
			return res
		}
		res.RemoteID = remoteID
		e.recordProgress(ctx, sale.LocalID, remoteID, sale.StockApplied)
	}

	applied := sale.StockApplied
	if applied < len(sale.Items) {
		n, err := e.stock.ProcessOnline(ctx, sale.Items[applied:])
		applied += n
		if err != nil {
			e.recordProgress(ctx, sale.LocalID, res.RemoteID, applied)
			res.Err = fmt.Errorf("replay stock deduction: %w", err)
			return res
		}
	}

	if err := e.queue.MarkSynced(ctx, sale.LocalID, res.RemoteID); err != nil && !errors.Is(err, localstore.ErrNotPending) {
		e.recordProgress(ctx, sale.LocalID, res.RemoteID, applied)
		res.Err = fmt.Errorf("mark synced: %w", err)
		return res
	}

	e.publish(ctx, sale, res.RemoteID)
	return res
}

// prepare strips device-local fields and applies server-side enrichment.
func (e *Engine) prepare(sale domain.SaleRecord) domain.SaleRecord {
	payload := sale.RemotePayload()

	stamp := e.now().UTC()
	if stamp.Before(e.lastStamp) {
		stamp = e.lastStamp
	}
	e.lastStamp = stamp
	payload.ServerCreatedAt = stamp

	if payload.Date == "" {
		payload.Date = store.DefaultDate(stamp)
	}
	if len(payload.Totals) == 0 {
		totals, err := sale.Rates.ConvertAll(sale.Total, sale.Currency)
		if err != nil {
			e.logger.Warn("cannot derive totals for queued sale", zap.Int64("local_id", sale.LocalID), zap.Error(err))
		} else {
			payload.Totals = domain.RoundTotals(totals)
		}
	}
	return payload
}

func (e *Engine) recordProgress(ctx context.Context, localID int64, remoteID string, applied int) {
	if err := e.queue.RecordProgress(ctx, localID, remoteID, applied); err != nil {
		e.logger.Warn("record sync progress failed", zap.Int64("local_id", localID), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, sale domain.SaleRecord, remoteID string) {
	err := e.publisher.Publish(ctx, domain.SaleEvent{
		EventType:  domain.SaleEventSynced,
		ClientRef:  sale.ClientRef,
		RemoteID:   remoteID,
		BranchID:   sale.BranchID,
		Total:      sale.Total,
		Currency:   sale.Currency,
		Origin:     domain.OriginOffline,
		OccurredAt: e.now().UTC(),
	})
	if err != nil {
		e.logger.Warn("publish sale event failed", zap.String("client_ref", sale.ClientRef), zap.Error(err))
	}
}
