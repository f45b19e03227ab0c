package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kasirsync/terminal/internal/connectivity"
	"kasirsync/terminal/internal/domain"
	"kasirsync/terminal/internal/inventory"
	"kasirsync/terminal/internal/localstore"
	"kasirsync/terminal/internal/sales"
	"kasirsync/terminal/internal/store"
	"kasirsync/terminal/internal/store/memory"
	"kasirsync/terminal/internal/xid"
)

type harness struct {
	local    *localstore.Store
	remote   *memory.Store
	sw       *connectivity.Switch
	recorder *sales.Recorder
	engine   *Engine
}

func newHarness(t *testing.T, remote store.Remote, mem *memory.Store, opts ...Option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	local, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "terminal.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	sw := connectivity.NewSwitch(false)
	reconciler := inventory.NewReconciler(remote, local, sw, inventory.FirstVariant{}, inventory.CompareAndSwap{}, logger)
	return &harness{
		local:    local,
		remote:   mem,
		sw:       sw,
		recorder: sales.NewRecorder(remote, local, sw, logger, sales.WithDefaultBranch("main-branch")),
		engine:   NewEngine(local, remote, reconciler, sw, logger, opts...),
	}
}

func newMemoryHarness(t *testing.T, opts ...Option) *harness {
	mem := memory.NewSeeded()
	return newHarness(t, mem, mem, opts...)
}

func rates() domain.ExchangeRates {
	return domain.ExchangeRates{
		domain.CurrencyUSD: decimal.NewFromInt(1),
		domain.CurrencyEUR: decimal.RequireFromString("0.9137"),
		domain.CurrencyUZS: decimal.NewFromInt(12650),
	}
}

func shirtSale(qty int) domain.SaleInput {
	price := decimal.RequireFromString("10.00")
	total := price.Mul(decimal.NewFromInt(int64(qty)))
	return domain.SaleInput{
		Items: []domain.LineItem{
			{ProductID: "prd-tshirt-01", Name: "Basic T-Shirt", Quantity: qty, UnitPrice: price},
		},
		Total:    total,
		Currency: domain.CurrencyUSD,
		Payments: []domain.Payment{{Amount: total, Currency: domain.CurrencyUSD, Method: "cash"}},
		StaffID:  "staff-1",
	}
}

func (h *harness) recordOffline(t *testing.T, in domain.SaleInput) int64 {
	t.Helper()
	id, err := h.recorder.CreateSale(context.Background(), in, rates())
	require.NoError(t, err)
	localID, ok := xid.ParseOffline(id)
	require.True(t, ok, "expected an offline id, got %q", id)
	return localID
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.local.CountPending(context.Background())
	require.NoError(t, err)
	return n
}

func TestSyncOfflineIsNoop(t *testing.T) {
	h := newMemoryHarness(t)
	h.recordOffline(t, shirtSale(1))

	report := h.engine.SyncPendingSales(context.Background())
	assert.Zero(t, report.Attempted())
	assert.Equal(t, 1, h.pending(t))
	assert.Empty(t, h.remote.Sales())
}

func TestSyncTwoShirtsEndToEnd(t *testing.T) {
	h := newMemoryHarness(t)
	localID := h.recordOffline(t, shirtSale(2))

	h.sw.Set(true)
	report := h.engine.SyncPendingSales(context.Background())
	require.Equal(t, 1, report.Attempted())
	require.Equal(t, 1, report.Synced())

	remoteSales := h.remote.Sales()
	require.Len(t, remoteSales, 1)
	sale := remoteSales[0]
	assert.Equal(t, report.Results[0].RemoteID, sale.RemoteID)
	assert.True(t, sale.Total.Equal(decimal.RequireFromString("20.00")))
	assert.True(t, sale.Totals[domain.CurrencyUSD].Equal(decimal.RequireFromString("20.00")))
	assert.True(t, sale.Totals[domain.CurrencyEUR].Equal(decimal.RequireFromString("18.27")))
	assert.True(t, sale.Totals[domain.CurrencyUZS].Equal(decimal.NewFromInt(253000)))
	assert.False(t, sale.ServerCreatedAt.IsZero())
	assert.NotEmpty(t, sale.Date)
	assert.Nil(t, sale.Rates)

	shirt, err := h.remote.GetProduct(context.Background(), "prd-tshirt-01")
	require.NoError(t, err)
	assert.Equal(t, 28, shirt.Stock)
	assert.Equal(t, 10, shirt.Variants[0].Quantity)

	cached := h.local.GetProduct(context.Background(), "prd-tshirt-01")
	require.NotNil(t, cached)
	assert.Equal(t, 28, cached.Stock)

	local, err := h.local.GetSale(context.Background(), localID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusCompleted, local.SyncStatus)
	assert.True(t, local.Synced)
	assert.Equal(t, sale.RemoteID, local.RemoteID)
}

func TestSyncIsIdempotentOnceDrained(t *testing.T) {
	h := newMemoryHarness(t)
	h.recordOffline(t, shirtSale(1))
	h.recordOffline(t, shirtSale(1))

	h.sw.Set(true)
	first := h.engine.SyncPendingSales(context.Background())
	assert.Equal(t, 2, first.Synced())

	second := h.engine.SyncPendingSales(context.Background())
	assert.Zero(t, second.Attempted())
	assert.Len(t, h.remote.Sales(), 2)
	assert.Equal(t, 2, h.remote.InsertCalls())
}

func TestSyncContinuesPastFailedSale(t *testing.T) {
	h := newMemoryHarness(t)
	a := h.recordOffline(t, shirtSale(1))
	b := h.recordOffline(t, shirtSale(1))
	c := h.recordOffline(t, shirtSale(1))

	h.sw.Set(true)
	h.remote.FailNext(memory.OpInsertSale, nil, store.Unavailable(errors.New("connection reset")))
	report := h.engine.SyncPendingSales(context.Background())

	require.Equal(t, 3, report.Attempted())
	assert.Equal(t, 2, report.Synced())
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, a, report.Results[0].LocalID)
	assert.True(t, report.Results[0].OK())
	assert.Equal(t, b, report.Results[1].LocalID)
	assert.True(t, store.IsUnavailable(report.Results[1].Err))
	assert.Equal(t, c, report.Results[2].LocalID)
	assert.True(t, report.Results[2].OK())

	pending, err := h.local.QueryPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b, pending[0].LocalID)

	retry := h.engine.SyncPendingSales(context.Background())
	assert.Equal(t, 1, retry.Synced())
	assert.Zero(t, h.pending(t))
	assert.Len(t, h.remote.Sales(), 3)
}

func TestSyncServerTimestampsFollowQueueOrder(t *testing.T) {
	base := time.Date(2024, 7, 4, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	calls := 0
	// A clock that runs backwards on every read.
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return base.Add(-time.Duration(calls) * time.Second)
	}

	h := newMemoryHarness(t, WithClock(clock))
	for range 3 {
		h.recordOffline(t, shirtSale(1))
	}

	h.sw.Set(true)
	report := h.engine.SyncPendingSales(context.Background())
	require.Equal(t, 3, report.Synced())

	remoteSales := h.remote.Sales()
	require.Len(t, remoteSales, 3)
	a, b, c := remoteSales[0], remoteSales[1], remoteSales[2]
	assert.False(t, b.ServerCreatedAt.Before(a.ServerCreatedAt))
	assert.False(t, c.ServerCreatedAt.Before(b.ServerCreatedAt))
	assert.Equal(t, "2024-07-04", a.Date)
}

func TestSyncReplaysStockWithoutReinserting(t *testing.T) {
	h := newMemoryHarness(t)
	localID := h.recordOffline(t, shirtSale(2))

	h.sw.Set(true)
	h.remote.FailNext(memory.OpGetProduct, store.Unavailable(errors.New("i/o timeout")))
	report := h.engine.SyncPendingSales(context.Background())
	require.Equal(t, 1, report.Failed())
	remoteID := report.Results[0].RemoteID
	require.NotEmpty(t, remoteID)

	queued, err := h.local.GetSale(context.Background(), localID)
	require.NoError(t, err)
	assert.Equal(t, remoteID, queued.RemoteID)
	assert.Zero(t, queued.StockApplied)
	assert.Equal(t, domain.SyncStatusPending, queued.SyncStatus)

	report = h.engine.SyncPendingSales(context.Background())
	require.Equal(t, 1, report.Synced())
	assert.Equal(t, remoteID, report.Results[0].RemoteID)
	assert.Equal(t, 1, h.remote.InsertCalls())

	shirt, err := h.remote.GetProduct(context.Background(), "prd-tshirt-01")
	require.NoError(t, err)
	assert.Equal(t, 28, shirt.Stock, "stock deducted exactly once")
}

func TestSyncResolvesLandedWriteByClientRef(t *testing.T) {
	h := newMemoryHarness(t)
	localID := h.recordOffline(t, shirtSale(1))

	queued, err := h.local.GetSale(context.Background(), localID)
	require.NoError(t, err)
	// The write reached the backend but the device never learned the id.
	landedID, err := h.remote.InsertSale(context.Background(), queued.RemotePayload())
	require.NoError(t, err)

	h.sw.Set(true)
	report := h.engine.SyncPendingSales(context.Background())
	require.Equal(t, 1, report.Synced())
	assert.Equal(t, landedID, report.Results[0].RemoteID)
	assert.Len(t, h.remote.Sales(), 1)
}

type blockingRemote struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *blockingRemote) InsertSale(ctx context.Context, sale domain.SaleRecord) (string, error) {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	return r.Store.InsertSale(ctx, sale)
}

func TestConcurrentTriggersShareOneRun(t *testing.T) {
	mem := memory.NewSeeded()
	remote := &blockingRemote{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, remote, mem)
	h.recordOffline(t, shirtSale(1))
	h.sw.Set(true)

	var wg sync.WaitGroup
	reports := make([]Report, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0] = h.engine.SyncPendingSales(context.Background())
	}()
	<-remote.entered
	for i := 1; i < len(reports); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = h.engine.SyncPendingSales(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(remote.release)
	wg.Wait()

	assert.Equal(t, 1, mem.InsertCalls())
	assert.Len(t, mem.Sales(), 1)
	assert.Zero(t, h.pending(t))
	synced := 0
	for _, r := range reports {
		assert.LessOrEqual(t, r.Synced(), 1)
		synced += r.Synced()
	}
	assert.GreaterOrEqual(t, synced, 1)
}

func TestCancelledCallerDoesNotAbortSharedRun(t *testing.T) {
	mem := memory.NewSeeded()
	remote := &blockingRemote{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, remote, mem)
	h.recordOffline(t, shirtSale(2))
	h.sw.Set(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.engine.SyncPendingSales(ctx)
	}()
	<-remote.entered

	joined := make(chan Report, 1)
	go func() {
		joined <- h.engine.SyncPendingSales(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(remote.release)
	<-done

	report := <-joined
	assert.Equal(t, 1, report.Synced())
	assert.Zero(t, h.pending(t))
	shirt, err := mem.GetProduct(context.Background(), "prd-tshirt-01")
	require.NoError(t, err)
	assert.Equal(t, 28, shirt.Stock)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.SaleEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.SaleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func TestSyncPublishesSyncedEvents(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	h := newMemoryHarness(t, WithPublisher(pub))
	h.recordOffline(t, shirtSale(2))

	h.sw.Set(true)
	report := h.engine.SyncPendingSales(context.Background())
	require.Equal(t, 1, report.Synced(), "publish failures do not fail the sync")

	require.Len(t, pub.events, 1)
	event := pub.events[0]
	assert.Equal(t, domain.SaleEventSynced, event.EventType)
	assert.Equal(t, domain.OriginOffline, event.Origin)
	assert.Equal(t, report.Results[0].RemoteID, event.RemoteID)
	assert.Equal(t, "main-branch", event.BranchID)
}
