package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultSettle = 2 * time.Second

// SyncFunc replays queued sales. It must be safe to call concurrently.
type SyncFunc func(ctx context.Context)

// Monitor subscribes to a Source once and runs a sync each time the source
// has stayed online for the settle period.
type Monitor struct {
	source Source
	sync   SyncFunc
	settle time.Duration
	logger *zap.Logger

	initOnce sync.Once
	syncing  atomic.Int32
	wg       sync.WaitGroup

	mu          sync.Mutex
	ctx         context.Context
	unsubscribe func()
	timer       *time.Timer
	generation  uint64
	closed      bool
}

func NewMonitor(source Source, syncFn SyncFunc, settle time.Duration, logger *zap.Logger) *Monitor {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Monitor{
		source: source,
		sync:   syncFn,
		settle: settle,
		logger: logger.Named("connectivity"),
	}
}

// Init subscribes to the source and, when already online, starts one sync.
// Calls after the first are no-ops.
func (m *Monitor) Init(ctx context.Context) {
	m.initOnce.Do(func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.ctx = ctx
		m.unsubscribe = m.source.Subscribe(m.handle)
		m.mu.Unlock()

		if m.source.Online() {
			m.logger.Info("online at startup, syncing pending sales")
			m.startSync()
		}
	})
}

func (m *Monitor) Online() bool {
	return m.source.Online()
}

// Syncing reports whether a sync started by the monitor is in progress.
func (m *Monitor) Syncing() bool {
	return m.syncing.Load() > 0
}

func (m *Monitor) handle(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++

	if !online {
		m.logger.Info("connectivity lost, sales will be queued locally")
		return
	}

	gen := m.generation
	m.logger.Info("connectivity restored", zap.Duration("settle", m.settle))
	m.timer = time.AfterFunc(m.settle, func() { m.fire(gen) })
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if !m.source.Online() {
		return
	}
	m.startSync()
}

func (m *Monitor) startSync() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.syncing.Add(1)
		defer m.syncing.Add(-1)
		m.sync(ctx)
	}()
}

// Close unsubscribes, cancels a pending settle timer and waits for running
// syncs to return.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	unsubscribe := m.unsubscribe
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.wg.Wait()
}
