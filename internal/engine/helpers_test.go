package engine

import (
	"context"
	"sync"
	"time"

	"tradewatch/internal/errors"
	"tradewatch/internal/models"
	"tradewatch/internal/pricecache"
	"tradewatch/internal/resilience"
	"tradewatch/internal/store"
	"tradewatch/pkg/utils"

	"github.com/rs/zerolog"
)

// memStore is an in-memory PlanStore for engine tests.
type memStore struct {
	mu    sync.Mutex
	plans map[string]models.TradePlan
}

func newMemStore() *memStore {
	return &memStore{plans: make(map[string]models.TradePlan)}
}

func (m *memStore) Add(_ context.Context, plan *models.TradePlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[plan.ID]; ok {
		return errors.ErrDuplicatePlan
	}
	m.plans[plan.ID] = *plan
	return nil
}

func (m *memStore) Get(_ context.Context, planID string) (*models.TradePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[planID]
	if !ok {
		return nil, errors.ErrPlanNotFound
	}
	cp := plan
	return &cp, nil
}

func (m *memStore) UpdateStatus(plan *models.TradePlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = *plan
}

func (m *memStore) Cancel(ctx context.Context, planID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[planID]
	if !ok {
		return errors.ErrPlanNotFound
	}
	if plan.Status.IsTerminal() {
		return errors.ErrPlanTerminal
	}
	plan.Status = models.PlanCancelled
	plan.CancelReason = reason
	m.plans[planID] = plan
	return nil
}

func (m *memStore) LoadActive(_ context.Context) ([]models.TradePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []models.TradePlan
	for _, plan := range m.plans {
		if plan.Status.IsActive() {
			active = append(active, plan)
		}
	}
	return active, nil
}

func (m *memStore) List(_ context.Context, filter store.PlanFilter) ([]models.TradePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var plans []models.TradePlan
	for _, plan := range m.plans {
		if filter.Status != "" && plan.Status != filter.Status {
			continue
		}
		if filter.Symbol != "" && plan.Symbol != filter.Symbol {
			continue
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (m *memStore) Flush(context.Context) error { return nil }
func (m *memStore) Close() error                { return nil }

func (m *memStore) stored(planID string) (models.TradePlan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[planID]
	return plan, ok
}

// stubProvider serves canned quotes and snapshots with optional failure
// and latency injection.
type stubProvider struct {
	mu        sync.Mutex
	prices    map[string]float64
	snapshots map[string]*models.Snapshot
	failSnap  map[string]bool
	snapDelay time.Duration
	snapCalls int
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		prices:    make(map[string]float64),
		snapshots: make(map[string]*models.Snapshot),
		failSnap:  make(map[string]bool),
	}
}

func (p *stubProvider) setPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *stubProvider) setSnapshot(snap *models.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[snap.Symbol] = snap
}

func (p *stubProvider) failSnapshots(symbol string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSnap[symbol] = fail
}

func (p *stubProvider) setSnapshotDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapDelay = d
}

func (p *stubProvider) snapshotCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapCalls
}

func (p *stubProvider) GetQuote(_ context.Context, symbol string) (*models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return nil, errors.ErrQuoteUnavailable
	}
	return &models.Quote{Symbol: symbol, Bid: price, Ask: price, Timestamp: time.Now()}, nil
}

func (p *stubProvider) GetQuotes(ctx context.Context, symbols []string) (map[string]*models.Quote, error) {
	quotes := make(map[string]*models.Quote, len(symbols))
	for _, symbol := range symbols {
		if quote, err := p.GetQuote(ctx, symbol); err == nil {
			quotes[symbol] = quote
		}
	}
	return quotes, nil
}

func (p *stubProvider) GetSnapshot(ctx context.Context, symbol string) (*models.Snapshot, error) {
	p.mu.Lock()
	delay := p.snapDelay
	p.snapCalls++
	fail := p.failSnap[symbol]
	snap := p.snapshots[symbol]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.ErrSnapshotStale
	}
	if snap == nil {
		return nil, errors.ErrSnapshotStale
	}
	cp := *snap
	return &cp, nil
}

// countingHook records execution events.
type countingHook struct {
	mu     sync.Mutex
	events []ExecutionEvent
}

func (h *countingHook) OnExecuted(_ context.Context, event ExecutionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *countingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func testCache(provider *stubProvider) *pricecache.Cache {
	return pricecache.New(pricecache.Config{
		TTL:            time.Minute,
		MaxSize:        50,
		FetchChunkSize: 20,
		Retry:          utils.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1},
		Breaker:        resilience.Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute},
	}, provider, zerolog.Nop())
}
