package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradewatch/internal/condition"
	"tradewatch/internal/errors"
	"tradewatch/internal/logging"
	"tradewatch/internal/metrics"
	"tradewatch/internal/models"
	"tradewatch/internal/pricecache"
	"tradewatch/internal/scheduler"
	"tradewatch/internal/store"
)

// Config holds monitor loop configuration.
type Config struct {
	// BaseInterval is the monitoring cycle period; it is also the floor
	// for every per-plan adaptive interval.
	BaseInterval time.Duration
	Scheduler    scheduler.Config
	Pool         PoolConfig
	Reconcile    ReconcileConfig
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		BaseInterval: 15 * time.Second,
		Scheduler:    scheduler.DefaultConfig(),
		Pool:         DefaultPoolConfig(),
		Reconcile:    DefaultReconcileConfig(),
	}
}

// planState is the monitor's runtime state for one active plan. The
// plan pointer is the authoritative in-memory copy; the durable store
// trails it through the serialized writer.
type planState struct {
	plan         *models.TradePlan
	conds        condition.Set
	lastChecked  time.Time
	lastActivity time.Time
	flags        SymbolFlags
}

// Monitor is the top-level coordinator: each cycle it expires and
// cancels plans, schedules the due ones, evaluates their conditions in
// parallel, executes matches sequentially, and reconciles resting
// orders.
type Monitor struct {
	cfg        Config
	logger     zerolog.Logger
	store      store.PlanStore
	cache      *pricecache.Cache
	pool       *Pool
	executor   *Executor
	reconciler *Reconciler
	sched      *scheduler.Scheduler
	parser     *condition.Parser

	mu    sync.RWMutex
	plans map[string]*planState

	cancelMu sync.Mutex
	cancels  map[string]string // plan id -> reason

	lastCache pricecache.CacheStats
}

// NewMonitor assembles the monitor from its collaborators.
func NewMonitor(
	cfg Config,
	planStore store.PlanStore,
	cache *pricecache.Cache,
	pool *Pool,
	executor *Executor,
	reconciler *Reconciler,
	parser *condition.Parser,
	logger zerolog.Logger,
) *Monitor {
	return &Monitor{
		cfg:        cfg,
		logger:     logger.With().Str("component", "monitor").Logger(),
		store:      planStore,
		cache:      cache,
		pool:       pool,
		executor:   executor,
		reconciler: reconciler,
		sched:      scheduler.New(cfg.Scheduler),
		parser:     parser,
		plans:      make(map[string]*planState),
		cancels:    make(map[string]string),
	}
}

// Load restores the active plan set from the store. Called once before
// Run; this is the crash-recovery path. Plans whose stored conditions
// no longer parse are marked failed for operator visibility.
func (m *Monitor) Load(ctx context.Context) error {
	plans, err := m.store.LoadActive(ctx)
	if err != nil {
		return errors.Wrap(err, "load active plans")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range plans {
		plan := plans[i]
		conds, err := m.parser.Parse(plan.ConditionsRaw)
		if err != nil {
			m.logger.Error().Err(err).Str("plan_id", plan.ID).
				Msg("Stored conditions no longer parse, marking plan failed")
			plan.Status = models.PlanFailed
			plan.CancelReason = "stored conditions unparseable: " + err.Error()
			m.store.UpdateStatus(&plan)
			continue
		}
		m.plans[plan.ID] = &planState{plan: &plan, conds: conds}
	}

	m.logger.Info().Int("plans", len(m.plans)).Msg("Active plans loaded")
	return nil
}

// ValidatePlan checks a new plan's fields and parses its conditions,
// filling in defaults for the order type, ID, and creation time. Unknown
// or malformed conditions are rejected here, at creation time.
func ValidatePlan(plan *models.TradePlan, parser *condition.Parser) (condition.Set, error) {
	if plan.Symbol == "" {
		return nil, errors.NewValidationError("symbol", plan.Symbol, "must not be empty")
	}
	if plan.Direction != models.DirectionBuy && plan.Direction != models.DirectionSell {
		return nil, errors.NewValidationError("direction", string(plan.Direction), "must be BUY or SELL")
	}
	switch plan.OrderType {
	case models.OrderTypeMarket, models.OrderTypeStop, models.OrderTypeLimit:
	case "":
		plan.OrderType = models.OrderTypeMarket
	default:
		return nil, errors.NewValidationError("order_type", string(plan.OrderType), "must be market, stop, or limit")
	}
	if plan.Volume <= 0 {
		return nil, errors.NewValidationError("volume", plan.Volume, "must be positive")
	}
	if plan.OrderType != models.OrderTypeMarket && plan.EntryPrice <= 0 {
		return nil, errors.NewValidationError("entry_price", plan.EntryPrice, "required for stop/limit plans")
	}

	conds, err := parser.Parse(plan.ConditionsRaw)
	if err != nil {
		return nil, err
	}

	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}
	plan.Status = models.PlanPending
	return conds, nil
}

// AddPlan validates and registers a new plan.
func (m *Monitor) AddPlan(ctx context.Context, plan *models.TradePlan) error {
	conds, err := ValidatePlan(plan, m.parser)
	if err != nil {
		return err
	}

	if err := m.store.Add(ctx, plan); err != nil {
		return err
	}

	m.mu.Lock()
	m.plans[plan.ID] = &planState{plan: plan, conds: conds}
	m.mu.Unlock()

	m.logger.Info().
		Str("plan_id", plan.ID).
		Str("symbol", plan.Symbol).
		Str("direction", string(plan.Direction)).
		Strs("conditions", conds.Types()).
		Msg("Plan added")
	return nil
}

// RequestCancel queues a manual cancellation; it is applied on the next
// cycle through the cancel-resting-order-first path.
func (m *Monitor) RequestCancel(planID, reason string) error {
	m.mu.RLock()
	_, ok := m.plans[planID]
	m.mu.RUnlock()
	if !ok {
		return errors.ErrPlanNotFound
	}

	m.cancelMu.Lock()
	m.cancels[planID] = reason
	m.cancelMu.Unlock()
	return nil
}

// Plans returns a snapshot of the active plan set.
func (m *Monitor) Plans() []models.TradePlan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TradePlan, 0, len(m.plans))
	for _, ps := range m.plans {
		out = append(out, *ps.plan)
	}
	return out
}

// Run drives the monitor loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("base_interval", m.cfg.BaseInterval).Msg("Monitor loop starting")

	ticker := time.NewTicker(m.cfg.BaseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Monitor loop stopping")
			return nil
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

func (m *Monitor) activeStates() []*planState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make([]*planState, 0, len(m.plans))
	for _, ps := range m.plans {
		states = append(states, ps)
	}
	return states
}

// cycle runs one monitoring pass. All plan mutation happens on this
// goroutine; the worker pool only sees immutable evaluation requests.
func (m *Monitor) cycle(ctx context.Context) {
	start := time.Now()
	now := start

	m.refresh(ctx)

	states := m.activeStates()

	m.expirePlans(ctx, states, now)
	m.applyCancels(ctx)

	states = m.activeStates()

	// Warm prices for every monitored symbol; distance drives tiering.
	symbols := uniqueSymbols(states)
	quotes := m.cache.GetBatch(ctx, symbols)

	var due []*planState
	var reqs []EvalRequest
	skipped := 0
	for _, ps := range states {
		if ps.plan.Status != models.PlanPending {
			continue
		}
		distance := 1.0
		if quote, ok := quotes[ps.plan.Symbol]; ok {
			distance = scheduler.PriceDistance(quote.Mid(), ps.plan.EntryPrice)
		}
		tier := m.sched.TierFor(distance, ps.lastActivity, now)
		idle := time.Duration(0)
		if !ps.lastActivity.IsZero() {
			idle = now.Sub(ps.lastActivity)
		}
		interval := m.sched.Interval(tier, ps.flags.HighVolatility, ps.flags.ActiveSession, idle)
		if !m.sched.Due(ps.lastChecked, interval, now) {
			skipped++
			continue
		}
		due = append(due, ps)
		reqs = append(reqs, EvalRequest{
			PlanID: ps.plan.ID,
			Symbol: ps.plan.Symbol,
			Conds:  ps.conds,
		})
	}

	results, stats := m.pool.EvaluateBatch(ctx, reqs, now)

	matched := 0
	for _, ps := range due {
		ps.lastChecked = now
		if flags, ok := stats.Flags[ps.plan.Symbol]; ok {
			ps.flags = flags
		}
		if !results[ps.plan.ID] {
			continue
		}
		matched++
		// Refresh activity as soon as the plan is ready, independent of
		// whether execution succeeds: priority reflects readiness.
		ps.lastActivity = now

		transitioned, err := m.executor.Execute(ctx, ps.plan)
		if err != nil {
			m.logger.Warn().Err(err).Str("plan_id", ps.plan.ID).Msg("Execution attempt failed, plan stays pending")
			continue
		}
		if transitioned && ps.plan.Status.IsTerminal() {
			m.evict(ps.plan.ID)
		}
	}

	m.reconcilePending(ctx)

	m.publishMetrics(len(reqs), skipped, matched, start)
	logging.LogCycle(m.logger, len(reqs), skipped, matched, time.Since(start))
}

// refresh reconciles the in-memory plan set with the store: plans added
// by another process join monitoring, plans cancelled externally are
// dropped. The store consults this process's queued writes first, so the
// monitor never mistakes its own write lag for an external change.
func (m *Monitor) refresh(ctx context.Context) {
	stored, err := m.store.LoadActive(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Plan refresh failed, using in-memory set")
		return
	}

	storedIDs := make(map[string]struct{}, len(stored))
	for i := range stored {
		plan := stored[i]
		storedIDs[plan.ID] = struct{}{}

		m.mu.RLock()
		_, known := m.plans[plan.ID]
		m.mu.RUnlock()
		if known {
			continue
		}

		conds, err := m.parser.Parse(plan.ConditionsRaw)
		if err != nil {
			m.logger.Error().Err(err).Str("plan_id", plan.ID).
				Msg("Stored conditions no longer parse, marking plan failed")
			plan.Status = models.PlanFailed
			plan.CancelReason = "stored conditions unparseable: " + err.Error()
			m.store.UpdateStatus(&plan)
			continue
		}
		m.mu.Lock()
		m.plans[plan.ID] = &planState{plan: &plan, conds: conds}
		m.mu.Unlock()
		m.logger.Info().Str("plan_id", plan.ID).Str("symbol", plan.Symbol).Msg("Plan joined monitoring")
	}

	for _, ps := range m.activeStates() {
		if _, ok := storedIDs[ps.plan.ID]; ok {
			continue
		}
		m.reconciler.CancelResting(ctx, ps.plan)
		m.evict(ps.plan.ID)
		m.logger.Info().Str("plan_id", ps.plan.ID).Msg("Plan cancelled externally, dropped from monitoring")
	}
}

// expirePlans cancels any resting order before marking a plan expired.
func (m *Monitor) expirePlans(ctx context.Context, states []*planState, now time.Time) {
	for _, ps := range states {
		if !ps.plan.Expired(now) {
			continue
		}
		m.reconciler.CancelResting(ctx, ps.plan)
		m.transition(ps.plan, models.PlanExpired, "plan expired")
	}
}

// applyCancels processes queued manual cancellations.
func (m *Monitor) applyCancels(ctx context.Context) {
	m.cancelMu.Lock()
	cancels := m.cancels
	m.cancels = make(map[string]string)
	m.cancelMu.Unlock()

	for planID, reason := range cancels {
		m.mu.RLock()
		ps, ok := m.plans[planID]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		m.reconciler.CancelResting(ctx, ps.plan)
		m.transition(ps.plan, models.PlanCancelled, reason)
	}
}

// reconcilePending runs the reconciler over every placed plan.
func (m *Monitor) reconcilePending(ctx context.Context) {
	for _, ps := range m.activeStates() {
		if ps.plan.Status != models.PlanPendingOrderPlaced {
			continue
		}
		if err := m.reconciler.Reconcile(ctx, ps.plan); err != nil {
			m.logger.Warn().Err(err).Str("plan_id", ps.plan.ID).Msg("Reconciliation failed, retrying next cycle")
			continue
		}
		if ps.plan.Status.IsTerminal() {
			if ps.plan.Status == models.PlanExecuted {
				m.cache.Invalidate(ps.plan.Symbol)
			}
			m.evict(ps.plan.ID)
		}
	}
}

// transition moves a plan to a terminal state, persists it, and evicts
// it from the active set. Illegal transitions are logged and ignored.
func (m *Monitor) transition(plan *models.TradePlan, status models.PlanStatus, reason string) {
	if !plan.Status.CanTransitionTo(status) {
		m.logger.Error().
			Str("plan_id", plan.ID).
			Str("from", string(plan.Status)).
			Str("to", string(status)).
			Msg("Illegal status transition blocked")
		return
	}

	from := plan.Status
	plan.Status = status
	plan.PendingOrderTicket = ""
	if status == models.PlanCancelled || status == models.PlanExpired || status == models.PlanFailed {
		plan.CancelReason = reason
	}
	m.store.UpdateStatus(plan)
	logging.LogTransition(m.logger, plan.ID, string(from), string(status), reason)

	if status.IsTerminal() {
		m.evict(plan.ID)
	}
}

// evict removes a plan from the active set after its terminal write has
// been queued.
func (m *Monitor) evict(planID string) {
	m.mu.Lock()
	delete(m.plans, planID)
	m.mu.Unlock()
	m.executor.Forget(planID)
}

func (m *Monitor) publishMetrics(evaluated, skipped, matched int, start time.Time) {
	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	metrics.PlansEvaluated.WithLabelValues("evaluated").Add(float64(evaluated))
	metrics.PlansEvaluated.WithLabelValues("skipped").Add(float64(skipped))
	metrics.PlansEvaluated.WithLabelValues("matched").Add(float64(matched))

	pending, placed := 0, 0
	m.mu.RLock()
	for _, ps := range m.plans {
		switch ps.plan.Status {
		case models.PlanPending:
			pending++
		case models.PlanPendingOrderPlaced:
			placed++
		}
	}
	m.mu.RUnlock()
	metrics.ActivePlans.WithLabelValues(string(models.PlanPending)).Set(float64(pending))
	metrics.ActivePlans.WithLabelValues(string(models.PlanPendingOrderPlaced)).Set(float64(placed))

	cacheStats := m.cache.Stats()
	metrics.CacheLookups.WithLabelValues("hit").Add(float64(cacheStats.Hits - m.lastCache.Hits))
	metrics.CacheLookups.WithLabelValues("miss").Add(float64(cacheStats.Misses - m.lastCache.Misses))
	m.lastCache = cacheStats
}

func uniqueSymbols(states []*planState) []string {
	seen := make(map[string]struct{}, len(states))
	var symbols []string
	for _, ps := range states {
		if _, ok := seen[ps.plan.Symbol]; ok {
			continue
		}
		seen[ps.plan.Symbol] = struct{}{}
		symbols = append(symbols, ps.plan.Symbol)
	}
	return symbols
}
