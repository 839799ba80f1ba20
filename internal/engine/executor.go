package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/broker"
	"tradewatch/internal/errors"
	"tradewatch/internal/logging"
	"tradewatch/internal/metrics"
	"tradewatch/internal/models"
	"tradewatch/internal/pricecache"
	"tradewatch/internal/store"
)

// ValidateEntryPrice checks a resting order's entry against the current
// price. A stop triggers on price moving through the entry, a limit on
// price coming back to it, so each of the four kinds is only valid on
// one side of the market.
func ValidateEntryPrice(kind models.PendingKind, entry, current float64) error {
	switch kind {
	case models.PendingBuyStop:
		if entry <= current {
			return errors.Wrap(errors.ErrInvalidEntryPrice, "BUY STOP entry must be above current price")
		}
	case models.PendingSellStop:
		if entry >= current {
			return errors.Wrap(errors.ErrInvalidEntryPrice, "SELL STOP entry must be below current price")
		}
	case models.PendingBuyLimit:
		if entry >= current {
			return errors.Wrap(errors.ErrInvalidEntryPrice, "BUY LIMIT entry must be below current price")
		}
	case models.PendingSellLimit:
		if entry <= current {
			return errors.Wrap(errors.ErrInvalidEntryPrice, "SELL LIMIT entry must be above current price")
		}
	default:
		return errors.Wrap(errors.ErrInvalidEntryPrice, "unknown pending order kind "+string(kind))
	}
	return nil
}

// Executor places orders for matched plans. It enforces at most one
// in-flight execution attempt per plan via per-plan locks, validates
// entry prices against a fresh quote at execution time, and fires the
// post-execution hooks exactly once per market fill.
type Executor struct {
	gateway broker.Gateway
	cache   *pricecache.Cache
	store   store.PlanStore
	hooks   []PostExecutionHook
	logger  zerolog.Logger

	locks sync.Map // plan id -> *sync.Mutex
}

// NewExecutor creates an order executor.
func NewExecutor(gateway broker.Gateway, cache *pricecache.Cache, planStore store.PlanStore, hooks []PostExecutionHook, logger zerolog.Logger) *Executor {
	return &Executor{
		gateway: gateway,
		cache:   cache,
		store:   planStore,
		hooks:   hooks,
		logger:  logger.With().Str("component", "executor").Logger(),
	}
}

func (e *Executor) lockFor(planID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(planID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Execute attempts to execute a matched plan. It returns true when the
// plan transitioned (filled, or resting order placed). A plan already
// being executed, or concurrently cancelled, is skipped without a
// broker call. Validation failures leave the plan pending for the next
// cycle.
func (e *Executor) Execute(ctx context.Context, plan *models.TradePlan) (bool, error) {
	lock := e.lockFor(plan.ID)
	if !lock.TryLock() {
		// Another attempt is in flight for this plan.
		return false, nil
	}
	defer lock.Unlock()

	if plan.Status != models.PlanPending {
		// Concurrently cancelled, expired, or already placed.
		return false, nil
	}

	kind, isPending := plan.PendingOrderKind()
	if !isPending {
		// Market orders fill at the broker's price; no quote needed.
		return e.executeMarket(ctx, plan)
	}

	quote, err := e.cache.GetOrFetch(ctx, plan.Symbol)
	if err != nil {
		metrics.Executions.WithLabelValues("failed").Inc()
		return false, errors.NewPlanError(plan.ID, plan.Symbol, "execute", "quote fetch failed", err)
	}
	current := quote.Mid()

	if err := ValidateEntryPrice(kind, plan.EntryPrice, current); err != nil {
		metrics.Executions.WithLabelValues("rejected").Inc()
		e.logger.Warn().Err(err).
			Str("plan_id", plan.ID).
			Str("kind", string(kind)).
			Float64("entry", plan.EntryPrice).
			Float64("current", current).
			Msg("Entry price rejected, plan stays pending")
		return false, err
	}

	return e.placePending(ctx, plan, kind)
}

func (e *Executor) executeMarket(ctx context.Context, plan *models.TradePlan) (bool, error) {
	result, err := e.gateway.OpenOrder(ctx, broker.OrderRequest{
		Symbol:     plan.Symbol,
		Direction:  plan.Direction,
		Volume:     plan.Volume,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit,
	})
	if err != nil {
		metrics.Executions.WithLabelValues("failed").Inc()
		// A failure possibly caused by a stale quote invalidates the
		// cached price for the symbol.
		e.cache.Invalidate(plan.Symbol)
		return false, errors.NewPlanError(plan.ID, plan.Symbol, "open_order", "broker rejected market order", err)
	}
	if result.Ticket == "" {
		metrics.Executions.WithLabelValues("failed").Inc()
		return false, errors.NewPlanError(plan.ID, plan.Symbol, "open_order", "broker returned no ticket", errors.ErrOrderRejected)
	}

	now := time.Now()
	plan.Status = models.PlanExecuted
	plan.Ticket = result.Ticket
	plan.ExecutedAt = &now
	e.store.UpdateStatus(plan)
	e.cache.Invalidate(plan.Symbol)

	metrics.Executions.WithLabelValues("filled").Inc()
	logging.LogExecution(e.logger, plan.ID, plan.Symbol, string(plan.Direction), plan.Volume, result.Price, result.Ticket)

	fireHooks(ctx, e.logger, e.hooks, ExecutionEvent{
		Plan:          plan,
		Symbol:        plan.Symbol,
		ExecutedPrice: result.Price,
		Ticket:        result.Ticket,
	})
	return true, nil
}

func (e *Executor) placePending(ctx context.Context, plan *models.TradePlan, kind models.PendingKind) (bool, error) {
	result, err := e.gateway.PlacePendingOrder(ctx, broker.PendingRequest{
		Symbol:     plan.Symbol,
		Direction:  plan.Direction,
		Kind:       kind,
		EntryPrice: plan.EntryPrice,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit,
		Volume:     plan.Volume,
	})
	if err != nil {
		// Failed placement leaves the plan pending with no ticket.
		metrics.Executions.WithLabelValues("failed").Inc()
		return false, errors.NewPlanError(plan.ID, plan.Symbol, "place_pending", "broker rejected resting order", err)
	}
	if result.Ticket == "" {
		metrics.Executions.WithLabelValues("failed").Inc()
		return false, errors.NewPlanError(plan.ID, plan.Symbol, "place_pending", "broker returned no ticket", errors.ErrOrderRejected)
	}

	plan.Status = models.PlanPendingOrderPlaced
	plan.PendingOrderTicket = result.Ticket
	e.store.UpdateStatus(plan)

	metrics.Executions.WithLabelValues("placed").Inc()
	e.logger.Info().
		Str("plan_id", plan.ID).
		Str("symbol", plan.Symbol).
		Str("kind", string(kind)).
		Str("ticket", result.Ticket).
		Float64("entry", plan.EntryPrice).
		Msg("Resting order placed")
	return true, nil
}

// Forget releases the per-plan lock slot once a plan reaches a terminal
// state and leaves the active set.
func (e *Executor) Forget(planID string) {
	e.locks.Delete(planID)
}
