package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/broker"
	"tradewatch/internal/errors"
	"tradewatch/internal/metrics"
	"tradewatch/internal/models"
	"tradewatch/internal/store"
)

// ReconcileConfig holds pending-order reconciliation tuning.
type ReconcileConfig struct {
	// MatchTolerance is the fractional entry-price tolerance when
	// matching a disappeared resting order to a position.
	MatchTolerance float64
	// MatchWindow is how recently a matching position must have been
	// opened.
	MatchWindow time.Duration
	// VolumeTolerance is the absolute volume tolerance for a match.
	VolumeTolerance float64
}

// DefaultReconcileConfig returns the default reconciliation config.
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		MatchTolerance:  0.005,
		MatchWindow:     10 * time.Minute,
		VolumeTolerance: 1e-6,
	}
}

// Reconciler periodically reconciles broker-side resting orders against
// plan state: a disappeared order either filled (matched to a recent
// position) or was cancelled broker-side. Reconciled fills run the same
// post-execution hooks as the market path.
type Reconciler struct {
	cfg     ReconcileConfig
	gateway broker.Gateway
	store   store.PlanStore
	hooks   []PostExecutionHook
	logger  zerolog.Logger
}

// NewReconciler creates a pending-order reconciler.
func NewReconciler(cfg ReconcileConfig, gateway broker.Gateway, planStore store.PlanStore, hooks []PostExecutionHook, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		gateway: gateway,
		store:   planStore,
		hooks:   hooks,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile checks one plan with a placed resting order. It mutates the
// plan in place on a transition and persists it; the caller evicts
// terminal plans from the active set.
func (r *Reconciler) Reconcile(ctx context.Context, plan *models.TradePlan) error {
	if plan.Status != models.PlanPendingOrderPlaced {
		return nil
	}
	if plan.PendingOrderTicket == "" {
		// Unresolvable: the placed status has no ticket to query.
		plan.Status = models.PlanFailed
		plan.CancelReason = "pending order ticket missing"
		r.store.UpdateStatus(plan)
		metrics.Reconciliations.WithLabelValues("failed").Inc()
		r.logger.Error().Str("plan_id", plan.ID).Msg("Placed plan has no resting-order ticket, marking failed")
		return nil
	}

	_, err := r.gateway.GetOrder(ctx, plan.PendingOrderTicket)
	if err == nil {
		// Still resting, nothing to do.
		metrics.Reconciliations.WithLabelValues("resting").Inc()
		return nil
	}
	if !errors.Is(err, errors.ErrOrderNotFound) {
		// Transient broker error: retry next cycle.
		return errors.NewPlanError(plan.ID, plan.Symbol, "reconcile", "broker order query failed", err)
	}

	// The resting order is gone: it either filled or was cancelled or
	// expired broker-side. Disambiguate by searching recent positions.
	position, err := r.findMatchingPosition(ctx, plan)
	if err != nil {
		return errors.NewPlanError(plan.ID, plan.Symbol, "reconcile", "position search failed", err)
	}

	if position != nil {
		now := time.Now()
		plan.Status = models.PlanExecuted
		plan.Ticket = position.Ticket
		plan.PendingOrderTicket = ""
		plan.ExecutedAt = &now
		r.store.UpdateStatus(plan)
		metrics.Reconciliations.WithLabelValues("filled").Inc()
		r.logger.Info().
			Str("plan_id", plan.ID).
			Str("ticket", position.Ticket).
			Float64("price", position.OpenPrice).
			Msg("Resting order filled, reconciled to position")

		// Same hooks as the market path; reconciled fills must not skip
		// trailing-stop registration, notification, or journaling.
		fireHooks(ctx, r.logger, r.hooks, ExecutionEvent{
			Plan:          plan,
			Symbol:        plan.Symbol,
			ExecutedPrice: position.OpenPrice,
			Ticket:        position.Ticket,
		})
		return nil
	}

	plan.Status = models.PlanCancelled
	plan.PendingOrderTicket = ""
	plan.CancelReason = "resting order no longer present"
	r.store.UpdateStatus(plan)
	metrics.Reconciliations.WithLabelValues("cancelled").Inc()
	r.logger.Info().Str("plan_id", plan.ID).Msg("Resting order gone with no position, plan cancelled")
	return nil
}

// findMatchingPosition searches recent broker positions for one that
// matches the plan's symbol, direction, entry price within tolerance,
// and volume, opened within the match window.
func (r *Reconciler) findMatchingPosition(ctx context.Context, plan *models.TradePlan) (*models.Position, error) {
	positions, err := r.gateway.ListPositions(ctx, plan.Symbol)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-r.cfg.MatchWindow)
	tolerance := plan.EntryPrice * r.cfg.MatchTolerance

	for i := range positions {
		pos := &positions[i]
		if pos.Direction != plan.Direction {
			continue
		}
		if pos.OpenedAt.Before(cutoff) {
			continue
		}
		priceDiff := pos.OpenPrice - plan.EntryPrice
		if priceDiff < 0 {
			priceDiff = -priceDiff
		}
		if priceDiff > tolerance {
			continue
		}
		volDiff := pos.Volume - plan.Volume
		if volDiff < 0 {
			volDiff = -volDiff
		}
		if volDiff > r.cfg.VolumeTolerance {
			continue
		}
		return pos, nil
	}
	return nil, nil
}

// CancelResting cancels a plan's resting order at the broker,
// best-effort: a broker-side failure is logged but does not block the
// caller from marking the plan terminal.
func (r *Reconciler) CancelResting(ctx context.Context, plan *models.TradePlan) {
	if plan.Status != models.PlanPendingOrderPlaced || plan.PendingOrderTicket == "" {
		return
	}
	if err := r.gateway.CancelOrder(ctx, plan.PendingOrderTicket); err != nil {
		r.logger.Warn().Err(err).
			Str("plan_id", plan.ID).
			Str("ticket", plan.PendingOrderTicket).
			Msg("Broker-side cancel of resting order failed")
	}
}
