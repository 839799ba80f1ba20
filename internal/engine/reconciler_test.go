package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/broker"
	"tradewatch/internal/models"
)

func placedPlan(t *testing.T, gateway *broker.PaperGateway, entry float64) *models.TradePlan {
	t.Helper()
	result, err := gateway.PlacePendingOrder(context.Background(), broker.PendingRequest{
		Symbol:     "XAUUSD",
		Direction:  models.DirectionBuy,
		Kind:       models.PendingBuyStop,
		EntryPrice: entry,
		Volume:     0.1,
	})
	if err != nil {
		t.Fatalf("PlacePendingOrder failed: %v", err)
	}
	return &models.TradePlan{
		ID:                 "p1",
		Symbol:             "XAUUSD",
		Direction:          models.DirectionBuy,
		EntryPrice:         entry,
		Volume:             0.1,
		OrderType:          models.OrderTypeStop,
		Status:             models.PlanPendingOrderPlaced,
		PendingOrderTicket: result.Ticket,
	}
}

func newTestReconciler(t *testing.T) (*Reconciler, *broker.PaperGateway, *memStore, *countingHook) {
	t.Helper()
	gateway := broker.NewPaperGateway()
	planStore := newMemStore()
	hook := &countingHook{}
	reconciler := NewReconciler(DefaultReconcileConfig(), gateway, planStore,
		[]PostExecutionHook{hook}, zerolog.Nop())
	return reconciler, gateway, planStore, hook
}

func TestReconcileStillResting(t *testing.T) {
	reconciler, gateway, _, hook := newTestReconciler(t)
	plan := placedPlan(t, gateway, 4465)

	if err := reconciler.Reconcile(context.Background(), plan); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if plan.Status != models.PlanPendingOrderPlaced {
		t.Errorf("still-resting plan must stay placed, got %s", plan.Status)
	}
	if hook.count() != 0 {
		t.Error("no hooks may fire while the order rests")
	}
}

func TestReconcileFilledOrder(t *testing.T) {
	reconciler, gateway, planStore, hook := newTestReconciler(t)
	plan := placedPlan(t, gateway, 4465)

	// Broker-side fill near the entry price.
	if _, err := gateway.FillPending(plan.PendingOrderTicket, 4465.5); err != nil {
		t.Fatalf("FillPending failed: %v", err)
	}

	if err := reconciler.Reconcile(context.Background(), plan); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if plan.Status != models.PlanExecuted {
		t.Fatalf("filled plan must be executed, got %s", plan.Status)
	}
	if plan.Ticket == "" {
		t.Error("reconciled plan must carry the position ticket")
	}
	if plan.PendingOrderTicket != "" {
		t.Error("pending order ticket must be cleared on fill")
	}
	if plan.ExecutedAt == nil {
		t.Error("executed_at must be set on a reconciled fill")
	}
	if hook.count() != 1 {
		t.Errorf("hooks fired %d times, want exactly 1", hook.count())
	}

	stored, _ := planStore.stored("p1")
	if stored.Status != models.PlanExecuted {
		t.Errorf("stored status = %s, want executed", stored.Status)
	}
}

func TestReconcileGoneWithoutPosition(t *testing.T) {
	reconciler, gateway, _, hook := newTestReconciler(t)
	plan := placedPlan(t, gateway, 4465)

	// Broker dropped the order without a fill.
	if err := gateway.DropPending(plan.PendingOrderTicket); err != nil {
		t.Fatalf("DropPending failed: %v", err)
	}

	if err := reconciler.Reconcile(context.Background(), plan); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if plan.Status != models.PlanCancelled {
		t.Fatalf("gone order with no position must cancel the plan, got %s", plan.Status)
	}
	if plan.CancelReason == "" {
		t.Error("cancellation must carry a reason")
	}
	if hook.count() != 0 {
		t.Error("no hooks may fire for a cancelled plan")
	}
}

func TestReconcileIgnoresNonMatchingPosition(t *testing.T) {
	reconciler, gateway, _, _ := newTestReconciler(t)
	plan := placedPlan(t, gateway, 4465)

	// A fill far outside the price tolerance must not be claimed.
	if _, err := gateway.FillPending(plan.PendingOrderTicket, 4600); err != nil {
		t.Fatalf("FillPending failed: %v", err)
	}

	if err := reconciler.Reconcile(context.Background(), plan); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if plan.Status != models.PlanCancelled {
		t.Errorf("unmatched position must not be claimed, got %s", plan.Status)
	}
	if plan.Ticket != "" {
		t.Error("plan must not carry a ticket it cannot prove is its own")
	}
}

func TestReconcileMissingTicket(t *testing.T) {
	reconciler, _, _, _ := newTestReconciler(t)
	plan := &models.TradePlan{
		ID:     "broken",
		Symbol: "XAUUSD",
		Status: models.PlanPendingOrderPlaced,
	}

	if err := reconciler.Reconcile(context.Background(), plan); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if plan.Status != models.PlanFailed {
		t.Errorf("placed plan without a ticket must fail, got %s", plan.Status)
	}
}

func TestReconcileMatchWindow(t *testing.T) {
	gateway := broker.NewPaperGateway()
	planStore := newMemStore()
	reconciler := NewReconciler(ReconcileConfig{
		MatchTolerance:  0.005,
		MatchWindow:     time.Millisecond,
		VolumeTolerance: 1e-6,
	}, gateway, planStore, nil, zerolog.Nop())

	plan := placedPlan(t, gateway, 4465)
	if _, err := gateway.FillPending(plan.PendingOrderTicket, 4465); err != nil {
		t.Fatalf("FillPending failed: %v", err)
	}

	// Let the position age past the tiny match window.
	time.Sleep(10 * time.Millisecond)

	if err := reconciler.Reconcile(context.Background(), plan); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if plan.Status != models.PlanCancelled {
		t.Errorf("stale position outside the window must not match, got %s", plan.Status)
	}
}

func TestCancelResting(t *testing.T) {
	reconciler, gateway, _, _ := newTestReconciler(t)
	plan := placedPlan(t, gateway, 4465)

	reconciler.CancelResting(context.Background(), plan)

	orders, _ := gateway.ListOrders(context.Background())
	if len(orders) != 0 {
		t.Error("resting order must be cancelled at the broker")
	}
}
