package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"tradewatch/internal/broker"
	"tradewatch/internal/models"
)

func TestValidateEntryPrice(t *testing.T) {
	tests := []struct {
		name    string
		kind    models.PendingKind
		entry   float64
		current float64
		valid   bool
	}{
		{"buy stop above current", models.PendingBuyStop, 4465, 4450, true},
		{"buy stop below current", models.PendingBuyStop, 4465, 4470, false},
		{"buy stop at current", models.PendingBuyStop, 4465, 4465, false},
		{"sell stop below current", models.PendingSellStop, 4440, 4450, true},
		{"sell stop above current", models.PendingSellStop, 4460, 4450, false},
		{"buy limit below current", models.PendingBuyLimit, 4440, 4450, true},
		{"buy limit above current", models.PendingBuyLimit, 4460, 4450, false},
		{"sell limit above current", models.PendingSellLimit, 4460, 4450, true},
		{"sell limit below current", models.PendingSellLimit, 4440, 4450, false},
		{"unknown kind", models.PendingKind("STRADDLE"), 4450, 4450, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntryPrice(tt.kind, tt.entry, tt.current)
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func marketPlan(id string) *models.TradePlan {
	return &models.TradePlan{
		ID:        id,
		Symbol:    "XAUUSD",
		Direction: models.DirectionBuy,
		Volume:    0.1,
		OrderType: models.OrderTypeMarket,
		Status:    models.PlanPending,
	}
}

func stopPlan(id string, entry float64) *models.TradePlan {
	return &models.TradePlan{
		ID:         id,
		Symbol:     "XAUUSD",
		Direction:  models.DirectionBuy,
		EntryPrice: entry,
		StopLoss:   entry - 25,
		TakeProfit: entry + 55,
		Volume:     0.1,
		OrderType:  models.OrderTypeStop,
		Status:     models.PlanPending,
	}
}

func newTestExecutor(t *testing.T, provider *stubProvider) (*Executor, *broker.PaperGateway, *memStore, *countingHook) {
	t.Helper()
	gateway := broker.NewPaperGateway()
	planStore := newMemStore()
	hook := &countingHook{}
	executor := NewExecutor(gateway, testCache(provider), planStore,
		[]PostExecutionHook{hook}, zerolog.Nop())
	return executor, gateway, planStore, hook
}

func TestExecuteMarketPlan(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("XAUUSD", 4450)
	executor, gateway, planStore, hook := newTestExecutor(t, provider)
	gateway.SetPrice("XAUUSD", 4450)

	plan := marketPlan("m1")
	planStore.Add(context.Background(), plan)

	transitioned, err := executor.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !transitioned {
		t.Fatal("market plan must transition")
	}
	if plan.Status != models.PlanExecuted {
		t.Errorf("status = %s, want executed", plan.Status)
	}
	if plan.Ticket == "" {
		t.Error("executed plan must carry a position ticket")
	}
	if plan.ExecutedAt == nil {
		t.Error("executed plan must carry an execution time")
	}
	if hook.count() != 1 {
		t.Errorf("hooks fired %d times, want 1", hook.count())
	}

	stored, _ := planStore.stored("m1")
	if stored.Status != models.PlanExecuted {
		t.Errorf("stored status = %s, want executed", stored.Status)
	}

	positions, _ := gateway.ListPositions(context.Background(), "XAUUSD")
	if len(positions) != 1 {
		t.Errorf("got %d positions, want 1", len(positions))
	}
}

func TestExecutePlacesValidStopOrder(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("XAUUSD", 4450)
	executor, gateway, _, hook := newTestExecutor(t, provider)

	plan := stopPlan("s1", 4465) // above current 4450, valid for BUY STOP

	transitioned, err := executor.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !transitioned {
		t.Fatal("valid stop plan must transition to placed")
	}
	if plan.Status != models.PlanPendingOrderPlaced {
		t.Errorf("status = %s, want pending_order_placed", plan.Status)
	}
	if plan.PendingOrderTicket == "" {
		t.Error("placed plan must carry the resting-order ticket")
	}
	// Hooks fire on fills, not placements.
	if hook.count() != 0 {
		t.Errorf("hooks fired %d times, want 0", hook.count())
	}

	orders, _ := gateway.ListOrders(context.Background())
	if len(orders) != 1 || orders[0].Kind != models.PendingBuyStop {
		t.Errorf("unexpected resting orders: %+v", orders)
	}
}

func TestExecuteRejectsInvalidEntry(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("XAUUSD", 4470)
	executor, gateway, _, _ := newTestExecutor(t, provider)

	plan := stopPlan("s2", 4465) // below current 4470, invalid for BUY STOP

	transitioned, err := executor.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected entry price validation error")
	}
	if transitioned {
		t.Fatal("rejected plan must not transition")
	}
	if plan.Status != models.PlanPending {
		t.Errorf("rejected plan must stay pending, got %s", plan.Status)
	}

	orders, _ := gateway.ListOrders(context.Background())
	if len(orders) != 0 {
		t.Error("no broker order may be placed for a rejected entry")
	}
}

func TestExecuteSkipsNonPending(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("XAUUSD", 4450)
	executor, gateway, _, _ := newTestExecutor(t, provider)
	gateway.SetPrice("XAUUSD", 4450)

	plan := marketPlan("m2")
	plan.Status = models.PlanCancelled

	transitioned, err := executor.Execute(context.Background(), plan)
	if err != nil || transitioned {
		t.Fatalf("terminal plan must be skipped, got transitioned=%v err=%v", transitioned, err)
	}
	positions, _ := gateway.ListPositions(context.Background(), "")
	if len(positions) != 0 {
		t.Error("no broker call may happen for a non-pending plan")
	}
}

func TestExecuteAtMostOnce(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("XAUUSD", 4450)
	executor, gateway, _, hook := newTestExecutor(t, provider)
	gateway.SetPrice("XAUUSD", 4450)

	plan := marketPlan("race")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			executor.Execute(context.Background(), plan)
		}()
	}
	wg.Wait()

	positions, _ := gateway.ListPositions(context.Background(), "XAUUSD")
	if len(positions) != 1 {
		t.Fatalf("concurrent execution opened %d positions, want exactly 1", len(positions))
	}
	if hook.count() != 1 {
		t.Errorf("hooks fired %d times, want exactly 1", hook.count())
	}
}

func TestExecutePendingFailsWithoutQuote(t *testing.T) {
	provider := newStubProvider() // no prices
	executor, gateway, _, _ := newTestExecutor(t, provider)

	// Entry validation needs a current quote, so a resting order cannot
	// be placed during a quote outage.
	plan := stopPlan("s3", 4465)
	transitioned, err := executor.Execute(context.Background(), plan)
	if err == nil {
		t.Fatal("expected quote fetch failure")
	}
	if transitioned || plan.Status != models.PlanPending {
		t.Error("plan must stay pending on quote failure")
	}
	orders, _ := gateway.ListOrders(context.Background())
	if len(orders) != 0 {
		t.Error("no resting order may be placed without a quote")
	}
}

func TestExecuteMarketWithoutQuote(t *testing.T) {
	provider := newStubProvider() // no prices
	executor, gateway, _, hook := newTestExecutor(t, provider)
	gateway.SetPrice("XAUUSD", 4450)

	// Market orders fill at the broker's price, so a quote outage must
	// not block them.
	plan := marketPlan("m3")
	transitioned, err := executor.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !transitioned || plan.Status != models.PlanExecuted {
		t.Fatalf("market plan must execute without a quote, got %s", plan.Status)
	}
	if hook.count() != 1 {
		t.Errorf("hooks fired %d times, want 1", hook.count())
	}
}
