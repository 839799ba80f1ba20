package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/broker"
	"tradewatch/internal/condition"
	"tradewatch/internal/errors"
	"tradewatch/internal/models"
)

func newTestMonitor(t *testing.T, provider *stubProvider) (*Monitor, *broker.PaperGateway, *memStore, *countingHook) {
	t.Helper()
	gateway := broker.NewPaperGateway()
	planStore := newMemStore()
	hook := &countingHook{}
	cache := testCache(provider)
	parser := condition.NewParser(condition.DefaultDefaults())

	cfg := DefaultConfig()
	cfg.Pool = testPoolConfig()

	pool := NewPool(cfg.Pool, provider, zerolog.Nop())
	executor := NewExecutor(gateway, cache, planStore, []PostExecutionHook{hook}, zerolog.Nop())
	reconciler := NewReconciler(cfg.Reconcile, gateway, planStore, []PostExecutionHook{hook}, zerolog.Nop())
	monitor := NewMonitor(cfg, planStore, cache, pool, executor, reconciler, parser, zerolog.Nop())
	return monitor, gateway, planStore, hook
}

func TestValidatePlan(t *testing.T) {
	parser := condition.NewParser(condition.DefaultDefaults())

	cases := []struct {
		name string
		plan models.TradePlan
		ok   bool
	}{
		{"missing symbol", models.TradePlan{Direction: models.DirectionBuy, Volume: 0.1}, false},
		{"bad direction", models.TradePlan{Symbol: "XAUUSD", Direction: "HOLD", Volume: 0.1}, false},
		{"zero volume", models.TradePlan{Symbol: "XAUUSD", Direction: models.DirectionBuy}, false},
		{"stop without entry", models.TradePlan{
			Symbol: "XAUUSD", Direction: models.DirectionBuy, Volume: 0.1,
			OrderType: models.OrderTypeStop,
		}, false},
		{"unknown order type", models.TradePlan{
			Symbol: "XAUUSD", Direction: models.DirectionBuy, Volume: 0.1,
			OrderType: "iceberg",
		}, false},
		{"unknown condition", models.TradePlan{
			Symbol: "XAUUSD", Direction: models.DirectionBuy, Volume: 0.1,
			ConditionsRaw: []byte(`{"moon_phase": "full"}`),
		}, false},
		{"valid market", models.TradePlan{
			Symbol: "XAUUSD", Direction: models.DirectionBuy, Volume: 0.1,
			ConditionsRaw: []byte(`{"price_above": 4400}`),
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := tc.plan
			_, err := ValidatePlan(&plan, parser)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidatePlanFillsDefaults(t *testing.T) {
	parser := condition.NewParser(condition.DefaultDefaults())
	plan := models.TradePlan{
		Symbol:    "XAUUSD",
		Direction: models.DirectionSell,
		Volume:    0.2,
	}
	if _, err := ValidatePlan(&plan, parser); err != nil {
		t.Fatalf("ValidatePlan failed: %v", err)
	}
	if plan.OrderType != models.OrderTypeMarket {
		t.Errorf("order type defaulted to %s, want market", plan.OrderType)
	}
	if plan.ID == "" {
		t.Error("plan id must be assigned")
	}
	if plan.CreatedAt.IsZero() {
		t.Error("created_at must be set")
	}
	if plan.Status != models.PlanPending {
		t.Errorf("status = %s, want pending", plan.Status)
	}
}

func TestCycleExecutesMatchedPlan(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("XAUUSD", 4450)
	provider.setSnapshot(freshSnapshot("XAUUSD", 4450))
	monitor, gateway, planStore, hook := newTestMonitor(t, provider)
	gateway.SetPrice("XAUUSD", 4450)

	plan := marketPlan("m1")
	plan.ConditionsRaw = []byte(`{"price_above": 4400}`)
	if err := monitor.AddPlan(context.Background(), plan); err != nil {
		t.Fatalf("AddPlan failed: %v", err)
	}

	monitor.cycle(context.Background())

	stored, _ := planStore.stored("m1")
	if stored.Status != models.PlanExecuted {
		t.Fatalf("stored status = %s, want executed", stored.Status)
	}
	if len(monitor.Plans()) != 0 {
		t.Error("executed plan must leave the active set")
	}
	if hook.count() != 1 {
		t.Errorf("hooks fired %d times, want 1", hook.count())
	}
	positions, _ := gateway.ListPositions(context.Background(), "XAUUSD")
	if len(positions) != 1 {
		t.Errorf("got %d positions, want 1", len(positions))
	}
}

func TestCycleLeavesUnmatchedPlanPending(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("XAUUSD", 4450)
	provider.setSnapshot(freshSnapshot("XAUUSD", 4450))
	monitor, _, planStore, _ := newTestMonitor(t, provider)

	plan := marketPlan("m1")
	plan.ConditionsRaw = []byte(`{"price_above": 9000}`)
	if err := monitor.AddPlan(context.Background(), plan); err != nil {
		t.Fatalf("AddPlan failed: %v", err)
	}

	monitor.cycle(context.Background())

	if len(monitor.Plans()) != 1 {
		t.Error("unmatched plan must stay active")
	}
	stored, _ := planStore.stored("m1")
	if stored.Status != models.PlanPending {
		t.Errorf("stored status = %s, want pending", stored.Status)
	}
}

func TestRequestCancelAppliesNextCycle(t *testing.T) {
	provider := newStubProvider()
	monitor, _, planStore, _ := newTestMonitor(t, provider)

	plan := marketPlan("m1")
	if err := monitor.AddPlan(context.Background(), plan); err != nil {
		t.Fatalf("AddPlan failed: %v", err)
	}
	if err := monitor.RequestCancel("m1", "operator request"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if err := monitor.RequestCancel("nope", "x"); !errors.Is(err, errors.ErrPlanNotFound) {
		t.Errorf("cancel of unknown plan returned %v, want ErrPlanNotFound", err)
	}

	monitor.cycle(context.Background())

	if len(monitor.Plans()) != 0 {
		t.Error("cancelled plan must leave the active set")
	}
	stored, _ := planStore.stored("m1")
	if stored.Status != models.PlanCancelled {
		t.Fatalf("stored status = %s, want cancelled", stored.Status)
	}
	if stored.CancelReason != "operator request" {
		t.Errorf("cancel reason = %q", stored.CancelReason)
	}
}

func TestExpiryCancelsRestingOrderFirst(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("XAUUSD", 4450)
	provider.setSnapshot(freshSnapshot("XAUUSD", 4450))
	monitor, gateway, planStore, _ := newTestMonitor(t, provider)
	gateway.SetPrice("XAUUSD", 4450)

	plan := stopPlan("s1", 4465)
	plan.ConditionsRaw = []byte(`{"price_above": 4400}`)
	if err := monitor.AddPlan(context.Background(), plan); err != nil {
		t.Fatalf("AddPlan failed: %v", err)
	}

	// First cycle places the resting order.
	monitor.cycle(context.Background())
	if plan.Status != models.PlanPendingOrderPlaced {
		t.Fatalf("status after first cycle = %s, want placed", plan.Status)
	}
	orders, _ := gateway.ListOrders(context.Background())
	if len(orders) != 1 {
		t.Fatalf("got %d resting orders, want 1", len(orders))
	}

	plan.ExpiresAt = time.Now().Add(-time.Minute)
	monitor.cycle(context.Background())

	stored, _ := planStore.stored("s1")
	if stored.Status != models.PlanExpired {
		t.Fatalf("stored status = %s, want expired", stored.Status)
	}
	orders, _ = gateway.ListOrders(context.Background())
	if len(orders) != 0 {
		t.Error("resting order must be cancelled before the plan expires")
	}
	if len(monitor.Plans()) != 0 {
		t.Error("expired plan must leave the active set")
	}
}

func TestRefreshPicksUpExternallyAddedPlan(t *testing.T) {
	provider := newStubProvider()
	monitor, _, planStore, _ := newTestMonitor(t, provider)

	// Another process wrote a plan straight to the store.
	external := marketPlan("ext1")
	external.ConditionsRaw = []byte(`{"price_below": 1}`)
	if err := planStore.Add(context.Background(), external); err != nil {
		t.Fatalf("store add failed: %v", err)
	}

	monitor.cycle(context.Background())

	plans := monitor.Plans()
	if len(plans) != 1 || plans[0].ID != "ext1" {
		t.Errorf("externally added plan must join monitoring, got %d plans", len(plans))
	}
}

func TestRefreshDropsExternallyCancelledPlan(t *testing.T) {
	provider := newStubProvider()
	monitor, _, planStore, _ := newTestMonitor(t, provider)

	plan := marketPlan("m1")
	if err := monitor.AddPlan(context.Background(), plan); err != nil {
		t.Fatalf("AddPlan failed: %v", err)
	}

	// Another process cancelled it out from under the monitor.
	if err := planStore.Cancel(context.Background(), "m1", "cli cancel"); err != nil {
		t.Fatalf("store cancel failed: %v", err)
	}

	monitor.cycle(context.Background())

	if len(monitor.Plans()) != 0 {
		t.Error("externally cancelled plan must leave the active set")
	}
}

func TestLoadRestoresActivePlans(t *testing.T) {
	provider := newStubProvider()
	monitor, _, planStore, _ := newTestMonitor(t, provider)

	good := marketPlan("good")
	good.ConditionsRaw = []byte(`{"price_above": 1}`)
	planStore.Add(context.Background(), good)

	broken := marketPlan("broken")
	broken.ConditionsRaw = []byte(`{"moon_phase": "full"}`)
	planStore.Add(context.Background(), broken)

	if err := monitor.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	plans := monitor.Plans()
	if len(plans) != 1 || plans[0].ID != "good" {
		t.Fatalf("got %d restored plans, want only the parseable one", len(plans))
	}
	stored, _ := planStore.stored("broken")
	if stored.Status != models.PlanFailed {
		t.Errorf("unparseable plan status = %s, want failed", stored.Status)
	}
}
