// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts completed monitoring cycles.
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradewatch_cycles_total",
		Help: "Total monitoring cycles completed",
	})

	// CycleDuration tracks full cycle duration.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradewatch_cycle_duration_seconds",
		Help:    "Monitoring cycle duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	})

	// PlansEvaluated counts plans evaluated vs skipped per cycle.
	PlansEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewatch_plans_evaluated_total",
		Help: "Plans evaluated, partitioned by outcome (evaluated|skipped|matched)",
	}, []string{"outcome"})

	// ActivePlans tracks the number of monitored plans by status.
	ActivePlans = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradewatch_active_plans",
		Help: "Number of plans in the active monitoring set",
	}, []string{"status"})

	// CacheLookups counts price cache hits and misses.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewatch_price_cache_lookups_total",
		Help: "Price cache lookups by result (hit|miss)",
	}, []string{"result"})

	// BreakerTrips counts circuit breaker trips by scope.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewatch_breaker_trips_total",
		Help: "Circuit breaker trips by scope (symbol|evaluation)",
	}, []string{"scope"})

	// BatchDuration tracks parallel evaluation batch timings.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradewatch_batch_duration_seconds",
		Help:    "Condition evaluation batch duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Executions counts execution attempts by result.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewatch_executions_total",
		Help: "Order execution attempts by result (filled|placed|rejected|failed)",
	}, []string{"result"})

	// Reconciliations counts reconciler outcomes.
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradewatch_reconciliations_total",
		Help: "Pending-order reconciliation outcomes (resting|filled|cancelled|failed)",
	}, []string{"outcome"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
