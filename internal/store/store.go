// Package store provides durable trade-plan persistence behind a
// pooled-read, serialized-write abstraction.
package store

import (
	"context"
	"time"

	"tradewatch/internal/models"
)

// PlanStore is the durable plan repository. Reads run synchronously
// against a bounded connection pool; writes are enqueued to a single
// serialized writer, so the in-memory plan remains authoritative until
// the durable write lands.
type PlanStore interface {
	// Add persists a new plan. The write is enqueued; the call returns
	// once the plan is accepted for writing.
	Add(ctx context.Context, plan *models.TradePlan) error

	// Get returns a plan by id, or errors.ErrPlanNotFound.
	Get(ctx context.Context, planID string) (*models.TradePlan, error)

	// UpdateStatus enqueues a durable write of the plan's current state.
	UpdateStatus(plan *models.TradePlan)

	// Cancel marks a plan cancelled with a reason and enqueues the write.
	Cancel(ctx context.Context, planID, reason string) error

	// LoadActive returns every plan whose last-known status is pending or
	// pending_order_placed. Called once at startup for crash recovery.
	LoadActive(ctx context.Context) ([]models.TradePlan, error)

	// List returns plans matching the filter, most recent first.
	List(ctx context.Context, filter PlanFilter) ([]models.TradePlan, error)

	// Flush blocks until all enqueued writes have been attempted.
	Flush(ctx context.Context) error

	// Close flushes pending writes and releases resources.
	Close() error
}

// PlanFilter represents filters for querying plans.
type PlanFilter struct {
	Symbol   string
	Status   models.PlanStatus
	Strategy string
	Since    time.Time
	Limit    int
}
