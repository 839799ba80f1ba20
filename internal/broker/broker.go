// Package broker defines the execution-gateway contract the engine
// requires from a broker, plus a paper implementation for tests and
// dry-run mode.
package broker

import (
	"context"

	"tradewatch/internal/models"
)

// OrderRequest describes an immediate market order.
type OrderRequest struct {
	Symbol     string
	Direction  models.Direction
	Volume     float64
	StopLoss   float64
	TakeProfit float64
}

// PendingRequest describes a resting stop/limit order.
type PendingRequest struct {
	Symbol     string
	Direction  models.Direction
	Kind       models.PendingKind
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Volume     float64
}

// OrderResult is the outcome of a market order placement.
type OrderResult struct {
	Ticket string
	Price  float64
}

// PendingResult is the outcome of a resting order placement.
type PendingResult struct {
	Ticket string
}

// Gateway is the broker execution interface consumed by the engine.
// Implementations must return errors.ErrOrderNotFound from GetOrder when
// the ticket no longer exists broker-side.
type Gateway interface {
	// OpenOrder places and fills a market order.
	OpenOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// PlacePendingOrder places a resting stop/limit order.
	PlacePendingOrder(ctx context.Context, req PendingRequest) (*PendingResult, error)

	// CancelOrder cancels a resting order by ticket.
	CancelOrder(ctx context.Context, ticket string) error

	// GetOrder returns a resting order by ticket.
	GetOrder(ctx context.Context, ticket string) (*models.Order, error)

	// ListOrders returns all resting orders.
	ListOrders(ctx context.Context) ([]models.Order, error)

	// ListPositions returns open positions, optionally filtered by symbol
	// (empty symbol means all).
	ListPositions(ctx context.Context, symbol string) ([]models.Position, error)
}
