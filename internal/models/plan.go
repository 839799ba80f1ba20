// Package models provides domain models for the trade-plan engine.
package models

import "time"

// Direction represents the side of a planned trade.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// OrderType represents how a plan's order is placed once conditions hold.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeStop   OrderType = "stop"
	OrderTypeLimit  OrderType = "limit"
)

// PendingKind is one of the four resting-order kinds derived from
// order type and direction.
type PendingKind string

const (
	PendingBuyStop   PendingKind = "BUY_STOP"
	PendingSellStop  PendingKind = "SELL_STOP"
	PendingBuyLimit  PendingKind = "BUY_LIMIT"
	PendingSellLimit PendingKind = "SELL_LIMIT"
)

// PlanStatus represents the lifecycle status of a trade plan.
type PlanStatus string

const (
	PlanPending            PlanStatus = "pending"
	PlanPendingOrderPlaced PlanStatus = "pending_order_placed"
	PlanExecuted           PlanStatus = "executed"
	PlanCancelled          PlanStatus = "cancelled"
	PlanExpired            PlanStatus = "expired"
	PlanFailed             PlanStatus = "failed"
)

// IsTerminal reports whether the status is final and may never be mutated.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanExecuted, PlanCancelled, PlanExpired, PlanFailed:
		return true
	}
	return false
}

// IsActive reports whether a plan in this status is monitored.
func (s PlanStatus) IsActive() bool {
	return s == PlanPending || s == PlanPendingOrderPlaced
}

// CanTransitionTo reports whether the status state machine permits a move
// from s to next. Transitions out of terminal states are never allowed.
func (s PlanStatus) CanTransitionTo(next PlanStatus) bool {
	switch s {
	case PlanPending:
		switch next {
		case PlanPendingOrderPlaced, PlanExecuted, PlanCancelled, PlanExpired, PlanFailed:
			return true
		}
	case PlanPendingOrderPlaced:
		switch next {
		case PlanExecuted, PlanCancelled, PlanExpired, PlanFailed:
			return true
		}
	}
	return false
}

// TradePlan is a persisted, declarative request to execute a trade once
// its attached conditions hold. Conditions are serialized separately by
// the store; the engine works with the parsed predicate set.
type TradePlan struct {
	ID         string
	Symbol     string
	Direction  Direction
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Volume     float64
	OrderType  OrderType

	// ConditionsRaw is the serialized condition map as stored. The parsed
	// predicate set lives in the condition package and is attached by the
	// engine at load time.
	ConditionsRaw []byte

	Status             PlanStatus
	PendingOrderTicket string // non-empty iff Status == PlanPendingOrderPlaced
	Ticket             string // broker position id, set once filled

	Strategy         string
	Notes            string
	CancelReason     string

	CreatedAt  time.Time
	ExpiresAt  time.Time
	ExecutedAt *time.Time
}

// Expired reports whether the plan has an expiry and it has passed.
func (p *TradePlan) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// PendingOrderKind returns the resting-order kind for a stop/limit plan.
// The second return is false for market plans.
func (p *TradePlan) PendingOrderKind() (PendingKind, bool) {
	switch p.OrderType {
	case OrderTypeStop:
		if p.Direction == DirectionBuy {
			return PendingBuyStop, true
		}
		return PendingSellStop, true
	case OrderTypeLimit:
		if p.Direction == DirectionBuy {
			return PendingBuyLimit, true
		}
		return PendingSellLimit, true
	}
	return "", false
}
