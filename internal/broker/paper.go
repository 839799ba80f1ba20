package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradewatch/internal/errors"
	"tradewatch/internal/models"
)

// PaperGateway is an in-memory Gateway used in paper mode and in tests.
// Market orders fill instantly at the last price set for the symbol;
// resting orders sit until FillPending or CancelOrder is called.
type PaperGateway struct {
	mu        sync.Mutex
	prices    map[string]float64
	orders    map[string]*models.Order
	positions map[string]*models.Position
	seq       int
}

// NewPaperGateway creates an empty paper gateway.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		prices:    make(map[string]float64),
		orders:    make(map[string]*models.Order),
		positions: make(map[string]*models.Position),
	}
}

// SetPrice sets the fill price for a symbol and fills any resting order
// the new price crosses, the way a broker would.
func (g *PaperGateway) SetPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
	g.fillCrossedLocked(symbol, price)
}

func (g *PaperGateway) fillCrossedLocked(symbol string, price float64) {
	for ticket, order := range g.orders {
		if order.Symbol != symbol || !crossed(order.Kind, order.EntryPrice, price) {
			continue
		}
		delete(g.orders, ticket)
		posTicket := g.nextTicket("POS")
		g.positions[posTicket] = &models.Position{
			Ticket:    posTicket,
			Symbol:    order.Symbol,
			Direction: order.Direction,
			Volume:    order.Volume,
			OpenPrice: order.EntryPrice,
			OpenedAt:  time.Now(),
		}
	}
}

func crossed(kind models.PendingKind, entry, price float64) bool {
	switch kind {
	case models.PendingBuyStop:
		return price >= entry
	case models.PendingSellStop:
		return price <= entry
	case models.PendingBuyLimit:
		return price <= entry
	case models.PendingSellLimit:
		return price >= entry
	}
	return false
}

func (g *PaperGateway) nextTicket(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s-%d", prefix, g.seq)
}

// OpenOrder fills a market order at the symbol's current paper price.
func (g *PaperGateway) OpenOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[req.Symbol]
	if !ok {
		return nil, errors.NewBrokerError("NO_PRICE", "no price for "+req.Symbol, errors.ErrQuoteUnavailable)
	}
	if req.Volume <= 0 {
		return nil, errors.NewBrokerError("BAD_VOLUME", "volume must be positive", errors.ErrOrderRejected)
	}

	ticket := g.nextTicket("POS")
	g.positions[ticket] = &models.Position{
		Ticket:    ticket,
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Volume:    req.Volume,
		OpenPrice: price,
		OpenedAt:  time.Now(),
	}
	return &OrderResult{Ticket: ticket, Price: price}, nil
}

// PlacePendingOrder records a resting order.
func (g *PaperGateway) PlacePendingOrder(_ context.Context, req PendingRequest) (*PendingResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if req.Volume <= 0 {
		return nil, errors.NewBrokerError("BAD_VOLUME", "volume must be positive", errors.ErrOrderRejected)
	}

	ticket := g.nextTicket("ORD")
	g.orders[ticket] = &models.Order{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Kind:       req.Kind,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Volume:     req.Volume,
		Status:     "resting",
		PlacedAt:   time.Now(),
	}
	return &PendingResult{Ticket: ticket}, nil
}

// CancelOrder removes a resting order.
func (g *PaperGateway) CancelOrder(_ context.Context, ticket string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.orders[ticket]; !ok {
		return errors.ErrOrderNotFound
	}
	delete(g.orders, ticket)
	return nil
}

// GetOrder returns a resting order by ticket.
func (g *PaperGateway) GetOrder(_ context.Context, ticket string) (*models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[ticket]
	if !ok {
		return nil, errors.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

// ListOrders returns all resting orders.
func (g *PaperGateway) ListOrders(_ context.Context) ([]models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	orders := make([]models.Order, 0, len(g.orders))
	for _, order := range g.orders {
		orders = append(orders, *order)
	}
	return orders, nil
}

// ListPositions returns open positions, optionally filtered by symbol.
func (g *PaperGateway) ListPositions(_ context.Context, symbol string) ([]models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	positions := make([]models.Position, 0, len(g.positions))
	for _, pos := range g.positions {
		if symbol == "" || pos.Symbol == symbol {
			positions = append(positions, *pos)
		}
	}
	return positions, nil
}

// FillPending converts a resting order into a position at the given
// price, simulating a broker-side fill. Test helper.
func (g *PaperGateway) FillPending(ticket string, price float64) (*models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[ticket]
	if !ok {
		return nil, errors.ErrOrderNotFound
	}
	delete(g.orders, ticket)

	posTicket := g.nextTicket("POS")
	pos := &models.Position{
		Ticket:    posTicket,
		Symbol:    order.Symbol,
		Direction: order.Direction,
		Volume:    order.Volume,
		OpenPrice: price,
		OpenedAt:  time.Now(),
	}
	g.positions[posTicket] = pos
	cp := *pos
	return &cp, nil
}

// DropPending removes a resting order without creating a position,
// simulating a broker-side cancellation or expiry. Test helper.
func (g *PaperGateway) DropPending(ticket string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.orders[ticket]; !ok {
		return errors.ErrOrderNotFound
	}
	delete(g.orders, ticket)
	return nil
}
