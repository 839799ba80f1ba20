package models

import "time"

// Quote represents a bid/ask quote for a symbol.
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Candle represents OHLC data for a single period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Body returns the absolute candle body size.
func (c Candle) Body() float64 {
	body := c.Close - c.Open
	if body < 0 {
		body = -body
	}
	return body
}

// UpperWick returns the size of the upper wick.
func (c Candle) UpperWick() float64 {
	top := c.Close
	if c.Open > top {
		top = c.Open
	}
	return c.High - top
}

// LowerWick returns the size of the lower wick.
func (c Candle) LowerWick() float64 {
	bottom := c.Close
	if c.Open < bottom {
		bottom = c.Open
	}
	return bottom - c.Low
}

// StructureFlags carries market-structure signals for one timeframe,
// computed by the external feature provider.
type StructureFlags struct {
	ChoChBull bool
	ChoChBear bool
	BOSBull   bool
	BOSBear   bool
}

// OrderBlockInfo describes a detected order block near the current price.
type OrderBlockInfo struct {
	Present         bool
	ValidationScore float64 // 0-100
}

// Snapshot is the opaque market-feature bundle the engine receives for a
// symbol. Structural, liquidity, and volatility features are computed
// upstream; the engine only reads them.
type Snapshot struct {
	Symbol    string
	Price     float64
	Timestamp time.Time

	// Structure flags keyed by timeframe ("5m", "15m", "1h", ...).
	Structure map[string]StructureFlags

	LastCandle     Candle
	OrderBlock     OrderBlockInfo
	LiquiditySweep bool

	VWAP     float64
	EMASlope float64

	// VolatilitySignals are named boolean volatility indicators
	// ("atr_spike", "bb_expansion", "range_break", ...).
	VolatilitySignals map[string]bool
	HighVolatility    bool
	ActiveSession     bool
}

// Fresh reports whether the snapshot is recent enough to trust.
func (s *Snapshot) Fresh(now time.Time, maxAge time.Duration) bool {
	if s == nil || s.Timestamp.IsZero() {
		return false
	}
	return now.Sub(s.Timestamp) <= maxAge
}

// Order represents a broker-side order (resting or historical).
type Order struct {
	Ticket     string
	Symbol     string
	Direction  Direction
	Kind       PendingKind
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
	Volume     float64
	Status     string
	PlacedAt   time.Time
}

// Position represents an open broker-side position.
type Position struct {
	Ticket    string
	Symbol    string
	Direction Direction
	Volume    float64
	OpenPrice float64
	OpenedAt  time.Time
}
