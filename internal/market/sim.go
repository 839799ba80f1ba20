package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"tradewatch/internal/models"
)

// PriceSink receives every simulated price tick. The paper gateway
// implements it so fills track the simulated market.
type PriceSink interface {
	SetPrice(symbol string, price float64)
}

// SimConfig holds simulated market tuning.
type SimConfig struct {
	// BasePrice seeds the walk for symbols with no explicit start price.
	BasePrice float64
	// Drift is the per-step mean return.
	Drift float64
	// Volatility is the per-step return standard deviation.
	Volatility float64
	// SpreadFraction sets the bid/ask spread relative to price.
	SpreadFraction float64
}

// DefaultSimConfig returns the default simulation configuration.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		BasePrice:      100,
		Drift:          0,
		Volatility:     0.0008,
		SpreadFraction: 0.0002,
	}
}

type simSymbol struct {
	rng       *rand.Rand
	price     float64
	vwapSum   float64
	vwapCount int64
	prevPrice float64
	lastMove  float64
	history   []float64
}

// SimProvider is a random-walk market simulator used in paper mode. Each
// symbol walks independently from a deterministic per-symbol seed; the
// snapshot features are derived from the walk so condition predicates
// have something real to chew on.
type SimProvider struct {
	cfg  SimConfig
	sink PriceSink

	mu      sync.Mutex
	symbols map[string]*simSymbol
}

// NewSimProvider creates a simulator. sink may be nil.
func NewSimProvider(cfg SimConfig, sink PriceSink) *SimProvider {
	return &SimProvider{
		cfg:     cfg,
		sink:    sink,
		symbols: make(map[string]*simSymbol),
	}
}

// SeedPrice fixes a symbol's starting price before its first tick.
func (p *SimProvider) SeedPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.symbols[symbol]; !ok {
		p.symbols[symbol] = newSimSymbol(symbol, price)
	}
}

func newSimSymbol(symbol string, price float64) *simSymbol {
	var seed int64
	for _, c := range symbol {
		seed = seed*31 + int64(c)
	}
	return &simSymbol{
		rng:       rand.New(rand.NewSource(seed)),
		price:     price,
		prevPrice: price,
	}
}

func (p *SimProvider) step(symbol string) *simSymbol {
	s, ok := p.symbols[symbol]
	if !ok {
		s = newSimSymbol(symbol, p.cfg.BasePrice)
		p.symbols[symbol] = s
	}

	ret := p.cfg.Drift + p.cfg.Volatility*s.rng.NormFloat64()
	s.prevPrice = s.price
	s.price *= 1 + ret
	s.lastMove = ret
	s.vwapSum += s.price
	s.vwapCount++
	s.history = append(s.history, s.price)
	if len(s.history) > 64 {
		s.history = s.history[1:]
	}
	return s
}

// GetQuote returns a quote from the symbol's random walk.
func (p *SimProvider) GetQuote(_ context.Context, symbol string) (*models.Quote, error) {
	p.mu.Lock()
	s := p.step(symbol)
	quote := p.quoteLocked(symbol, s)
	p.mu.Unlock()

	if p.sink != nil {
		p.sink.SetPrice(symbol, quote.Mid())
	}
	return quote, nil
}

// GetQuotes returns quotes for a batch of symbols.
func (p *SimProvider) GetQuotes(_ context.Context, symbols []string) (map[string]*models.Quote, error) {
	quotes := make(map[string]*models.Quote, len(symbols))

	p.mu.Lock()
	for _, symbol := range symbols {
		s := p.step(symbol)
		quotes[symbol] = p.quoteLocked(symbol, s)
	}
	p.mu.Unlock()

	if p.sink != nil {
		for symbol, quote := range quotes {
			p.sink.SetPrice(symbol, quote.Mid())
		}
	}
	return quotes, nil
}

func (p *SimProvider) quoteLocked(symbol string, s *simSymbol) *models.Quote {
	half := s.price * p.cfg.SpreadFraction / 2
	return &models.Quote{
		Symbol:    symbol,
		Bid:       s.price - half,
		Ask:       s.price + half,
		Timestamp: time.Now(),
	}
}

// GetSnapshot derives a feature snapshot from the symbol's walk.
func (p *SimProvider) GetSnapshot(_ context.Context, symbol string) (*models.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.step(symbol)
	now := time.Now()

	vwap := s.price
	if s.vwapCount > 0 {
		vwap = s.vwapSum / float64(s.vwapCount)
	}

	// Realized volatility over the recent window decides the regime.
	realized := realizedVol(s.history)
	highVol := realized > 1.5*p.cfg.Volatility

	up := s.lastMove > 0
	strongMove := math.Abs(s.lastMove) > 2*p.cfg.Volatility

	candle := simCandle(s, now)

	return &models.Snapshot{
		Symbol:    symbol,
		Price:     s.price,
		Timestamp: now,
		Structure: map[string]models.StructureFlags{
			"5m": {
				ChoChBull: strongMove && up,
				ChoChBear: strongMove && !up,
				BOSBull:   up && s.price > vwap,
				BOSBear:   !up && s.price < vwap,
			},
		},
		LastCandle: candle,
		OrderBlock: models.OrderBlockInfo{
			Present:         strongMove,
			ValidationScore: 50 + 50*math.Min(math.Abs(s.lastMove)/(3*p.cfg.Volatility), 1),
		},
		LiquiditySweep: strongMove && candleWickDominant(candle),
		VWAP:           vwap,
		EMASlope:       s.lastMove,
		VolatilitySignals: map[string]bool{
			"atr_spike":    highVol,
			"bb_expansion": realized > 1.2*p.cfg.Volatility,
			"range_break":  strongMove,
		},
		HighVolatility: highVol,
		ActiveSession:  activeSession(now),
	}, nil
}

func simCandle(s *simSymbol, now time.Time) models.Candle {
	open, close := s.prevPrice, s.price
	high := math.Max(open, close) * (1 + 0.2*math.Abs(s.lastMove))
	low := math.Min(open, close) * (1 - 0.2*math.Abs(s.lastMove))
	return models.Candle{
		Timestamp: now,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1 + s.rng.Int63n(1000),
	}
}

func candleWickDominant(c models.Candle) bool {
	body := c.Body()
	if body == 0 {
		return true
	}
	wick := math.Max(c.UpperWick(), c.LowerWick())
	return wick > body
}

func realizedVol(history []float64) float64 {
	if len(history) < 3 {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for i := 1; i < len(history); i++ {
		r := history[i]/history[i-1] - 1
		sum += r
		sumSq += r * r
		n++
	}
	mean := sum / float64(n)
	return math.Sqrt(sumSq/float64(n) - mean*mean)
}

// activeSession marks the London/New York overlap hours in UTC.
func activeSession(now time.Time) bool {
	h := now.UTC().Hour()
	return h >= 12 && h < 17
}
