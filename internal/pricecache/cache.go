// Package pricecache provides a bounded, TTL-based cache of last-known
// quotes with per-symbol failure circuit breakers.
package pricecache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/errors"
	"tradewatch/internal/market"
	"tradewatch/internal/models"
	"tradewatch/internal/resilience"
	"tradewatch/pkg/utils"
)

// Config holds price cache configuration.
type Config struct {
	// TTL is how long a cached quote stays fresh.
	TTL time.Duration
	// MaxSize is the maximum number of resident symbols.
	MaxSize int
	// FetchChunkSize bounds how many symbols go into one provider call.
	FetchChunkSize int
	// Retry configures the backoff used for live fetches.
	Retry utils.RetryConfig
	// Breaker configures the per-symbol circuit breakers.
	Breaker resilience.Config
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		TTL:            5 * time.Second,
		MaxSize:        50,
		FetchChunkSize: 20,
		Retry:          utils.DefaultRetryConfig(),
		Breaker:        resilience.DefaultConfig(),
	}
}

type entry struct {
	symbol    string
	quote     *models.Quote
	fetchedAt time.Time
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// Cache is an LRU+TTL quote cache backed by a live provider. Lookups
// promote entries to most-recently-used; inserting past capacity evicts
// the least-recently-used entry. Fetch failures for one symbol trip that
// symbol's breaker without affecting others.
type Cache struct {
	config   Config
	provider market.Provider
	breakers *resilience.Registry
	logger   zerolog.Logger

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64
}

// New creates a price cache over the given provider.
func New(cfg Config, provider market.Provider, logger zerolog.Logger) *Cache {
	return &Cache{
		config:   cfg,
		provider: provider,
		breakers: resilience.NewRegistry(cfg.Breaker),
		logger:   logger.With().Str("component", "pricecache").Logger(),
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached quote for a symbol if present and fresh,
// promoting it to most-recently-used. It never fetches.
func (c *Cache) Get(symbol string) (*models.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[symbol]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := elem.Value.(*entry)
	if time.Since(ent.fetchedAt) > c.config.TTL {
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(elem)
	c.hits++
	return ent.quote, true
}

// Update inserts or refreshes a quote, evicting the least-recently-used
// entry if the cache is over capacity.
func (c *Cache) Update(symbol string, quote *models.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.update(symbol, quote)
}

func (c *Cache) update(symbol string, quote *models.Quote) {
	if elem, ok := c.items[symbol]; ok {
		ent := elem.Value.(*entry)
		ent.quote = quote
		ent.fetchedAt = time.Now()
		c.ll.MoveToFront(elem)
		return
	}

	elem := c.ll.PushFront(&entry{symbol: symbol, quote: quote, fetchedAt: time.Now()})
	c.items[symbol] = elem

	for c.ll.Len() > c.config.MaxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		ent := oldest.Value.(*entry)
		c.ll.Remove(oldest)
		delete(c.items, ent.symbol)
		c.evictions++
	}
}

// Invalidate drops a symbol from the cache. Called after a fill for that
// symbol, or after an execution failure attributable to a stale price.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[symbol]; ok {
		c.ll.Remove(elem)
		delete(c.items, symbol)
	}
}

// GetBatch returns quotes for the requested symbols, serving fresh cache
// entries directly and fetching only misses and stale entries from the
// live provider in bounded chunks. Symbols whose breaker is open or whose
// fetch fails are absent from the result.
func (c *Cache) GetBatch(ctx context.Context, symbols []string) map[string]*models.Quote {
	result := make(map[string]*models.Quote, len(symbols))
	var missing []string

	for _, symbol := range symbols {
		if quote, ok := c.Get(symbol); ok {
			result[symbol] = quote
		} else {
			missing = append(missing, symbol)
		}
	}

	for start := 0; start < len(missing); start += c.config.FetchChunkSize {
		end := start + c.config.FetchChunkSize
		if end > len(missing) {
			end = len(missing)
		}
		c.fetchChunk(ctx, missing[start:end], result)
	}

	return result
}

// fetchChunk fetches one chunk of symbols, honoring per-symbol breakers.
func (c *Cache) fetchChunk(ctx context.Context, symbols []string, result map[string]*models.Quote) {
	allowed := symbols[:0:0]
	for _, symbol := range symbols {
		if err := c.breakers.Get(symbol).Allow(); err != nil {
			c.logger.Debug().Str("symbol", symbol).Msg("Fetch skipped, circuit open")
			continue
		}
		allowed = append(allowed, symbol)
	}
	if len(allowed) == 0 {
		return
	}

	quotes, err := utils.RetryWithResult(ctx, c.config.Retry, func() (map[string]*models.Quote, error) {
		return c.provider.GetQuotes(ctx, allowed)
	})
	if err != nil {
		for _, symbol := range allowed {
			c.breakers.Get(symbol).RecordFailure()
		}
		c.logger.Warn().Err(err).Int("symbols", len(allowed)).Msg("Batch quote fetch failed")
		return
	}

	c.mu.Lock()
	for _, symbol := range allowed {
		quote, ok := quotes[symbol]
		if !ok || quote == nil {
			c.breakers.Get(symbol).RecordFailure()
			continue
		}
		c.breakers.Get(symbol).RecordSuccess()
		c.update(symbol, quote)
		result[symbol] = quote
	}
	c.mu.Unlock()
}

// GetOrFetch returns a fresh quote for one symbol, consulting the cache
// first and falling back to a live fetch guarded by the symbol's breaker.
func (c *Cache) GetOrFetch(ctx context.Context, symbol string) (*models.Quote, error) {
	if quote, ok := c.Get(symbol); ok {
		return quote, nil
	}

	breaker := c.breakers.Get(symbol)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}

	quote, err := utils.RetryWithResult(ctx, c.config.Retry, func() (*models.Quote, error) {
		return c.provider.GetQuote(ctx, symbol)
	})
	if err != nil {
		breaker.RecordFailure()
		return nil, errors.NewDataError("quote", symbol, "live fetch failed", err)
	}
	breaker.RecordSuccess()
	c.Update(symbol, quote)
	return quote, nil
}

// BreakerStats returns per-symbol breaker statistics.
func (c *Cache) BreakerStats() []resilience.Stats {
	return c.breakers.AllStats()
}

// Stats returns cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.ll.Len(),
	}
}

// Len returns the number of resident symbols.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
