package pricecache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/errors"
	"tradewatch/internal/models"
	"tradewatch/internal/resilience"
	"tradewatch/pkg/utils"
)

// stubProvider serves canned quotes and fails configured symbols.
type stubProvider struct {
	mu      sync.Mutex
	prices  map[string]float64
	failing map[string]bool
	calls   int
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		prices:  make(map[string]float64),
		failing: make(map[string]bool),
	}
}

func (p *stubProvider) setPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *stubProvider) fail(symbol string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[symbol] = failing
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *stubProvider) quote(symbol string) (*models.Quote, bool) {
	price, ok := p.prices[symbol]
	if !ok {
		return nil, false
	}
	return &models.Quote{Symbol: symbol, Bid: price - 0.01, Ask: price + 0.01, Timestamp: time.Now()}, true
}

func (p *stubProvider) GetQuote(_ context.Context, symbol string) (*models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failing[symbol] {
		return nil, errors.ErrQuoteUnavailable
	}
	quote, ok := p.quote(symbol)
	if !ok {
		return nil, errors.ErrQuoteUnavailable
	}
	return quote, nil
}

func (p *stubProvider) GetQuotes(_ context.Context, symbols []string) (map[string]*models.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	quotes := make(map[string]*models.Quote, len(symbols))
	for _, symbol := range symbols {
		if p.failing[symbol] {
			continue
		}
		if quote, ok := p.quote(symbol); ok {
			quotes[symbol] = quote
		}
	}
	return quotes, nil
}

func (p *stubProvider) GetSnapshot(_ context.Context, symbol string) (*models.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[symbol] {
		return nil, errors.ErrSnapshotStale
	}
	price := p.prices[symbol]
	return &models.Snapshot{Symbol: symbol, Price: price, Timestamp: time.Now()}, nil
}

func testConfig() Config {
	return Config{
		TTL:            time.Minute,
		MaxSize:        3,
		FetchChunkSize: 2,
		Retry:          utils.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1},
		Breaker:        resilience.Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: time.Minute},
	}
}

func TestGetMissThenHit(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("EURUSD", 1.09)
	cache := New(testConfig(), provider, zerolog.Nop())

	if _, ok := cache.Get("EURUSD"); ok {
		t.Fatal("empty cache must miss")
	}

	quote, err := cache.GetOrFetch(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if quote.Symbol != "EURUSD" {
		t.Fatalf("wrong quote: %+v", quote)
	}

	if _, ok := cache.Get("EURUSD"); !ok {
		t.Fatal("fetched quote must be cached")
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("stats = %+v, want 1 hit and 2 misses", stats)
	}
}

func TestTTLExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.TTL = 10 * time.Millisecond
	provider := newStubProvider()
	cache := New(cfg, provider, zerolog.Nop())

	cache.Update("EURUSD", &models.Quote{Symbol: "EURUSD", Bid: 1, Ask: 1})
	if _, ok := cache.Get("EURUSD"); !ok {
		t.Fatal("fresh entry must hit")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := cache.Get("EURUSD"); ok {
		t.Fatal("expired entry must miss")
	}
}

func TestLRUBoundAndEvictionOrder(t *testing.T) {
	provider := newStubProvider()
	cache := New(testConfig(), provider, zerolog.Nop()) // MaxSize 3

	for _, symbol := range []string{"A", "B", "C"} {
		cache.Update(symbol, &models.Quote{Symbol: symbol, Bid: 1, Ask: 1})
	}
	// Touch A so B becomes least recently used.
	if _, ok := cache.Get("A"); !ok {
		t.Fatal("A must be resident")
	}

	cache.Update("D", &models.Quote{Symbol: "D", Bid: 1, Ask: 1})

	if cache.Len() != 3 {
		t.Fatalf("cache size = %d, want 3", cache.Len())
	}
	if _, ok := cache.Get("B"); ok {
		t.Error("B was least recently used and must be evicted")
	}
	for _, symbol := range []string{"A", "C", "D"} {
		if _, ok := cache.Get(symbol); !ok {
			t.Errorf("%s must still be resident", symbol)
		}
	}
	if cache.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", cache.Stats().Evictions)
	}
}

func TestInvalidate(t *testing.T) {
	provider := newStubProvider()
	cache := New(testConfig(), provider, zerolog.Nop())

	cache.Update("EURUSD", &models.Quote{Symbol: "EURUSD", Bid: 1, Ask: 1})
	cache.Invalidate("EURUSD")
	if _, ok := cache.Get("EURUSD"); ok {
		t.Fatal("invalidated entry must miss")
	}
}

func TestGetBatchServesHitsAndFetchesMisses(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("A", 1)
	provider.setPrice("B", 2)
	provider.setPrice("C", 3)
	cache := New(testConfig(), provider, zerolog.Nop())

	cache.Update("A", &models.Quote{Symbol: "A", Bid: 1, Ask: 1, Timestamp: time.Now()})

	quotes := cache.GetBatch(context.Background(), []string{"A", "B", "C"})
	if len(quotes) != 3 {
		t.Fatalf("got %d quotes, want 3", len(quotes))
	}
	// A was cached; B and C need fetching, chunk size 2 keeps it to one call.
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", provider.callCount())
	}
}

func TestGetBatchChunks(t *testing.T) {
	provider := newStubProvider()
	symbols := make([]string, 5)
	for i := range symbols {
		symbols[i] = fmt.Sprintf("SYM%d", i)
		provider.setPrice(symbols[i], float64(i+1))
	}
	cache := New(testConfig(), provider, zerolog.Nop()) // chunk size 2

	quotes := cache.GetBatch(context.Background(), symbols)
	if len(quotes) != 5 {
		t.Fatalf("got %d quotes, want 5", len(quotes))
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3 chunks of <=2", provider.callCount())
	}
}

func TestPerSymbolBreakerIsolation(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("GOOD", 1)
	provider.fail("BAD", true)
	cache := New(testConfig(), provider, zerolog.Nop())

	ctx := context.Background()

	// Trip BAD's breaker with consecutive failures.
	for i := 0; i < 3; i++ {
		if _, err := cache.GetOrFetch(ctx, "BAD"); err == nil {
			t.Fatal("failing symbol must error")
		}
	}

	if _, err := cache.GetOrFetch(ctx, "BAD"); !errors.Is(err, errors.ErrCircuitOpen) {
		t.Fatalf("BAD's breaker must be open, got %v", err)
	}

	// GOOD is unaffected.
	if _, err := cache.GetOrFetch(ctx, "GOOD"); err != nil {
		t.Fatalf("healthy symbol must still fetch, got %v", err)
	}
}

func TestGetBatchSkipsOpenBreaker(t *testing.T) {
	provider := newStubProvider()
	provider.setPrice("GOOD", 1)
	provider.setPrice("BAD", 2)
	provider.fail("BAD", true)
	cache := New(testConfig(), provider, zerolog.Nop())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cache.GetBatch(ctx, []string{"BAD"})
	}

	before := provider.callCount()
	quotes := cache.GetBatch(ctx, []string{"GOOD", "BAD"})
	if _, ok := quotes["BAD"]; ok {
		t.Error("open-breaker symbol must be absent from the batch result")
	}
	if _, ok := quotes["GOOD"]; !ok {
		t.Error("healthy symbol must be fetched")
	}
	if provider.callCount() != before+1 {
		t.Errorf("expected one fetch for the healthy symbol, got %d", provider.callCount()-before)
	}
}
