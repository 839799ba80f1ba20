package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradewatch/internal/condition"
	"tradewatch/internal/market"
	"tradewatch/internal/metrics"
	"tradewatch/internal/models"
	"tradewatch/internal/resilience"
	"tradewatch/internal/scheduler"
)

// PoolConfig holds parallel-evaluation tuning.
type PoolConfig struct {
	// BatchSize is how many plans go into one evaluation batch (10-20).
	BatchSize int
	// BatchTimeout bounds a single batch; plans in a timed-out batch are
	// reported false, never treated as matched.
	BatchTimeout time.Duration
	// RoundTimeout bounds the whole evaluation round.
	RoundTimeout time.Duration
	// MinWorkers / MaxWorkers clamp the worker pool size.
	MinWorkers int
	MaxWorkers int
	// SnapshotMaxAge is how old a snapshot may be before predicates
	// fail closed.
	SnapshotMaxAge time.Duration
	// Breaker configures the global evaluation circuit breaker: after
	// its failure threshold of batch-level failures, parallel evaluation
	// is disabled for the cooldown and rounds run sequentially.
	Breaker resilience.Config
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		BatchSize:      15,
		BatchTimeout:   10 * time.Second,
		RoundTimeout:   15 * time.Second,
		MinWorkers:     4,
		MaxWorkers:     10,
		SnapshotMaxAge: 30 * time.Second,
		Breaker: resilience.Config{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Cooldown:         5 * time.Minute,
		},
	}
}

// EvalRequest is one plan's evaluation work item.
type EvalRequest struct {
	PlanID string
	Symbol string
	Conds  condition.Set
}

// SymbolFlags carries the volatility and session state observed for a
// symbol during a round, used by the scheduler to adapt intervals.
type SymbolFlags struct {
	HighVolatility bool
	ActiveSession  bool
}

// RoundStats summarizes one evaluation round.
type RoundStats struct {
	Evaluated     int
	Matched       int
	Errors        int
	BatchesFailed int
	Sequential    bool
	Duration      time.Duration
	// Flags holds per-symbol snapshot flags observed this round.
	Flags map[string]SymbolFlags
}

// Pool evaluates batches of plans' conditions concurrently. Snapshot
// fetches are the I/O-bound part; results for plans whose snapshot is
// missing, stale, or errored are false (fail closed). A global circuit
// breaker degrades the pool to sequential evaluation after repeated
// batch failures.
type Pool struct {
	cfg      PoolConfig
	provider market.Provider
	breaker  *resilience.CircuitBreaker
	logger   zerolog.Logger

	// countersMu guards the shared failure counters written from worker
	// goroutines. Deliberately distinct from any plan-table lock.
	countersMu       sync.Mutex
	snapshotFailures map[string]int64
}

// NewPool creates an evaluation pool over the given snapshot provider.
func NewPool(cfg PoolConfig, provider market.Provider, logger zerolog.Logger) *Pool {
	return &Pool{
		cfg:              cfg,
		provider:         provider,
		breaker:          resilience.New("evaluation", cfg.Breaker),
		logger:           logger.With().Str("component", "eval_pool").Logger(),
		snapshotFailures: make(map[string]int64),
	}
}

// EvaluateBatch evaluates every request and returns plan-id → matched.
// Every requested plan id is present in the result; anything that could
// not be confirmed is false.
func (p *Pool) EvaluateBatch(ctx context.Context, reqs []EvalRequest, now time.Time) (map[string]bool, RoundStats) {
	start := time.Now()
	results := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		results[req.PlanID] = false
	}
	if len(reqs) == 0 {
		return results, RoundStats{}
	}

	var stats RoundStats
	snaps := newSnapshotRound(p)
	if err := p.breaker.Allow(); err != nil {
		stats.Sequential = true
		p.evaluateSequential(ctx, snaps, reqs, now, results, &stats)
	} else {
		p.evaluateParallel(ctx, snaps, reqs, now, results, &stats)
	}
	stats.Flags = snaps.flags()

	stats.Evaluated = len(reqs)
	for _, matched := range results {
		if matched {
			stats.Matched++
		}
	}
	stats.Duration = time.Since(start)
	metrics.BatchDuration.Observe(stats.Duration.Seconds())
	return results, stats
}

func (p *Pool) evaluateParallel(ctx context.Context, snaps *snapshotRound, reqs []EvalRequest, now time.Time, results map[string]bool, stats *RoundStats) {
	roundCtx, cancel := context.WithTimeout(ctx, p.cfg.RoundTimeout)
	defer cancel()

	workers := scheduler.PoolSize(runtime.NumCPU(), len(reqs), p.cfg.MinWorkers, p.cfg.MaxWorkers)

	var resultMu sync.Mutex
	var statsMu sync.Mutex

	g, gctx := errgroup.WithContext(roundCtx)
	g.SetLimit(workers)

	for start := 0; start < len(reqs); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(reqs) {
			end = len(reqs)
		}
		batch := reqs[start:end]

		g.Go(func() error {
			batchCtx, batchCancel := context.WithTimeout(gctx, p.cfg.BatchTimeout)
			defer batchCancel()

			errCount := 0
			for _, req := range batch {
				if batchCtx.Err() != nil {
					// Timed out: the rest of the batch stays unconfirmed.
					break
				}
				matched, err := p.evaluateOne(batchCtx, snaps, req, now)
				if err != nil {
					errCount++
					continue
				}
				if matched {
					resultMu.Lock()
					results[req.PlanID] = true
					resultMu.Unlock()
				}
			}

			timedOut := batchCtx.Err() != nil
			failed := timedOut || errCount*2 > len(batch)

			statsMu.Lock()
			stats.Errors += errCount
			if failed {
				stats.BatchesFailed++
			}
			statsMu.Unlock()

			if failed {
				p.breaker.RecordFailure()
				p.logger.Warn().
					Bool("timed_out", timedOut).
					Int("errors", errCount).
					Int("batch_size", len(batch)).
					Msg("Evaluation batch failed, plans left unconfirmed")
			}
			return nil
		})
	}

	_ = g.Wait()

	if stats.BatchesFailed == 0 {
		p.breaker.RecordSuccess()
	} else if p.breaker.State() == resilience.CircuitOpen {
		metrics.BreakerTrips.WithLabelValues("evaluation").Inc()
		p.logger.Warn().Msg("Evaluation circuit open, falling back to sequential rounds")
	}
}

func (p *Pool) evaluateSequential(ctx context.Context, snaps *snapshotRound, reqs []EvalRequest, now time.Time, results map[string]bool, stats *RoundStats) {
	for _, req := range reqs {
		if ctx.Err() != nil {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
		matched, err := p.evaluateOne(reqCtx, snaps, req, now)
		cancel()
		if err != nil {
			stats.Errors++
			continue
		}
		results[req.PlanID] = matched
	}
}

// evaluateOne fetches the symbol snapshot (memoized per round) and runs
// the plan's condition set against it.
func (p *Pool) evaluateOne(ctx context.Context, snaps *snapshotRound, req EvalRequest, now time.Time) (bool, error) {
	snap, err := snaps.get(ctx, req.Symbol)
	if err != nil {
		p.recordSnapshotFailure(req.Symbol)
		return false, err
	}
	if !snap.Fresh(now, p.cfg.SnapshotMaxAge) {
		return false, nil
	}
	return req.Conds.Evaluate(snap, now), nil
}

func (p *Pool) recordSnapshotFailure(symbol string) {
	p.countersMu.Lock()
	p.snapshotFailures[symbol]++
	p.countersMu.Unlock()
}

// SnapshotFailures returns the per-symbol snapshot failure counts.
func (p *Pool) SnapshotFailures() map[string]int64 {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	out := make(map[string]int64, len(p.snapshotFailures))
	for k, v := range p.snapshotFailures {
		out[k] = v
	}
	return out
}

// BreakerState returns the global evaluation breaker state.
func (p *Pool) BreakerState() resilience.CircuitState {
	return p.breaker.State()
}

// snapshotRound memoizes snapshot fetches for one evaluation round so
// plans sharing a symbol share one provider call.
type snapshotRound struct {
	pool *Pool
	mu   sync.Mutex
	done map[string]*snapshotResult
}

type snapshotResult struct {
	ready chan struct{}
	snap  *models.Snapshot
	err   error
}

func newSnapshotRound(pool *Pool) *snapshotRound {
	return &snapshotRound{pool: pool, done: make(map[string]*snapshotResult)}
}

// flags returns the per-symbol flags from every snapshot fetched this
// round.
func (r *snapshotRound) flags() map[string]SymbolFlags {
	r.mu.Lock()
	defer r.mu.Unlock()
	flags := make(map[string]SymbolFlags, len(r.done))
	for symbol, res := range r.done {
		select {
		case <-res.ready:
		default:
			continue
		}
		if res.err != nil || res.snap == nil {
			continue
		}
		flags[symbol] = SymbolFlags{
			HighVolatility: res.snap.HighVolatility,
			ActiveSession:  res.snap.ActiveSession,
		}
	}
	return flags
}

func (r *snapshotRound) get(ctx context.Context, symbol string) (*models.Snapshot, error) {
	r.mu.Lock()
	res, ok := r.done[symbol]
	if !ok {
		res = &snapshotResult{ready: make(chan struct{})}
		r.done[symbol] = res
		r.mu.Unlock()

		res.snap, res.err = r.pool.provider.GetSnapshot(ctx, symbol)
		close(res.ready)
		return res.snap, res.err
	}
	r.mu.Unlock()

	select {
	case <-res.ready:
		return res.snap, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
