package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/errors"
	"tradewatch/internal/models"
)

const (
	writerMaxAttempts  = 5
	writerInitialDelay = 100 * time.Millisecond
	writerMaxDelay     = 5 * time.Second
)

// planWriter is the single serialized writer to the durable store.
// Writes are coalesced per plan (latest snapshot wins) and retried with
// bounded backoff; a write that keeps failing is re-queued, never
// silently dropped.
type planWriter struct {
	db     *sql.DB
	logger zerolog.Logger

	mu       sync.Mutex
	order    []string
	latest   map[string]*models.TradePlan
	inflight *models.TradePlan
	closed   bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

func newPlanWriter(db *sql.DB, logger zerolog.Logger) *planWriter {
	return &planWriter{
		db:     db,
		logger: logger.With().Str("component", "plan_writer").Logger(),
		latest: make(map[string]*models.TradePlan),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

func (w *planWriter) start() {
	w.wg.Add(1)
	go w.run()
}

// enqueue queues a durable write of the plan snapshot. If a write for
// the same plan is already queued, the newer snapshot replaces it.
func (w *planWriter) enqueue(plan *models.TradePlan) error {
	cp := *plan

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.ErrStoreClosed
	}
	if _, queued := w.latest[cp.ID]; !queued {
		w.order = append(w.order, cp.ID)
	}
	w.latest[cp.ID] = &cp
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// pending returns the queued or in-flight snapshot for a plan, if any.
// This gives readers a consistent view before the durable write lands,
// including while the write itself is stalled on a busy database.
func (w *planWriter) pending(planID string) (*models.TradePlan, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if plan, ok := w.latest[planID]; ok {
		cp := *plan
		return &cp, true
	}
	if w.inflight != nil && w.inflight.ID == planID {
		cp := *w.inflight
		return &cp, true
	}
	return nil, false
}

// snapshots returns every queued and in-flight snapshot keyed by plan
// id. A queued snapshot shadows the in-flight one for the same plan.
func (w *planWriter) snapshots() map[string]models.TradePlan {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]models.TradePlan, len(w.latest)+1)
	if w.inflight != nil {
		out[w.inflight.ID] = *w.inflight
	}
	for id, plan := range w.latest {
		out[id] = *plan
	}
	return out
}

// pop dequeues the next snapshot and marks it in-flight. The snapshot
// stays visible to readers until done() is called.
func (w *planWriter) pop() (*models.TradePlan, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.order) == 0 {
		return nil, false
	}
	id := w.order[0]
	w.order = w.order[1:]
	plan := w.latest[id]
	delete(w.latest, id)
	w.inflight = plan
	return plan, true
}

func (w *planWriter) done() {
	w.mu.Lock()
	w.inflight = nil
	w.mu.Unlock()
}

// requeue pushes a failed write to the back of the queue, unless a
// newer snapshot for the plan was queued meanwhile, and clears the
// in-flight slot in the same critical section so the snapshot never
// goes invisible to readers.
func (w *planWriter) requeue(plan *models.TradePlan) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight = nil
	if w.closed {
		return false
	}
	if _, newer := w.latest[plan.ID]; !newer {
		w.order = append(w.order, plan.ID)
		w.latest[plan.ID] = plan
	}
	return true
}

func (w *planWriter) run() {
	defer w.wg.Done()
	for {
		plan, ok := w.pop()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-w.quit:
				return
			}
		}

		if err := w.writeWithRetry(plan); err != nil {
			w.logger.Error().Err(err).Str("plan_id", plan.ID).
				Msg("Durable write still failing, re-queued")
			// Push to the back so other plans are not starved.
			if !w.requeue(plan) {
				w.logger.Error().Str("plan_id", plan.ID).
					Msg("Dropping write for closed store")
			}
			select {
			case <-time.After(writerMaxDelay):
			case <-w.quit:
				// Final drain happens in stop().
			}
			continue
		}
		w.done()
	}
}

func (w *planWriter) writeWithRetry(plan *models.TradePlan) error {
	var lastErr error
	delay := writerInitialDelay
	for attempt := 0; attempt < writerMaxAttempts; attempt++ {
		if err := w.write(plan); err != nil {
			lastErr = err
			if attempt < writerMaxAttempts-1 {
				time.Sleep(delay)
				delay *= 2
				if delay > writerMaxDelay {
					delay = writerMaxDelay
				}
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (w *planWriter) write(plan *models.TradePlan) error {
	var executedAt interface{}
	if plan.ExecutedAt != nil {
		executedAt = *plan.ExecutedAt
	}
	var expiresAt interface{}
	if !plan.ExpiresAt.IsZero() {
		expiresAt = plan.ExpiresAt
	}

	_, err := w.db.Exec(`
		INSERT OR REPLACE INTO trade_plans (
			plan_id, symbol, direction, entry_price, stop_loss, take_profit, volume,
			order_type, conditions, status, pending_order_ticket, ticket, strategy,
			notes, cancel_reason, created_at, expires_at, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.Symbol, string(plan.Direction), plan.EntryPrice, plan.StopLoss,
		plan.TakeProfit, plan.Volume, string(plan.OrderType), string(plan.ConditionsRaw),
		string(plan.Status), plan.PendingOrderTicket, plan.Ticket, plan.Strategy,
		plan.Notes, plan.CancelReason, plan.CreatedAt, expiresAt, executedAt,
	)
	return err
}

// flush blocks until every queued write has been attempted or the
// context is cancelled.
func (w *planWriter) flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		w.mu.Lock()
		empty := len(w.order) == 0 && w.inflight == nil
		w.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// stop drains the queue with one final attempt per plan, then shuts the
// writer down.
func (w *planWriter) stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.quit)
	w.wg.Wait()

	// Final drain: one attempt per remaining plan.
	for {
		plan, ok := w.pop()
		if !ok {
			return
		}
		if err := w.write(plan); err != nil {
			w.logger.Error().Err(err).Str("plan_id", plan.ID).
				Msg("Failed to persist plan during shutdown")
		}
		w.done()
	}
}
