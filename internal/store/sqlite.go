package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"tradewatch/internal/errors"
	"tradewatch/internal/models"
)

// Config holds store configuration.
type Config struct {
	Path         string
	MaxOpenConns int
	MaxIdleConns int
	InMemory     bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Path:         "tradewatch.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}
}

// SQLiteStore implements PlanStore using SQLite with WAL journaling.
// Reads go through the pooled *sql.DB; all writes are funneled through
// a single writer goroutine.
type SQLiteStore struct {
	db     *sql.DB
	writer *planWriter
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the plan database.
func NewSQLiteStore(cfg Config, logger zerolog.Logger) (*SQLiteStore, error) {
	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	if cfg.InMemory {
		dsn = "file::memory:?mode=memory&cache=shared"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Bounded pool for the synchronous read path
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}

	s.writer = newPlanWriter(db, s.logger)
	s.writer.start()

	return s, nil
}

// initSchema creates the plan table and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trade_plans (
		plan_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		stop_loss REAL NOT NULL,
		take_profit REAL NOT NULL,
		volume REAL NOT NULL,
		order_type TEXT NOT NULL,
		conditions TEXT,
		status TEXT NOT NULL,
		pending_order_ticket TEXT,
		ticket TEXT,
		strategy TEXT,
		notes TEXT,
		cancel_reason TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME,
		executed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_plans_symbol ON trade_plans(symbol);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON trade_plans(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

const planColumns = `plan_id, symbol, direction, entry_price, stop_loss, take_profit, volume,
	order_type, conditions, status, pending_order_ticket, ticket, strategy, notes,
	cancel_reason, created_at, expires_at, executed_at`

// Add persists a new plan. Duplicate ids are rejected against the
// current durable + queued view before enqueueing.
func (s *SQLiteStore) Add(ctx context.Context, plan *models.TradePlan) error {
	if plan.ID == "" {
		return errors.NewValidationError("plan_id", plan.ID, "must not be empty")
	}
	if _, err := s.Get(ctx, plan.ID); err == nil {
		return errors.ErrDuplicatePlan
	} else if !errors.Is(err, errors.ErrPlanNotFound) {
		return err
	}
	return s.writer.enqueue(plan)
}

// Get returns a plan by id.
func (s *SQLiteStore) Get(ctx context.Context, planID string) (*models.TradePlan, error) {
	// The writer queue may hold a newer version than the database.
	if plan, ok := s.writer.pending(planID); ok {
		return plan, nil
	}

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM trade_plans WHERE plan_id = ?", planColumns), planID)
	plan, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrPlanNotFound
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabaseError, err.Error())
	}
	return plan, nil
}

// UpdateStatus enqueues a durable write of the plan's current state.
func (s *SQLiteStore) UpdateStatus(plan *models.TradePlan) {
	if err := s.writer.enqueue(plan); err != nil {
		s.logger.Error().Err(err).Str("plan_id", plan.ID).Msg("Failed to enqueue plan write")
	}
}

// Cancel marks a plan cancelled with a reason.
func (s *SQLiteStore) Cancel(ctx context.Context, planID, reason string) error {
	plan, err := s.Get(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status.IsTerminal() {
		return errors.ErrPlanTerminal
	}
	plan.Status = models.PlanCancelled
	plan.PendingOrderTicket = ""
	plan.CancelReason = reason
	return s.writer.enqueue(plan)
}

// LoadActive returns every plan whose last-known status is active. Rows
// are overlaid with queued and in-flight writer snapshots so the view
// reflects writes that have not landed durably yet.
func (s *SQLiteStore) LoadActive(ctx context.Context) ([]models.TradePlan, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM trade_plans WHERE status IN (?, ?) ORDER BY created_at", planColumns),
		string(models.PlanPending), string(models.PlanPendingOrderPlaced))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabaseError, err.Error())
	}
	defer rows.Close()
	plans, err := scanPlans(rows)
	if err != nil {
		return nil, err
	}

	queued := s.writer.snapshots()
	out := plans[:0]
	for _, plan := range plans {
		if snap, ok := queued[plan.ID]; ok {
			delete(queued, plan.ID)
			if snap.Status.IsTerminal() {
				continue
			}
			plan = snap
		}
		out = append(out, plan)
	}
	// Fresh adds whose first write has not landed yet.
	for _, snap := range queued {
		if !snap.Status.IsTerminal() {
			out = append(out, snap)
		}
	}
	return out, nil
}

// List returns plans matching the filter, most recent first.
func (s *SQLiteStore) List(ctx context.Context, filter PlanFilter) ([]models.TradePlan, error) {
	query := fmt.Sprintf("SELECT %s FROM trade_plans WHERE 1=1", planColumns)
	var args []interface{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Strategy != "" {
		query += " AND strategy = ?"
		args = append(args, filter.Strategy)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabaseError, err.Error())
	}
	defer rows.Close()
	return scanPlans(rows)
}

// Flush blocks until all enqueued writes have been attempted.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	return s.writer.flush(ctx)
}

// Close flushes pending writes and closes the database.
func (s *SQLiteStore) Close() error {
	s.writer.stop()
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*models.TradePlan, error) {
	var plan models.TradePlan
	var conditions, pendingTicket, ticket, strategy, notes, cancelReason sql.NullString
	var expiresAt, executedAt sql.NullTime

	err := row.Scan(
		&plan.ID, &plan.Symbol, &plan.Direction, &plan.EntryPrice, &plan.StopLoss,
		&plan.TakeProfit, &plan.Volume, &plan.OrderType, &conditions, &plan.Status,
		&pendingTicket, &ticket, &strategy, &notes, &cancelReason,
		&plan.CreatedAt, &expiresAt, &executedAt,
	)
	if err != nil {
		return nil, err
	}

	if conditions.Valid {
		plan.ConditionsRaw = []byte(conditions.String)
	}
	plan.PendingOrderTicket = pendingTicket.String
	plan.Ticket = ticket.String
	plan.Strategy = strategy.String
	plan.Notes = notes.String
	plan.CancelReason = cancelReason.String
	if expiresAt.Valid {
		plan.ExpiresAt = expiresAt.Time
	}
	if executedAt.Valid {
		t := executedAt.Time
		plan.ExecutedAt = &t
	}
	return &plan, nil
}

func scanPlans(rows *sql.Rows) ([]models.TradePlan, error) {
	var plans []models.TradePlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabaseError, err.Error())
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}
