package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradewatch/internal/broker"
	"tradewatch/internal/engine"
	"tradewatch/internal/errors"
	"tradewatch/internal/market"
	"tradewatch/internal/metrics"
	"tradewatch/internal/models"
	"tradewatch/internal/notify"
	"tradewatch/internal/pricecache"
	"tradewatch/internal/resilience"
	"tradewatch/internal/scheduler"
)

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the plan monitor",
		Long: `Run the monitoring loop: load active plans, evaluate their conditions
against market data every cycle, execute matches, and reconcile resting
orders until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireStore(app); err != nil {
				return err
			}
			return runMonitor(cmd.Context(), app)
		},
	}
}

func runMonitor(parent context.Context, app *App) error {
	cfg := app.Config
	logger := app.Logger

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway := broker.NewPaperGateway()
	provider := market.NewSimProvider(market.DefaultSimConfig(), gateway)

	cache := pricecache.New(pricecache.Config{
		TTL:            cfg.Cache.TTL,
		MaxSize:        cfg.Cache.MaxSize,
		FetchChunkSize: cfg.Cache.FetchChunkSize,
		Retry:          pricecache.DefaultConfig().Retry,
		Breaker:        pricecache.DefaultConfig().Breaker,
	}, provider, logger)

	pool := engine.NewPool(engine.PoolConfig{
		BatchSize:      cfg.Evaluation.BatchSize,
		BatchTimeout:   cfg.Evaluation.BatchTimeout,
		RoundTimeout:   cfg.Evaluation.RoundTimeout,
		MinWorkers:     cfg.Evaluation.MinWorkers,
		MaxWorkers:     cfg.Evaluation.MaxWorkers,
		SnapshotMaxAge: cfg.Evaluation.SnapshotMaxAge,
		Breaker: resilience.Config{
			FailureThreshold: cfg.Evaluation.FailureThreshold,
			SuccessThreshold: 1,
			Cooldown:         cfg.Evaluation.BreakerCooldown,
		},
	}, provider, logger)

	var hooks []engine.PostExecutionHook
	if cfg.Notifications.Enabled {
		hooks = append(hooks, engine.NotifierHook(notify.NewLogNotifier(logger), logger))
	}

	executor := engine.NewExecutor(gateway, cache, app.Store, hooks, logger)
	reconciler := engine.NewReconciler(engine.ReconcileConfig{
		MatchTolerance:  cfg.Reconcile.MatchTolerance,
		MatchWindow:     cfg.Reconcile.MatchWindow,
		VolumeTolerance: cfg.Reconcile.VolumeTolerance,
	}, gateway, app.Store, hooks, logger)

	monitor := engine.NewMonitor(engine.Config{
		BaseInterval: cfg.Monitor.BaseInterval,
		Scheduler: scheduler.Config{
			BaseInterval:   cfg.Monitor.BaseInterval,
			HighDistance:   cfg.Monitor.HighDistance,
			MediumDistance: cfg.Monitor.MediumDistance,
			RecentActivity: cfg.Monitor.RecentActivity,
			IdleAfter:      cfg.Monitor.IdleAfter,
		},
	}, app.Store, cache, pool, executor, reconciler, app.Parser, logger)

	if err := monitor.Load(ctx); err != nil {
		return errors.Wrap(err, "load plans")
	}

	// Start the simulated market near each plan's entry so paper runs
	// produce observable activity.
	for _, plan := range monitor.Plans() {
		if plan.EntryPrice > 0 {
			provider.SeedPrice(plan.Symbol, plan.EntryPrice)
		}
	}

	if cfg.Broker.StatusAddr != "" {
		startStatusServer(ctx, cfg.Broker.StatusAddr, monitor, logger)
	}

	err := monitor.Run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := app.Store.Flush(flushCtx); ferr != nil {
		logger.Error().Err(ferr).Msg("Flushing plan store on shutdown failed")
	}
	return err
}

// planAdmin is the monitor surface the status server exposes for
// in-process administration of the running plan set.
type planAdmin interface {
	Plans() []models.TradePlan
	RequestCancel(planID, reason string) error
}

func newStatusMux(admin planAdmin) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /plans", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(admin.Plans())
	})
	mux.HandleFunc("POST /plans/cancel", func(w http.ResponseWriter, r *http.Request) {
		planID := r.FormValue("id")
		if planID == "" {
			http.Error(w, "missing plan id", http.StatusBadRequest)
			return
		}
		reason := r.FormValue("reason")
		if reason == "" {
			reason = "cancelled via status endpoint"
		}
		if err := admin.RequestCancel(planID, reason); err != nil {
			if errors.Is(err, errors.ErrPlanNotFound) {
				http.Error(w, "plan not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

// startStatusServer serves /healthz, /metrics and the plan admin
// endpoints alongside the monitor.
func startStatusServer(ctx context.Context, addr string, admin planAdmin, logger zerolog.Logger) {
	server := &http.Server{Addr: addr, Handler: newStatusMux(admin)}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutCtx)
	}()
	go func() {
		logger.Info().Str("addr", addr).Msg("Status server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Status server failed")
		}
	}()
}
