// Command keeper is the funding-rate arbitrage keeper's process entry point.
// It loads configuration, wires every component spec.md names, runs the
// DBOS-durable startup reconciliation when engine_type is durable, then
// launches the scheduler and HTTP
// diagnostics surface until a termination signal arrives.
//
// Grounded on the teacher's internal/bootstrap.App lifecycle: a
// signal.NotifyContext root context plus an errgroup.Group running every
// long-lived component, graceful shutdown on SIGINT/SIGTERM, non-zero exit
// on an unrecoverable startup failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundingkeeper/internal/alert"
	"fundingkeeper/internal/breaker"
	"fundingkeeper/internal/config"
	"fundingkeeper/internal/core"
	"fundingkeeper/internal/diagnostics"
	"fundingkeeper/internal/evaluator"
	"fundingkeeper/internal/executor"
	"fundingkeeper/internal/funding"
	"fundingkeeper/internal/guardian"
	"fundingkeeper/internal/health"
	"fundingkeeper/internal/lockregistry"
	"fundingkeeper/internal/marketcache"
	"fundingkeeper/internal/orchestrator"
	"fundingkeeper/internal/perf"
	"fundingkeeper/internal/positionstore"
	"fundingkeeper/internal/reconciler"
	"fundingkeeper/internal/safety"
	"fundingkeeper/internal/scheduler"
	"fundingkeeper/internal/startup"
	"fundingkeeper/internal/venue"
	"fundingkeeper/pkg/logging"
	"fundingkeeper/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the keeper's YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "keeper: "+err.Error())
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLoggerFromString(cfg.System.LogLevel, nil)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.Info("keeper starting", "engine_type", cfg.App.EngineType, "active_venues", cfg.App.ActiveVenues)

	var tel *telemetry.Telemetry
	if cfg.Telemetry.EnableMetrics || cfg.Telemetry.EnableTracing {
		tel, err = telemetry.Setup("fundingkeeper")
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// Venue adapters: real REST/WebSocket connectivity, auth, and symbol
	// discovery are external collaborators per spec.md §6's Non-goals. The
	// seeded Mock stands in as the only concrete VenueAdapter this module
	// ships, so the rest of the system is wireable and runnable end to end.
	venues := make(map[string]core.VenueAdapter, len(cfg.App.ActiveVenues))
	feeRates := make(map[string]decimal.Decimal, len(cfg.App.ActiveVenues))
	breakers := make(map[string]core.CircuitBreaker, len(cfg.App.ActiveVenues))
	for _, name := range cfg.App.ActiveVenues {
		vc := cfg.Venues[name]
		m := venue.NewMock(name)
		venues[name] = m
		feeRates[name] = decimal.NewFromFloat(vc.FeeRate)
		breakers[name] = breaker.New(breaker.Config{
			FailureThreshold: cfg.CircuitBreaker.ErrorThresholdPerHour,
			FailureWindow:    cfg.CircuitBreaker.ErrorThresholdPerHour * 2,
			OpenDelaySeconds: cfg.CircuitBreaker.CooldownMS / 1000,
			HalfOpenAttempts: cfg.CircuitBreaker.HalfOpenAttempts,
		})
	}

	locks := lockregistry.New(logger)
	cache := marketcache.New(venues, cfg.Concurrency.MarketCachePoolSize, time.Duration(cfg.Timing.ReconcilerSeconds)*time.Second, logger)

	if err := os.MkdirAll(cfg.Persistence.PositionStateDir, 0o755); err != nil {
		return fmt.Errorf("create position state dir: %w", err)
	}
	store, err := positionstore.NewFileStore(cfg.Persistence.PositionStateDir + "/positions.json")
	if err != nil {
		return fmt.Errorf("open position store: %w", err)
	}
	sideStore, err := positionstore.NewSideStore(cfg.Persistence.SQLitePath)
	if err != nil {
		return fmt.Errorf("open side store: %w", err)
	}
	defer sideStore.Close()

	fundingSource := funding.NewMock()

	eval := evaluator.New(evaluator.Config{
		MinSpread:          decimal.NewFromFloat(cfg.Keeper.MinSpread),
		MaxPositionUSD:     decimal.NewFromFloat(cfg.Keeper.MaxPositionSizeUSD),
		Leverage:           decimal.NewFromFloat(cfg.Keeper.Leverage),
		MinHoursSaved:      decimal.NewFromFloat(cfg.Rotation.MinHoursSaved),
		StaticBlacklist:    cfg.Keeper.BlacklistedSymbols,
		ScanPoolSize:       cfg.Concurrency.EvaluatorPoolSize,
		AutoBlacklistAfter: cfg.Nuclear.MaxAttempts,
	}, fundingSource, venues, feeRates, logger)
	defer eval.Stop()

	exec := executor.New(executor.Config{
		RateLimitRPS:   float64(cfg.Concurrency.VenueRateLimitRPS),
		RateLimitBurst: cfg.Concurrency.VenueRateLimitBurst,
	}, locks, logger)

	orch := orchestrator.New(orchestrator.Config{
		MinHoursSaved:     decimal.NewFromFloat(cfg.Rotation.MinHoursSaved),
		ExecutionCooldown: time.Duration(cfg.Timing.ExecutionCooldownSeconds) * time.Second,
	}, venues, locks, cache, store, sideStore, eval, exec, breakers, logger)
	orch.SetSafetyChecker(safety.NewChecker(logger), decimal.NewFromFloat(cfg.Keeper.Leverage))

	alerts := alert.NewAlertManager(logger)
	if cfg.Alerting.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alerting.SlackWebhookURL))
	}
	if cfg.Alerting.TelegramBotToken != "" && cfg.Alerting.TelegramChatID != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerting.TelegramBotToken, cfg.Alerting.TelegramChatID))
	}

	g := guardian.New(guardian.Config{
		MinAge:        time.Duration(cfg.FillCheck.MinAgeSeconds) * time.Second,
		AggressiveAge: time.Duration(cfg.FillCheck.AggressiveAgeSeconds) * time.Second,
		MarketAge:     time.Duration(cfg.FillCheck.MarketAgeSeconds) * time.Second,
		ZombieTimeout: time.Duration(cfg.FillCheck.ZombieTimeoutSeconds) * time.Second,
	}, locks, venues, orch, logger)
	g.SetAlerter(alerts)

	rec := reconciler.New(reconciler.Config{
		Interval:            time.Duration(cfg.Timing.ReconcilerSeconds) * time.Second,
		DriftPct:            decimal.NewFromFloat(cfg.Nuclear.ImbalancePercent / 100),
		NuclearTimeout:      time.Duration(cfg.Nuclear.TimeoutMinutes) * time.Minute,
		PendingGrace:        time.Duration(cfg.Nuclear.PendingGraceMinutes) * time.Minute,
		MaxSingleLegRetries: cfg.Nuclear.MaxRecoveryRetries,
		MinProfitUSD:        decimal.NewFromFloat(cfg.ProfitTake.MinUSD),
		MaxReversionHours:   decimal.NewFromFloat(cfg.ProfitTake.MaxReversionHours),
		ProfitTakeCooldown:  time.Duration(cfg.ProfitTake.CooldownHours * float64(time.Hour)),
	}, venues, cache, store, locks, orch, fundingSource, feeRates, eval.MarkProfitTakeCooldown, logger)
	rec.SetAlerter(alerts)

	perfLog := perf.New()
	hm := health.NewManager(logger)
	hm.Register("position_store", func() error { _, err := store.GetAll(context.Background()); return err })
	hm.Register("side_store", func() error { _, _, err := sideStore.GetCooldown(context.Background(), "__healthcheck__"); return err })

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cache.RefreshAll(rootCtx); err != nil {
		logger.Warn("initial market cache refresh had errors", "error", err)
	}

	if cfg.App.EngineType == "durable" {
		startupEngine, err := startup.NewEngine(cfg.App.DatabaseURL, "fundingkeeper", cache, store, rec, logger)
		if err != nil {
			return fmt.Errorf("construct startup reconciliation engine: %w", err)
		}
		summary, err := startupEngine.Run(rootCtx)
		if err != nil {
			return fmt.Errorf("startup reconciliation: %w", err)
		}
		logger.Info("startup reconciliation done", "pairs_by_status", summary.PairsByStatus)
		defer startupEngine.Stop()
	}

	diagServer := diagnostics.New(diagnostics.Config{
		Addr:       cfg.System.DiagnosticsAddr,
		Venues:     venues,
		Locks:      locks,
		Store:      store,
		Evaluator:  eval,
		Reconciler: rec,
		PerfLog:    perfLog,
		Health:     hm,
		Actions:    orch,
	}, logger)
	diagServer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = diagServer.Stop(shutdownCtx)
	}()

	sched := scheduler.New(scheduler.Config{
		MainCycleCron: cfg.Timing.MainCycleCron,
		Symbols:       cfg.Keeper.Symbols,
	}, locks, orch.RunMainCycle, logger)
	sched.AddTask(scheduler.Task{Name: "guardian_cache_refresh", Interval: time.Duration(cfg.Timing.BalanceCheckSeconds) * time.Second, Run: cache.RefreshAll})
	sched.AddTask(scheduler.Task{Name: "rotation", Interval: time.Duration(cfg.Timing.RotationSeconds) * time.Second, Run: func(ctx context.Context) error {
		return orch.RunRotationCycle(ctx, cfg.Keeper.Symbols)
	}})

	g2, gctx := errgroup.WithContext(rootCtx)
	g2.Go(func() error { return g.Start(gctx) })
	g2.Go(func() error { return rec.Start(gctx) })
	g2.Go(func() error { return sched.Start(gctx) })

	if err := g2.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("a keeper component failed to start", "error", err)
		return err
	}

	<-rootCtx.Done()
	logger.Info("shutdown signal received, stopping components")

	sched.Stop()
	rec.Stop()
	g.Stop()

	logger.Info("keeper shut down gracefully")
	return nil
}
