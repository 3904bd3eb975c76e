package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/brickswap/backend/internal/admin"
	"github.com/brickswap/backend/internal/auth"
	"github.com/brickswap/backend/internal/config"
	"github.com/brickswap/backend/internal/database"
	"github.com/brickswap/backend/internal/execution"
	"github.com/brickswap/backend/internal/ledger"
	"github.com/brickswap/backend/internal/metrics"
	"github.com/brickswap/backend/internal/middleware"
	"github.com/brickswap/backend/internal/posts"
	"github.com/brickswap/backend/internal/repository"
	"github.com/brickswap/backend/internal/router"
	"github.com/brickswap/backend/internal/tokens"
	"github.com/brickswap/backend/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		slog.Error("Cannot reach PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	m := metrics.New()

	// Ledger
	accountRepo := repository.NewAccountRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	postRepo := repository.NewPostRepo(pool)

	engine := ledger.NewEngine(pool, accountRepo, ledgerRepo,
		ledger.WithTimeout(cfg.LedgerTxTimeout),
		ledger.WithRecorder(m),
		ledger.WithLogger(logger),
	)
	policy := ledger.NewPolicy(engine)
	reconciler := ledger.NewReconciler(pool, accountRepo, ledgerRepo)

	validator, err := validation.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	// Reconciliation sweep
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewReconcileLedgerWorker(accountRepo, reconciler, m, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.PeriodicReconcile(cfg.ReconcileInterval)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	// HTTP
	authSvc := auth.NewService(accountRepo, cfg.JWTSecret, cfg.JWTTTL, cfg.StartingCredits)
	postSvc := posts.NewService(pool, postRepo, policy, cfg.LedgerTxTimeout, logger)

	earnLimiter := middleware.NewRateLimiter(cfg.AdRewardRate, cfg.AdRewardBurst, logger)
	earnLimiter.StartCleanup(5*time.Minute, ctx.Done())

	mux := router.New(router.Deps{
		Auth:    auth.NewHandler(authSvc, logger),
		Tokens:  tokens.NewHandler(policy, accountRepo, ledgerRepo, logger),
		Posts:   posts.NewHandler(postSvc, validator, logger),
		Admin:   admin.NewHandler(accountRepo, ledgerRepo, policy, reconciler, validator, logger),
		Tokener: authSvc,
		EarnRL:  earnLimiter,
		Metrics: m.Handler(),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}).Handler(m.Instrument(mux))

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown", "error", err)
	}
}
