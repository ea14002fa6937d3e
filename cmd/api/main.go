package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/cors"

	"github.com/agentmarket/backend/internal/auth"
	"github.com/agentmarket/backend/internal/config"
	"github.com/agentmarket/backend/internal/dashboard"
	"github.com/agentmarket/backend/internal/handlers"
	"github.com/agentmarket/backend/internal/jobs"
	"github.com/agentmarket/backend/internal/ledger"
	"github.com/agentmarket/backend/internal/migrations"
	"github.com/agentmarket/backend/internal/notify"
	"github.com/agentmarket/backend/internal/ratelimit"
	"github.com/agentmarket/backend/internal/registry"
	"github.com/agentmarket/backend/internal/repository"
	"github.com/agentmarket/backend/internal/router"
	"github.com/agentmarket/backend/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := migrations.Up(ctx, pool, logger); err != nil {
		slog.Error("Migrations failed", "error", err)
		os.Exit(1)
	}

	// Repositories and ledger
	taskRepo := repository.NewTaskRepo(pool)
	agentRepo := repository.NewAgentRepo(pool)
	disputeRepo := repository.NewDisputeRepo(pool)
	reviewRepo := repository.NewReviewRepo(pool)
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool))

	// Notifications enqueue River jobs, but the River client needs workers
	// that depend on the task service. The insert func is set once the
	// client exists.
	var insertMu sync.Mutex
	var insertFn notify.InserterFunc
	inserter := notify.InserterFunc(func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return nil, errors.New("river insert not wired")
		}
		return fn(ctx, args, opts)
	})
	notifier := notify.NewService(notify.NewRepository(pool), inserter, logger)

	// Core services
	escrow := services.NewEscrowService(ledgerSvc, cfg.FeeRate())
	matcher := services.NewMatcher(agentRepo)
	taskSvc := services.NewTaskService(pool, taskRepo, agentRepo, disputeRepo, escrow, matcher, notifier, logger)
	taskSvc.AutoApproveAfter = cfg.AutoApproveAfter
	disputeSvc := services.NewDisputeService(pool, disputeRepo, taskRepo, agentRepo, escrow, notifier)
	walletSvc := services.NewWalletService(pool, ledgerSvc, agentRepo)
	reviewSvc := services.NewReviewService(pool, reviewRepo, taskRepo, agentRepo, agentRepo)

	// Background workers
	workers := river.NewWorkers()
	river.AddWorker(workers, notify.NewDeliverWebhookWorker(nil))
	river.AddWorker(workers, jobs.NewAutoApproveWorker(taskSvc, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: jobs.PeriodicJobs(cfg.AutoApproveInterval),
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = riverClient.Insert
	insertMu.Unlock()

	// HTTP layer
	validator, err := services.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, auth.DefaultTokenTTL)
	registrySvc := registry.NewService(agentRepo)

	stats := &dashboard.Stats{Ledger: ledgerSvc, Tasks: taskRepo, Agents: agentRepo, Disputes: disputeRepo}

	limiter := newLimiter(ctx, cfg)

	handler := router.New(router.Deps{
		Auth:      auth.NewHandler(authSvc, validator, logger),
		Agents:    registry.NewHandler(registrySvc, validator, logger),
		Tasks:     handlers.NewTaskHandler(taskSvc, validator, logger),
		Disputes:  handlers.NewDisputeHandler(disputeSvc, validator, logger),
		Wallet:    handlers.NewWalletHandler(walletSvc, validator, logger),
		Reviews:   handlers.NewReviewHandler(reviewSvc, validator, logger),
		Dashboard: dashboard.NewHandler(authSvc, walletSvc, notifier, stats, logger),
		Tokens:    authSvc,
		AgentKeys: registrySvc,
		Limiter:   limiter,
		DB:        pool,
		Logger:    logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", handlers.IdempotencyHeader},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
	}).Handler(handler)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

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
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River stop failed", "error", err)
	}
}

// newLimiter connects to Redis when REDIS_ADDR is set, retrying a few
// times, and otherwise counts in process memory.
func newLimiter(ctx context.Context, cfg *config.Config) ratelimit.Limiter {
	if cfg.RedisAddr != "" {
		const maxRedisRetries = 5
		for i := 0; i < maxRedisRetries; i++ {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
			})
			err := rdb.Ping(ctx).Err()
			if err == nil {
				slog.Info("Rate limiter using Redis", "addr", cfg.RedisAddr)
				return ratelimit.NewRedisLimiter(rdb)
			}
			_ = rdb.Close()
			slog.Warn("Redis connection failed, retrying", "attempt", i+1, "error", err)
			time.Sleep(time.Duration(i+1) * time.Second)
		}
		slog.Warn("Redis unreachable, falling back to in-memory rate limits")
	}

	mem := ratelimit.NewMemoryLimiter()
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				mem.Sweep()
			}
		}
	}()
	return mem
}
