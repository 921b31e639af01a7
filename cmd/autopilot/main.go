package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radiusdt/vector-autopilot/internal/adapi"
	"github.com/radiusdt/vector-autopilot/internal/config"
	"github.com/radiusdt/vector-autopilot/internal/database"
	"github.com/radiusdt/vector-autopilot/internal/dispatch"
	"github.com/radiusdt/vector-autopilot/internal/httpserver"
	"github.com/radiusdt/vector-autopilot/internal/metrics"
	"github.com/radiusdt/vector-autopilot/internal/middleware"
	"github.com/radiusdt/vector-autopilot/internal/notify"
	"github.com/radiusdt/vector-autopilot/internal/quota"
	"github.com/radiusdt/vector-autopilot/internal/schedule"
	"github.com/radiusdt/vector-autopilot/internal/stoploss"
	"github.com/radiusdt/vector-autopilot/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg)
	defer logger.Sync()

	logger.Info("starting autopilot",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx := context.Background()

	// Optional backing stores; everything degrades to in-memory.
	var db *database.PostgresDB
	if cfg.Database.Enabled {
		db, err = database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
			db = nil
		} else {
			defer db.Close()
		}
	}

	var redis *database.RedisDB
	if cfg.Redis.Enabled {
		redis, err = database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis not available, using in-process quota state", zap.Error(err))
			redis = nil
		} else {
			defer redis.Close()
		}
	}

	var ch *database.ClickHouseDB
	if cfg.ClickHouse.Enabled {
		ch, err = database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Warn("ClickHouse not available, keeping history in memory", zap.Error(err))
			ch = nil
		} else {
			defer ch.Close()
		}
	}

	// Repositories
	var scheduleRepo storage.ScheduleRepo
	var stopLossRepo storage.StopLossRepo
	var accountRepo storage.AccountRepo
	if db != nil {
		scheduleRepo = storage.NewPostgresScheduleRepo(db.Pool)
		stopLossRepo = storage.NewPostgresStopLossRepo(db.Pool)
		accountRepo = storage.NewPostgresAccountRepo(db.Pool)
	} else {
		scheduleRepo = storage.NewInMemoryScheduleRepo()
		stopLossRepo = storage.NewInMemoryStopLossRepo()
		accountRepo = storage.NewInMemoryAccountRepo()
	}

	var history storage.HistoryStore
	if ch != nil {
		history = storage.NewClickHouseHistoryStore(ch.Conn, logger)
	} else {
		history = storage.NewInMemoryHistoryStore()
	}

	m := metrics.NewMetrics(cfg.Metrics.Namespace)

	// Quota tracker and dispatcher
	var quotaStore quota.Store
	if redis != nil {
		quotaStore = quota.NewRedisStore(redis.Client, cfg.Platform.UsageWindow, logger)
	} else {
		quotaStore = quota.NewMemoryStore()
	}
	tracker := quota.NewTracker(quotaStore, quota.Config{
		CallBudget:        cfg.Platform.CallBudget,
		SafetyCeilingPct:  cfg.Platform.SafetyCeilingPct,
		WaitStartPct:      cfg.Platform.WaitStartPct,
		MaxWait:           cfg.Platform.MaxWait,
		ResetHorizonWait:  time.Minute,
		Window:            cfg.Platform.UsageWindow,
		BackoffBase:       cfg.Platform.BackoffBase,
		BackoffMultiplier: cfg.Platform.BackoffMultiplier,
		BackoffMax:        cfg.Platform.BackoffMax,
	})

	client := adapi.NewHTTPClient(cfg.Platform.BaseURL, cfg.Platform.RequestTimeout, logger)
	dispatcher := dispatch.NewDispatcher(client, tracker, dispatch.NewRegistry(), dispatch.Config{
		MaxAttempts:     cfg.Platform.MaxAttempts,
		ServerErrorBase: cfg.Platform.ServerErrorBase,
		ServerErrorMax:  cfg.Platform.ServerErrorMax,
		BatchSize:       cfg.Platform.BatchSize,
	}, logger, m)

	// Notifications
	var notifier notify.Notifier
	if redis != nil {
		notifier = notify.NewRedisNotifier(redis.Client, logger)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	// Runners
	scheduleRunner := schedule.NewRunner(scheduleRepo, accountRepo, history, dispatcher, notifier,
		schedule.Config{
			SweepInterval:   cfg.Scheduler.SweepInterval,
			CleanupInterval: cfg.Scheduler.CleanupInterval,
		}, logger, m)
	stopLossRunner := stoploss.NewRunner(stopLossRepo, accountRepo, history, dispatcher, notifier,
		stoploss.Config{SweepInterval: cfg.StopLoss.SweepInterval}, logger, m)

	scheduleRunner.Start()
	stopLossRunner.Start()

	// HTTP server
	handler := httpserver.NewServer(&httpserver.Dependencies{
		Schedules:      scheduleRepo,
		StopLosses:     stopLossRepo,
		Accounts:       accountRepo,
		History:        history,
		Dispatcher:     dispatcher,
		ScheduleRunner: scheduleRunner,
		StopLossRunner: stopLossRunner,
		Config:         cfg,
		Logger:         logger,
		Metrics:        m,
	})

	rateLimit := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rateLimit.SetMetrics(m)
	chain := middleware.NewRecoveryMiddleware(logger).Handler(
		middleware.NewLoggingMiddleware(logger).Handler(
			middleware.NewAuthMiddleware(cfg.Auth, logger).Handler(
				rateLimit.Handler(handler))))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      chain,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	scheduleRunner.Stop()
	stopLossRunner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func setupLogger(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config

	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Log.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	return logger
}
