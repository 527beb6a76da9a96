package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/halcyon-admin/halcyon/internal/app"
	"github.com/halcyon-admin/halcyon/internal/observability"
	"github.com/halcyon-admin/halcyon/internal/platform/cache"
	"github.com/halcyon-admin/halcyon/internal/platform/db"
	"github.com/halcyon-admin/halcyon/internal/users"
	"github.com/halcyon-admin/halcyon/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	usersService := users.NewService(users.NewRepository(pool))
	refreshJob := jobs.NewPermRefreshJob(usersService, redisClient, metrics, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPermRoleChanged, Handler: refreshJob.Handle},
			{Type: jobs.TaskPermRefreshSweep, Handler: refreshJob.HandleSweep},
		},
		Cron: []jobs.CronRegistration{
			// Nightly broadcast so a missed role-changed event cannot leave
			// a client's permission cache stale for more than a day.
			{Spec: "0 4 * * *", Task: jobs.NewPermRefreshSweepTask(), Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
