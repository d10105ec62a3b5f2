package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/pawdesk/pawdesk/internal/app"
	"github.com/pawdesk/pawdesk/internal/audit"
	"github.com/pawdesk/pawdesk/internal/billing"
	jobmetrics "github.com/pawdesk/pawdesk/internal/jobs"
	"github.com/pawdesk/pawdesk/internal/mail"
	"github.com/pawdesk/pawdesk/internal/platform/cache"
	"github.com/pawdesk/pawdesk/internal/platform/db"
	"github.com/pawdesk/pawdesk/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
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

	metrics := jobmetrics.NewMetrics(nil)

	repo := billing.NewRepository(pool)
	settingsCache := billing.NewSettingsCache(redisClient, repo, cfg.SettingsCacheTTL)
	recorder := audit.NewRecorder(pool)
	mailer := mail.NewMailer(mail.Config{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}, logger)

	service, err := billing.NewService(billing.ServiceConfig{
		Repo:     repo,
		Settings: settingsCache,
		Notifier: mailer,
		Audit:    audit.NewSink(recorder),
		Logger:   logger,
		Metrics:  metrics,
		Location: cfg.Location(),
	})
	if err != nil {
		logger.Error("init billing service", slog.Any("error", err))
		os.Exit(1)
	}

	automationJob := jobs.NewBillingAutomationJob(service, logger, metrics)

	automationTask, err := jobs.NewBillingAutomationTask("cron")
	if err != nil {
		logger.Error("build automation task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillingAutomationRun, Handler: automationJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AutomationCron, Task: automationTask, Options: []asynq.Option{asynq.MaxRetry(0)}},
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
