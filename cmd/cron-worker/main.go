package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/angelmondragon/vaultflow-backend/internal/app"
	"github.com/angelmondragon/vaultflow-backend/internal/cron"
	custodywebhook "github.com/angelmondragon/vaultflow-backend/internal/webhooks/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/metrics"
)

const lockName = "cron-worker:%s"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.Open(ctx, "cron-worker")
	if err != nil {
		logger.New(logger.Options{ServiceName: "cron-worker"}).Error(ctx, "failed to bootstrap cron worker", err)
		os.Exit(1)
	}
	logg, cfg := infra.Logger, infra.Config
	defer func() {
		if err := infra.Close(); err != nil {
			logg.Error(context.Background(), "error closing cron worker dependencies", err)
		}
	}()

	components, err := infra.Wire("cron")
	if err != nil {
		logg.Error(ctx, "failed to wire workflow engine", err)
		os.Exit(1)
	}

	pollJob, err := cron.NewTransactionPollJob(cron.TransactionPollJobParams{
		Logger:     logg,
		Deposits:   components.Deposits,
		Custody:    components.Custody,
		Reconciler: components.Reconciler,
		BatchSize:  cfg.Cron.PollBatchSize,
	})
	if err != nil {
		logg.Error(ctx, "failed to create transaction poll job", err)
		os.Exit(1)
	}
	positionJob, err := cron.NewPositionReconcileJob(cron.PositionReconcileJobParams{
		Logger:     logg,
		Positions:  components.Positions,
		Custody:    components.Custody,
		Reconciler: components.Reconciler,
		BatchSize:  cfg.Cron.PollBatchSize,
	})
	if err != nil {
		logg.Error(ctx, "failed to create position reconcile job", err)
		os.Exit(1)
	}
	redriver, err := custodywebhook.NewRedriver(custodywebhook.RedriverParams{
		Failures:    custodywebhook.NewFailureRepository(infra.DB.DB()),
		Owners:      components.Wallets,
		Reconciler:  components.Reconciler,
		MaxAttempts: cfg.Webhook.RedriveAttempts,
		BatchSize:   cfg.Cron.PollBatchSize,
		Logger:      logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create notification redriver", err)
		os.Exit(1)
	}
	redriveJob, err := cron.NewNotificationRedriveJob(cron.NotificationRedriveJobParams{
		Logger:   logg,
		Redriver: redriver,
	})
	if err != nil {
		logg.Error(ctx, "failed to create notification redrive job", err)
		os.Exit(1)
	}
	registry, err := cron.NewRegistry(pollJob, positionJob, redriveJob)
	if err != nil {
		logg.Error(ctx, "failed to register cron jobs", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(infra.Redis, infra.Redis.LockKey(lockKey(cfg.App.Env)), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(ctx, "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:     logg,
		Registry:   registry,
		Lock:       lock,
		Metrics:    metrics.NewCronJobMetrics(infra.Registry),
		Interval:   cfg.Cron.Interval,
		JobTimeout: cfg.Cron.LockTTL,
	})
	if err != nil {
		logg.Error(ctx, "failed to create cron service", err)
		os.Exit(1)
	}

	go func() {
		if err := infra.ServeMetrics(ctx, cfg.Metrics.Addr); err != nil {
			logg.Error(ctx, "metrics server stopped", err)
		}
	}()

	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "cron worker shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockName, env)
}
