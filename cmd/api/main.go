package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/angelmondragon/vaultflow-backend/api/routes"
	"github.com/angelmondragon/vaultflow-backend/internal/app"
	custodywebhook "github.com/angelmondragon/vaultflow-backend/internal/webhooks/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/idempotency"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/metrics"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.Open(ctx, "api")
	if err != nil {
		logger.New(logger.Options{ServiceName: "api"}).Error(ctx, "failed to bootstrap api", err)
		os.Exit(1)
	}
	logg, cfg := infra.Logger, infra.Config
	defer func() {
		if err := infra.Close(); err != nil {
			logg.Error(context.Background(), "error closing api dependencies", err)
		}
	}()

	components, err := infra.Wire("webhook")
	if err != nil {
		logg.Error(ctx, "failed to wire workflow engine", err)
		os.Exit(1)
	}

	guard, err := idempotency.NewGuard(infra.Redis, cfg.Webhook.IdempotencyTTL, "custody-webhook")
	if err != nil {
		logg.Error(ctx, "failed to create webhook idempotency guard", err)
		os.Exit(1)
	}
	webhookService, err := custodywebhook.NewService(custodywebhook.ServiceParams{
		Keys:             components.Custody,
		Guard:            guard,
		Owners:           components.Wallets,
		Reconciler:       components.Reconciler,
		Failures:         custodywebhook.NewFailureRepository(infra.DB.DB()),
		ReplayWindow:     cfg.Webhook.ReplayWindow,
		PublicKeyTTL:     cfg.Webhook.PublicKeyTTL,
		VerifySignatures: cfg.Webhook.VerifySignatures,
		Metrics:          components.Metrics,
		Logger:           logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create custody webhook service", err)
		os.Exit(1)
	}
	if !cfg.Webhook.VerifySignatures {
		logg.Warn(ctx, "custody webhook signature verification disabled")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(logCtx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:         cfg,
			Logger:         logg,
			DB:             infra.DB,
			Redis:          infra.Redis,
			Gatherer:       infra.Registry,
			HTTPMetrics:    metrics.NewHTTPMetrics(infra.Registry),
			CustodyWebhook: webhookService,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Error(logCtx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "api server stopped")
}
