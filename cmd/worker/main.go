package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/angelmondragon/vaultflow-backend/internal/app"
	"github.com/angelmondragon/vaultflow-backend/internal/dispatch"
	"github.com/angelmondragon/vaultflow-backend/pkg/idempotency"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

const consumerTag = "vaultflow-worker"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.Open(ctx, "worker")
	if err != nil {
		logger.New(logger.Options{ServiceName: "worker"}).Error(ctx, "failed to bootstrap worker", err)
		os.Exit(1)
	}
	logg := infra.Logger
	defer func() {
		if err := infra.Close(); err != nil {
			logg.Error(context.Background(), "error closing worker dependencies", err)
		}
	}()

	components, err := infra.Wire("worker")
	if err != nil {
		logg.Error(ctx, "failed to wire workflow engine", err)
		os.Exit(1)
	}

	consume, err := buildConsumer(infra, components)
	if err != nil {
		logg.Error(ctx, "failed to build queue consumer", err)
		os.Exit(1)
	}

	deps := []dependency{
		{name: "database", ping: infra.DB.Ping},
		{name: "redis", ping: infra.Redis.Ping},
	}
	if infra.PubSub != nil {
		deps = append(deps, dependency{name: "pubsub", ping: infra.PubSub.Ping})
	}
	if infra.RabbitMQ != nil {
		deps = append(deps, dependency{name: "rabbitmq", ping: infra.RabbitMQ.Ping})
	}

	svc, err := NewService(ServiceParams{
		Logger:       logg,
		Driver:       components.Driver,
		Consume:      consume,
		Dependencies: deps,
		BatchSize:    infra.Config.Workflow.BatchSize,
		PollInterval: infra.Config.Workflow.PollInterval,
	})
	if err != nil {
		logg.Error(ctx, "failed to create worker service", err)
		os.Exit(1)
	}

	go func() {
		if err := infra.ServeMetrics(ctx, infra.Config.Metrics.Addr); err != nil {
			logg.Error(ctx, "metrics server stopped", err)
		}
	}()

	logg.Info(logg.WithFields(ctx, map[string]any{
		"env":           infra.Config.App.Env,
		"queue_backend": infra.Config.Queue.BackendName(),
	}), "starting worker")

	if err := svc.Run(ctx); err != nil {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "worker shutting down gracefully")
}

// buildConsumer returns nil when no queue backend is configured; the poller
// alone then drives every job.
func buildConsumer(infra *app.Infra, components *app.Components) (func(context.Context) error, error) {
	if infra.PubSub == nil && infra.RabbitMQ == nil {
		return nil, nil
	}
	guard, err := idempotency.NewGuard(infra.Redis, infra.Config.Queue.DedupTTL, "workflow-consumer")
	if err != nil {
		return nil, err
	}
	consumer, err := dispatch.NewConsumer(components.Driver, guard, infra.Logger)
	if err != nil {
		return nil, err
	}
	if infra.PubSub != nil {
		sub := infra.PubSub.WorkSubscription()
		return func(ctx context.Context) error { return consumer.RunPubSub(ctx, sub) }, nil
	}
	deliveries, err := infra.RabbitMQ.Consume(consumerTag)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error { return consumer.RunRabbitMQ(ctx, deliveries) }, nil
}
