package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/angelmondragon/vaultflow-backend/internal/alerts"
	"github.com/angelmondragon/vaultflow-backend/internal/balances"
	"github.com/angelmondragon/vaultflow-backend/internal/deposits"
	"github.com/angelmondragon/vaultflow-backend/internal/dispatch"
	"github.com/angelmondragon/vaultflow-backend/internal/jobs"
	"github.com/angelmondragon/vaultflow-backend/internal/lease"
	"github.com/angelmondragon/vaultflow-backend/internal/ledger"
	"github.com/angelmondragon/vaultflow-backend/internal/positions"
	"github.com/angelmondragon/vaultflow-backend/internal/reconciler"
	"github.com/angelmondragon/vaultflow-backend/internal/wallets"
	"github.com/angelmondragon/vaultflow-backend/internal/workflow"
	"github.com/angelmondragon/vaultflow-backend/pkg/aggregator"
	"github.com/angelmondragon/vaultflow-backend/pkg/chain"
	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/db"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/metrics"
	"github.com/angelmondragon/vaultflow-backend/pkg/migrate"
	"github.com/angelmondragon/vaultflow-backend/pkg/pubsub"
	"github.com/angelmondragon/vaultflow-backend/pkg/rabbitmq"
	"github.com/angelmondragon/vaultflow-backend/pkg/redis"
)

// Infra holds the process-level clients every binary opens.
type Infra struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *db.Client
	Redis    *redis.Client
	PubSub   *pubsub.Client
	RabbitMQ *rabbitmq.Client
	Catalog  *config.Catalog
	Chain    *chain.Reader
	Registry *prometheus.Registry
}

// Open loads configuration and connects the shared infrastructure. The queue
// client is opened only for the configured backend.
func Open(ctx context.Context, service string) (*Infra, error) {
	logg := logger.New(logger.Options{ServiceName: service})
	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Kind = service

	logg = logger.New(logger.Options{
		ServiceName: service,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	catalog, err := config.LoadCatalog(cfg.Workflow.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load asset catalog: %w", err)
	}

	infra := &Infra{
		Config:   cfg,
		Logger:   logg,
		Catalog:  catalog,
		Chain:    chain.NewReader(cfg.Chain.RPCURLs),
		Registry: prometheus.NewRegistry(),
	}
	infra.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if infra.DB, err = db.New(ctx, cfg.DB, logg); err != nil {
		infra.Close()
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	if err := migrate.MaybeRunDev(ctx, cfg, logg, infra.DB); err != nil {
		infra.Close()
		return nil, fmt.Errorf("dev migrations: %w", err)
	}
	if infra.Redis, err = redis.New(ctx, cfg.Redis, logg); err != nil {
		infra.Close()
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	switch cfg.Queue.BackendName() {
	case config.QueueBackendPubSub:
		if infra.PubSub, err = pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg); err != nil {
			infra.Close()
			return nil, fmt.Errorf("bootstrap pubsub: %w", err)
		}
	case config.QueueBackendRabbitMQ:
		if infra.RabbitMQ, err = rabbitmq.NewClient(ctx, cfg.RabbitMQ, logg); err != nil {
			infra.Close()
			return nil, fmt.Errorf("bootstrap rabbitmq: %w", err)
		}
	}
	return infra, nil
}

// Close releases every opened client and reports all close failures together.
func (i *Infra) Close() error {
	var errs error
	if i.PubSub != nil {
		errs = multierr.Append(errs, i.PubSub.Close())
	}
	if i.RabbitMQ != nil {
		errs = multierr.Append(errs, i.RabbitMQ.Close())
	}
	if i.Redis != nil {
		errs = multierr.Append(errs, i.Redis.Close())
	}
	if i.DB != nil {
		errs = multierr.Append(errs, i.DB.Close())
	}
	if i.Chain != nil {
		i.Chain.Close()
	}
	return errs
}

// Components is the wired workflow engine.
type Components struct {
	Custody    *custody.Client
	Wallets    *wallets.Repository
	Deposits   *deposits.Repository
	Positions  *positions.Repository
	Alerts     *alerts.Repository
	Jobs       *jobs.Store
	Leases     *lease.Manager
	Ledger     *ledger.Writer
	Balances   *balances.Service
	Driver     *workflow.Driver
	Dispatcher *dispatch.Dispatcher
	Reconciler *reconciler.Reconciler
	Metrics    *metrics.WorkflowMetrics
}

// Wire builds the engine on top of the infrastructure. source labels the
// driver's lease contention metrics.
func (i *Infra) Wire(source string) (*Components, error) {
	cfg := i.Config
	gdb := i.DB.DB()

	custodyClient, err := custody.NewClient(cfg.Custody.APIKey,
		custody.WithBaseURL(cfg.Custody.BaseURL),
		custody.WithHTTPClient(&http.Client{Timeout: cfg.Custody.Timeout}),
		custody.WithRateLimit(cfg.Custody.RequestsPerSecond),
		custody.WithEntitySecret(cfg.Custody.EntitySecret),
		custody.WithFeeLevel(cfg.Custody.FeeLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("custody client: %w", err)
	}
	routes := aggregator.NewClient(
		aggregator.WithBaseURL(cfg.Aggregator.BaseURL),
		aggregator.WithHTTPClient(&http.Client{Timeout: cfg.Aggregator.Timeout}),
		aggregator.WithAPIKey(cfg.Aggregator.APIKey),
		aggregator.WithIntegrator(cfg.Aggregator.Integrator),
		aggregator.WithSlippageBps(cfg.Aggregator.SlippageBps),
		aggregator.WithRateLimit(cfg.Aggregator.RequestsPerSecond),
	)

	c := &Components{
		Custody:   custodyClient,
		Wallets:   wallets.NewRepository(gdb),
		Deposits:  deposits.NewRepository(gdb),
		Positions: positions.NewRepository(gdb),
		Alerts:    alerts.NewRepository(gdb),
		Jobs:      jobs.NewStore(gdb),
		Leases:    lease.NewManager(gdb),
		Metrics:   metrics.NewWorkflowMetrics(i.Registry),
	}

	if c.Ledger, err = ledger.NewWriter(i.DB, ledger.NewRepository(gdb)); err != nil {
		return nil, fmt.Errorf("ledger writer: %w", err)
	}
	if c.Balances, err = balances.NewService(gdb, c.Wallets, custodyClient, i.Catalog); err != nil {
		return nil, fmt.Errorf("balance service: %w", err)
	}

	machine, err := workflow.NewMachine(workflow.MachineConfig{
		Routes:           routes,
		Signer:           custodyClient,
		Wallets:          c.Wallets,
		Balances:         c.Balances,
		Jobs:             c.Jobs,
		Ledger:           c.Ledger,
		Catalog:          i.Catalog,
		DisabledNetworks: cfg.Workflow.DisabledNetworks,
		Metrics:          c.Metrics,
		Logger:           i.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("state machine: %w", err)
	}
	if c.Driver, err = workflow.NewDriver(workflow.DriverConfig{
		Jobs:           c.Jobs,
		Saver:          c.Jobs,
		Leases:         c.Leases,
		Machine:        machine,
		LeaseDuration:  cfg.Workflow.LeaseDuration,
		MaxStepRetries: cfg.Workflow.MaxStepRetries,
		Metrics:        c.Metrics,
		Logger:         i.Logger,
		Source:         source,
	}); err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}

	publisher, err := i.publisher()
	if err != nil {
		return nil, err
	}
	if c.Dispatcher, err = dispatch.NewDispatcher(dispatch.DispatcherParams{
		Publisher: publisher,
		Backend:   cfg.Queue.BackendName(),
		Metrics:   c.Metrics,
		Logger:    i.Logger,
	}); err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	if c.Reconciler, err = reconciler.New(reconciler.Params{
		Ledger:      c.Ledger,
		Deposits:    c.Deposits,
		Jobs:        c.Jobs,
		Dispatcher:  c.Dispatcher,
		Runner:      c.Driver,
		Tokens:      custodyClient,
		Alerts:      c.Alerts,
		Balances:    c.Balances,
		Receipts:    i.Chain,
		Positions:   c.Positions,
		Catalog:     i.Catalog,
		AutoConvert: cfg.Workflow.AutoConvertDeposits,
		Logger:      i.Logger,
	}); err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}
	return c, nil
}

func (i *Infra) publisher() (dispatch.Publisher, error) {
	switch {
	case i.PubSub != nil:
		topic, err := i.PubSub.WorkPublisher()
		if err != nil {
			return nil, fmt.Errorf("pubsub work publisher: %w", err)
		}
		pub, err := dispatch.NewPubSubPublisher(topic)
		if err != nil {
			return nil, err
		}
		return pub, nil
	case i.RabbitMQ != nil:
		pub, err := dispatch.NewRabbitMQPublisher(i.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}
	return nil, nil
}

// ServeMetrics exposes the registry on addr until ctx is done.
func (i *Infra) ServeMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(i.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
