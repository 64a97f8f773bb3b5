package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/vaultflow-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/vaultflow-backend/api/controllers/webhooks"
	"github.com/angelmondragon/vaultflow-backend/api/middleware"
	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/metrics"
)

type RouterParams struct {
	Config         *config.Config
	Logger         *logger.Logger
	DB             controllers.Pinger
	Redis          controllers.Pinger
	Gatherer       prometheus.Gatherer
	HTTPMetrics    *metrics.HTTPMetrics
	CustodyWebhook webhookcontrollers.CustodyWebhookService
}

func NewRouter(p RouterParams) http.Handler {
	cfg, logg := p.Config, p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, p.HTTPMetrics),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg.App.Env))
		r.Get("/ready", controllers.HealthReady(cfg.App.Env, logg, map[string]controllers.Pinger{
			"postgres": p.DB,
			"redis":    p.Redis,
		}))
	})
	r.Get("/healthz", controllers.HealthLive(cfg.App.Env))

	if p.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/custody", webhookcontrollers.CustodyWebhook(p.CustodyWebhook, cfg.Webhook.MaxBodyBytes, logg))
	})

	return r
}
