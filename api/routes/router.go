package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/leadflow-backend/api/controllers"
	"github.com/angelmondragon/leadflow-backend/api/middleware"
	"github.com/angelmondragon/leadflow-backend/internal/idempotency"
	"github.com/angelmondragon/leadflow-backend/internal/ratelimit"
	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

// CollectScope namespaces idempotency records written by /leads/collect.
const CollectScope = "leads.collect"

type RouterParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          controllers.Pinger
	Redis       controllers.Pinger
	Leads       controllers.LeadService
	Limiter     *ratelimit.Limiter
	Idempotency *idempotency.Store
	EmailStatus controllers.EmailStatusSource
	Gatherer    prometheus.Gatherer
}

func NewRouter(p RouterParams) http.Handler {
	cfg, logg := p.Config, p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.HTTP.AllowedOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    p.DB,
			"redis": p.Redis,
		}))
	})

	if p.EmailStatus != nil {
		r.Get("/email/health", controllers.EmailHealth(p.EmailStatus))
	}

	if p.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/leads", func(r chi.Router) {
		r.Use(middleware.BodyLimit(cfg.Intake.MaxBodyBytes))
		r.With(
			timeout(cfg.HTTP.SignTimeout),
			middleware.RateLimit(p.Limiter, ratelimit.ScopeLeadsSignIP, ratelimit.ClientIP, logg),
		).Post("/sign", controllers.LeadsSign(p.Leads, logg))
		r.With(
			timeout(cfg.HTTP.CollectTimeout),
			middleware.Idempotency(CollectScope, p.Idempotency, logg),
		).Post("/collect", controllers.LeadsCollect(p.Leads, logg))
	})

	return r
}

func timeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return chimw.Timeout(d)
}
