package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/companionhq/quotaservice/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import cycles.
type HandlerSet struct {
	// Public quota handlers (JWT)
	GetQuotas       http.HandlerFunc
	ConsumeQuota    http.HandlerFunc
	ListQuotaEvents http.HandlerFunc

	// Internal quota handlers (API key)
	InternalGetQuotas    http.HandlerFunc
	InternalConsumeQuota http.HandlerFunc

	AuthMiddleware        func(http.Handler) http.Handler
	InternalKeyMiddleware func(http.Handler) http.Handler
}

// ReadinessCheck is one dependency probed by /health/ready. Optional checks
// report their failure without failing readiness.
type ReadinessCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
	RateLimiter        func(http.Handler) http.Handler
	Checks             []ReadinessCheck
}

func NewRouter(cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{"status": "healthy"}
		status := http.StatusOK

		for _, c := range cfg.Checks {
			if err := c.Check(r.Context()); err != nil {
				health[c.Name] = "unhealthy"
				health["status"] = "degraded"
				if !c.Optional {
					status = http.StatusServiceUnavailable
				}
				continue
			}
			health[c.Name] = "healthy"
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter)
		}

		r.Route("/quotas", func(r chi.Router) {
			r.Get("/", h.GetQuotas)
			r.Post("/consume", h.ConsumeQuota)
			r.Get("/events", h.ListQuotaEvents)
		})
	})

	// Service-to-service routes
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(h.InternalKeyMiddleware)

		r.Route("/users/{userID}/quotas", func(r chi.Router) {
			r.Get("/", h.InternalGetQuotas)
			r.Post("/consume", h.InternalConsumeQuota)
		})
	})

	return r
}
