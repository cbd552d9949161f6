package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rt4orgs/textflow/internal/http/handlers"
	httpmiddleware "github.com/rt4orgs/textflow/internal/http/middleware"
	"github.com/rt4orgs/textflow/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	TwilioWebhook  http.Handler
	Admin          *handlers.AdminHandler
	AdminJWTSecret string
	MetricsHandler http.Handler
	HealthChecks   map[string]handlers.HealthCheck
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", handlers.Health(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.TwilioWebhook != nil {
			public.Route("/webhooks/twilio", func(r chi.Router) {
				r.Post("/sms", cfg.TwilioWebhook.ServeHTTP)
			})
		}
	})

	// Admin endpoints (HMAC JWT)
	if cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))
			cfg.Admin.Routes(admin)
		})
	}

	return r
}
