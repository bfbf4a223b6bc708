package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velocart/checkout/internal/service"
	"github.com/velocart/checkout/pkg/health"
	"github.com/velocart/checkout/pkg/middleware"
)

// serviceName labels metrics and traces emitted by this router.
const serviceName = "checkout"

// RouterConfig carries the transport-level knobs the router needs.
type RouterConfig struct {
	AllowedOrigins    []string
	Environment       string
	TracingEnabled    bool
	RateLimitPerMin   int
	RateLimitBurst    int
	PprofAllowedCIDRs []string
}

// NewRouter creates a chi router with all checkout service routes registered.
func NewRouter(
	checkoutService *service.CheckoutService,
	inventoryService *service.InventoryService,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware. RequestLogger must come after RequestLogging and
	// Tracing so it can pick up the correlation id and span context.
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Environment:    cfg.Environment,
	}))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	if cfg.TracingEnabled {
		r.Use(middleware.Tracing(serviceName))
	}
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(serviceName))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	if len(cfg.PprofAllowedCIDRs) > 0 {
		middleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, logger)
	}

	checkoutHandler := NewCheckoutHandler(checkoutService, logger)
	inventoryHandler := NewInventoryHandler(inventoryService, logger)

	r.Route("/api/v1/checkout", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(middleware.RequireCaller(logger))
		r.Use(middleware.RateLimitPerCaller(cfg.RateLimitPerMin, cfg.RateLimitBurst, logger))

		r.Post("/reserve", checkoutHandler.Reserve)
		r.Post("/confirm", checkoutHandler.Confirm)
		r.Get("/reservations/{reservationId}", checkoutHandler.GetReservation)
		r.Post("/reservations/{reservationId}/cancel", checkoutHandler.Cancel)
	})

	r.Route("/api/v1/inventory", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Post("/", inventoryHandler.SeedProduct)
		r.Get("/{productId}", inventoryHandler.GetProduct)
	})

	r.Route("/api/v1/low-stock-signals", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.Get("/", inventoryHandler.ListLowStockSignals)
		r.Post("/{signalId}/ack", inventoryHandler.AckLowStockSignal)
	})

	return r
}
