package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-sync/internal/observability"
)

// RouterConfig holds per-route middleware settings.
type RouterConfig struct {
	RequestTimeout time.Duration
	Limiter        *rate.Limiter // nil disables rate limiting
	// Tracing wraps the router with otelhttp server spans.
	Tracing bool
}

// NewRouter registers every route on a gorilla/mux router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(RateLimitMiddleware(cfg.Limiter, h.tracker))
	if cfg.RequestTimeout > 0 {
		weatherRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	weatherRouter.HandleFunc("", h.GetDefaultWeather).Methods(http.MethodGet)
	weatherRouter.HandleFunc("/{locationId}", h.GetWeather).Methods(http.MethodGet)
	weatherRouter.HandleFunc("/{locationId}", h.InvalidateWeather).Methods(http.MethodDelete)
	weatherRouter.HandleFunc("/{locationId}/history", h.GetHistory).Methods(http.MethodGet)

	locRouter := router.PathPrefix("/locations").Subrouter()
	if cfg.RequestTimeout > 0 {
		locRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	locRouter.HandleFunc("", h.ListLocations).Methods(http.MethodGet)
	locRouter.HandleFunc("", h.AddLocation).Methods(http.MethodPost)
	locRouter.HandleFunc("/search", h.SearchLocations).Methods(http.MethodGet)
	locRouter.HandleFunc("/default", h.GetDefaultLocation).Methods(http.MethodGet)
	locRouter.HandleFunc("/default", h.SetDefaultLocation).Methods(http.MethodPut)
	locRouter.HandleFunc("/{locationId}", h.DeleteLocation).Methods(http.MethodDelete)

	if !cfg.Tracing {
		return router
	}
	return otelhttp.NewHandler(router, "forecast-sync")
}
