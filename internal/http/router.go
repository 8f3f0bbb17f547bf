package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/umbrella-service/internal/observability"
)

// RouterConfig selects the optional parts of the router.
type RouterConfig struct {
	Limiter        *rate.Limiter // nil disables rate limiting
	RequestTimeout time.Duration // 0 disables the per-request deadline
	AdminEnabled   bool          // exposes DELETE /cache
	InFlight       *InFlightTracker
}

// NewRouter wires the handlers and middleware.
func NewRouter(h *Handler, logger *zap.Logger, cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	if cfg.InFlight != nil {
		router.Use(cfg.InFlight.Middleware)
	}
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	predict := router.NewRoute().Subrouter()
	predict.Use(RateLimitMiddleware(cfg.Limiter))
	predict.Use(TimeoutMiddleware(cfg.RequestTimeout))
	predict.HandleFunc("/", h.GetDefaultPrediction).Methods(http.MethodGet)
	predict.HandleFunc("/prediction/{city}", h.GetPrediction).Methods(http.MethodGet)

	if cfg.AdminEnabled {
		logger.Warn("admin endpoints enabled; DELETE /cache exposed")
		router.HandleFunc("/cache", h.FlushCache).Methods(http.MethodDelete)
	}
	return router
}
