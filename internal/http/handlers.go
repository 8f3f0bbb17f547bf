package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/umbrella-service/internal/observability"
	"github.com/kjstillabower/umbrella-service/internal/validation"
)

// MaxCityLength bounds the {city} path variable, in runes.
const MaxCityLength = 100

// Predictor is the part of the umbrella predictor the handlers use.
type Predictor interface {
	GetPrediction(ctx context.Context, city string, threshold float64, flush bool) string
	FlushCache(ctx context.Context) error
}

// Defaults are the prediction inputs used when a request does not supply them.
type Defaults struct {
	City      string
	Threshold float64
}

// HealthConfig holds optional checks for the health handler.
type HealthConfig struct {
	StartTime time.Time
	Version   string
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	predictor        Predictor
	defaults         Defaults
	healthConfig     *HealthConfig
	logger           *zap.Logger
	shuttingDown     atomic.Bool
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(predictor Predictor, defaults Defaults, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		predictor:    predictor,
		defaults:     defaults,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// SetShuttingDown sets the drain flag. Health returns 503 shutting-down while true.
func (h *Handler) SetShuttingDown(v bool) {
	h.shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func (h *Handler) IsShuttingDown() bool {
	return h.shuttingDown.Load()
}

// GetDefaultPrediction handles GET /: the prediction for the configured city and threshold.
func (h *Handler) GetDefaultPrediction(w http.ResponseWriter, r *http.Request) {
	msg := h.predictor.GetPrediction(r.Context(), h.defaults.City, h.defaults.Threshold, false)
	writeText(w, http.StatusOK, msg)
}

// GetPrediction handles GET /prediction/{city}?threshold=&flush=.
func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	city, err := validation.ValidateCity(mux.Vars(r)["city"], MaxCityLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_CITY", err.Error())
		return
	}
	q := r.URL.Query()
	threshold, err := validation.ParseThreshold(q.Get("threshold"), h.defaults.Threshold)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_THRESHOLD", err.Error())
		return
	}
	flush, err := validation.ParseFlag(q.Get("flush"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_FLUSH", err.Error())
		return
	}

	msg := h.predictor.GetPrediction(r.Context(), city, threshold, flush)
	writeText(w, http.StatusOK, msg)
}

// FlushCache handles DELETE /cache.
func (h *Handler) FlushCache(w http.ResponseWriter, r *http.Request) {
	if err := h.predictor.FlushCache(r.Context()); err != nil {
		loggerFor(r, h.logger).Warn("cache flush failed", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "CACHE_UNAVAILABLE", "Unable to flush cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status, statusCode := "healthy", http.StatusOK
	checks := make(map[string]string)

	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if err := h.healthConfig.CachePing(); err == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
			status, statusCode = "degraded", http.StatusServiceUnavailable
		}
	}
	if h.IsShuttingDown() {
		status, statusCode = "shutting-down", http.StatusServiceUnavailable
	}

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", status))
	}
	h.healthStatusPrev = status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    status,
		"service":   observability.ServiceName,
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.healthConfig != nil {
		if h.healthConfig.Version != "" {
			resp["version"] = h.healthConfig.Version
		}
		if !h.healthConfig.StartTime.IsZero() {
			resp["uptimeSeconds"] = int64(time.Since(h.healthConfig.StartTime).Seconds())
		}
	}
	writeJSON(w, statusCode, resp)
}

// writeText writes a plain-text response with the specified HTTP status code.
func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

func loggerFor(r *http.Request, fallback *zap.Logger) *zap.Logger {
	if l := observability.LoggerFromContext(r.Context()); l != nil {
		return l
	}
	return fallback
}
