package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies label dimensions match how the client, cache, predictor
// and http packages use each vector.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/prediction/{city}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/prediction/{city}").Observe(0.01)
	ForecastAPICallsTotal.WithLabelValues("success").Inc()
	ForecastAPIDuration.WithLabelValues("success").Observe(0.1)
	ForecastAPIFailuresTotal.WithLabelValues("city_not_found").Inc()
	CacheHitsTotal.WithLabelValues("forecast").Inc()
	CacheMissesTotal.WithLabelValues("forecast").Inc()
	CacheErrorsTotal.WithLabelValues("forecast", "get").Inc()
	CachePopulateErrorsTotal.WithLabelValues("forecast").Inc()
	CacheStampedeDetectedTotal.WithLabelValues("forecast").Inc()
	CacheOperationDurationSeconds.WithLabelValues("forecast", "get", "success").Observe(0.001)
	CacheCoalescedTotal.WithLabelValues("forecast").Inc()
	PredictionsTotal.WithLabelValues("umbrella").Inc()
}

func TestMetricCityLabel(t *testing.T) {
	SetTrackedCities([]string{"Ribeirao Preto", "campinas"})
	defer SetTrackedCities(nil)

	tests := []struct {
		in   string
		want string
	}{
		{"Ribeirao Preto", "ribeirao preto"},
		{"  CAMPINAS ", "campinas"},
		{"Santos", "other"},
	}
	for _, tt := range tests {
		if got := MetricCityLabel(tt.in); got != tt.want {
			t.Errorf("MetricCityLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	RecordPrediction("Santos", "no_umbrella")
}

func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "predictionsTotal") {
		t.Error("MetricsHandler response should contain predictionsTotal")
	}
}
