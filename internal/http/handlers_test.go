package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/umbrella-service/internal/observability"
)

type predictCall struct {
	city      string
	threshold float64
	flush     bool
}

type fakePredictor struct {
	mu       sync.Mutex
	message  string
	calls    []predictCall
	flushErr error
	flushes  int
	deadline bool
	corrID   string
}

func (f *fakePredictor) GetPrediction(ctx context.Context, city string, threshold float64, flush bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, predictCall{city, threshold, flush})
	_, f.deadline = ctx.Deadline()
	f.corrID = observability.CorrelationID(ctx)
	return f.message
}

func (f *fakePredictor) FlushCache(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func (f *fakePredictor) lastCall(t *testing.T) predictCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("predictor was not called")
	}
	return f.calls[len(f.calls)-1]
}

var testDefaults = Defaults{City: "Ribeirao Preto", Threshold: 70}

func newTestRouter(p Predictor, cfg RouterConfig) (*mux.Router, *Handler) {
	h := NewHandler(p, testDefaults, nil, zap.NewNop())
	return NewRouter(h, zap.NewNop(), cfg), h
}

func decodeError(t *testing.T, body []byte) map[string]string {
	t.Helper()
	var resp struct {
		Error map[string]string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, body)
	}
	return resp.Error
}

func TestHandler_GetDefaultPrediction(t *testing.T) {
	p := &fakePredictor{message: "You should take an umbrella on that next day: Monday"}
	router, _ := newTestRouter(p, RouterConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if w.Body.String() != p.message {
		t.Errorf("body = %q, want %q", w.Body.String(), p.message)
	}
	if got := p.lastCall(t); got != (predictCall{"Ribeirao Preto", 70, false}) {
		t.Errorf("predictor call = %+v", got)
	}
}

func TestHandler_GetPrediction_Success(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want predictCall
	}{
		{"defaults", "/prediction/Santos", predictCall{"Santos", 70, false}},
		{"threshold and flush", "/prediction/Santos?threshold=85.5&flush=true", predictCall{"Santos", 85.5, true}},
		{"encoded space", "/prediction/Sao%20Paulo?flush=0", predictCall{"Sao Paulo", 70, false}},
		{"city with country", "/prediction/London,GB", predictCall{"London,GB", 70, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePredictor{message: "You won't need to take an umbrella for the next 5 days."}
			router, _ := newTestRouter(p, RouterConfig{})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.url, nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 (%s)", w.Code, w.Body.String())
			}
			if got := p.lastCall(t); got != tt.want {
				t.Errorf("predictor call = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestHandler_GetPrediction_OpsMessageIs200 verifies predictor failures are returned as text, not HTTP errors.
func TestHandler_GetPrediction_OpsMessageIs200(t *testing.T) {
	p := &fakePredictor{message: "Ops! An unexpected error has occurred: openweather: HTTP 404: city not found"}
	router, _ := newTestRouter(p, RouterConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/prediction/Atlantis", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != p.message {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestHandler_GetPrediction_BadRequest(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantCode string
	}{
		{"blank city", "/prediction/%20%20", "INVALID_CITY"},
		{"invalid chars", "/prediction/Santos%3Cscript%3E", "INVALID_CITY"},
		{"too long", "/prediction/" + strings.Repeat("a", MaxCityLength+1), "INVALID_CITY"},
		{"threshold not a number", "/prediction/Santos?threshold=high", "INVALID_THRESHOLD"},
		{"threshold out of range", "/prediction/Santos?threshold=101", "INVALID_THRESHOLD"},
		{"flush not a bool", "/prediction/Santos?flush=maybe", "INVALID_FLUSH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePredictor{}
			router, _ := newTestRouter(p, RouterConfig{})

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			req.Header.Set("X-Correlation-ID", "req-1")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			e := decodeError(t, w.Body.Bytes())
			if e["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", e["code"], tt.wantCode)
			}
			if e["requestId"] != "req-1" {
				t.Errorf("requestId = %q, want req-1", e["requestId"])
			}
			if len(p.calls) != 0 {
				t.Errorf("predictor called %d times on invalid input", len(p.calls))
			}
		})
	}
}

func TestHandler_FlushCache(t *testing.T) {
	p := &fakePredictor{}
	router, _ := newTestRouter(p, RouterConfig{AdminEnabled: true})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if p.flushes != 1 {
		t.Errorf("flushes = %d, want 1", p.flushes)
	}
}

func TestHandler_FlushCache_Error(t *testing.T) {
	p := &fakePredictor{flushErr: errors.New("memcached down")}
	router, _ := newTestRouter(p, RouterConfig{AdminEnabled: true})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if e := decodeError(t, w.Body.Bytes()); e["code"] != "CACHE_UNAVAILABLE" {
		t.Errorf("code = %q, want CACHE_UNAVAILABLE", e["code"])
	}
}

func TestHandler_FlushCache_DisabledByDefault(t *testing.T) {
	p := &fakePredictor{}
	router, _ := newTestRouter(p, RouterConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/cache", nil))

	if w.Code == http.StatusNoContent {
		t.Error("DELETE /cache served without admin enabled")
	}
	if p.flushes != 0 {
		t.Errorf("flushes = %d, want 0", p.flushes)
	}
}

func TestHandler_GetHealth(t *testing.T) {
	h := NewHandler(&fakePredictor{}, testDefaults, &HealthConfig{StartTime: time.Now().Add(-time.Minute), Version: "1.2.3"}, zap.NewNop())

	w := httptest.NewRecorder()
	h.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
	if resp["service"] != "umbrella-service" {
		t.Errorf("service = %v", resp["service"])
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("version = %v, want 1.2.3", resp["version"])
	}
	if up, _ := resp["uptimeSeconds"].(float64); up < 59 {
		t.Errorf("uptimeSeconds = %v, want >= 59", resp["uptimeSeconds"])
	}
}

func TestHandler_GetHealth_CacheUnreachable(t *testing.T) {
	cfg := &HealthConfig{CachePing: func() error { return errors.New("dial tcp: refused") }}
	h := NewHandler(&fakePredictor{}, testDefaults, cfg, zap.NewNop())

	w := httptest.NewRecorder()
	h.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Checks["cache"] != "unhealthy" {
		t.Errorf("health = %+v, want degraded with unhealthy cache", resp)
	}
}

func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	h := NewHandler(&fakePredictor{}, testDefaults, nil, zap.NewNop())
	h.SetShuttingDown(true)

	w := httptest.NewRecorder()
	h.GetHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "shutting-down") {
		t.Errorf("body = %s, want shutting-down", w.Body.String())
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := NewHandler(&fakePredictor{}, testDefaults, nil, zap.New(core))

	h.GetHealth(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	h.SetShuttingDown(true)
	h.GetHealth(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "shutting-down" {
		t.Errorf("transition fields = %v", fields)
	}
}
