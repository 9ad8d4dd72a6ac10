package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-sync/internal/observability"
	"github.com/kjstillabower/forecast-sync/internal/traffic"
)

func TestMiddleware_CorrelationIDGenerated(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	var seen string
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		seen = observability.CorrelationID(r.Context())
		observability.LoggerFrom(r.Context(), nil).Info("handled")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	got := w.Header().Get(CorrelationIDHeader)
	if got == "" {
		t.Fatal("X-Correlation-ID header missing")
	}
	if seen != got {
		t.Errorf("context correlation id = %q, header = %q", seen, got)
	}
	entries := logs.FilterMessage("handled").All()
	if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != got {
		t.Errorf("request logger missing correlation_id: %+v", entries)
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationIDHeader, "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get(CorrelationIDHeader); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
}

func TestMiddleware_MetricsUsesRouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/things/{id}", "4xx"))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/abc", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things/xyz", nil))
	after := testutil.ToFloat64(observability.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/things/{id}", "4xx"))

	if after-before != 2 {
		t.Errorf("requests counted under template = %v, want 2", after-before)
	}
}

func TestStatusRecorder_FirstWriteHeaderWins(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	rec.WriteHeader(http.StatusNotFound)
	rec.WriteHeader(http.StatusOK)
	if rec.statusCode != http.StatusNotFound {
		t.Errorf("statusCode = %d, want 404", rec.statusCode)
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(20 * time.Millisecond))
	var ctxErr error
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		ctxErr = r.Context().Err()
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))
	if ctxErr != context.DeadlineExceeded {
		t.Errorf("ctx err = %v, want DeadlineExceeded", ctxErr)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	tracker := &traffic.Tracker{}
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(RateLimitMiddleware(rate.NewLimiter(1, 2), tracker))
	router.HandleFunc("/weather/{locationId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	before := testutil.ToFloat64(observability.RateLimitDeniedTotal)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather/seattle", nil))
		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		if code := decodeErrorCode(t, w); code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", code)
		}
	}
	if got := tracker.DenialCount(time.Minute); got != 1 {
		t.Errorf("tracker denials = %d, want 1", got)
	}
	if d := testutil.ToFloat64(observability.RateLimitDeniedTotal) - before; d != 1 {
		t.Errorf("RateLimitDeniedTotal delta = %v, want 1", d)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(nil, nil))
	router.HandleFunc("/weather/{locationId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather/seattle", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 (nil limiter should allow)", i, w.Code)
		}
	}
}

func TestNewRouter_RateLimitOnlyOnWeather(t *testing.T) {
	s := newTestStack(t, nil, nil)
	router := NewRouter(s.handler, RouterConfig{Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}, zap.NewNop())

	do := func(target string) int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		return w.Code
	}
	if got := do("/weather/oslo"); got != http.StatusOK {
		t.Fatalf("first weather request = %d, want 200", got)
	}
	if got := do("/weather/oslo"); got != http.StatusTooManyRequests {
		t.Errorf("second weather request = %d, want 429", got)
	}
	if got := do("/locations"); got != http.StatusOK {
		t.Errorf("/locations = %d, want 200 (not rate limited)", got)
	}
	if got := do("/health"); got != http.StatusOK {
		t.Errorf("/health = %d, want 200", got)
	}
}

func TestNewRouter_Metrics(t *testing.T) {
	s := newTestStack(t, nil, nil)
	_ = s.do(t, http.MethodGet, "/weather/oslo", "")

	w := s.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("/metrics missing httpRequestsTotal")
	}
}

func TestNewRouter_TracingWrapsHandler(t *testing.T) {
	s := newTestStack(t, nil, nil)
	router := NewRouter(s.handler, RouterConfig{Tracing: true}, zap.NewNop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if _, ok := router.(*mux.Router); ok {
		t.Error("router not wrapped with otelhttp when tracing enabled")
	}
}

func TestNewRouter_UnknownRoute(t *testing.T) {
	s := newTestStack(t, nil, nil)
	if w := s.do(t, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if w := s.do(t, http.MethodPatch, "/locations", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("PATCH /locations = %d, want 405", w.Code)
	}
}
