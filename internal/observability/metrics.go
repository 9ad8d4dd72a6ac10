package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/forecast-sync/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Upstream weather API calls by endpoint (now, daily, geo) and status label.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Upstream latency per call. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts for upstream calls. High values = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Upstream failures by error category.
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Circuit breaker state: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState prometheus.Gauge

	// Resolve calls by mode and staleness verdict of the stored record ("none" when absent).
	ResolveTotal *prometheus.CounterVec

	// Resolve outcomes: cache, network, degraded, cache_miss, error, canceled.
	ResolveOutcomesTotal *prometheus.CounterVec

	// Fetch flights started, by trigger (foreground, background).
	FlightsStartedTotal *prometheus.CounterVec

	// Callers that joined an existing flight instead of starting one.
	FlightsCoalescedTotal prometheus.Counter

	// Flights cancelled after every waiter detached and the grace period elapsed.
	FlightsCanceledTotal prometheus.Counter

	// Fetch failures answered with a previously stored record.
	DegradedFallbacksTotal prometheus.Counter

	// Store operations by op and status (ok, not_found, error).
	StoreOperationsTotal *prometheus.CounterVec

	// Total weather lookups.
	WeatherQueriesTotal prometheus.Counter

	// Per-location query count (allow-list; others go to "other").
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// Startup warm results by status (ok, error).
	WarmLocationsTotal *prometheus.CounterVec

	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of upstream weather API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Upstream weather API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Upstream weather API failures by category",
		},
		[]string{"category"},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weatherApiCircuitBreakerState",
			Help: "Upstream circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)
	ResolveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncResolveTotal",
			Help: "Resolve calls by mode and verdict of the stored record",
		},
		[]string{"mode", "verdict"},
	)
	ResolveOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncResolveOutcomesTotal",
			Help: "Resolve outcomes (cache, network, degraded, cache_miss, error, canceled)",
		},
		[]string{"outcome"},
	)
	FlightsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncFlightsStartedTotal",
			Help: "Fetch flights started by trigger",
		},
		[]string{"trigger"},
	)
	FlightsCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncFlightsCoalescedTotal",
			Help: "Callers that joined an in-flight fetch",
		},
	)
	FlightsCanceledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncFlightsCanceledTotal",
			Help: "Flights cancelled after all waiters detached past the grace period",
		},
	)
	DegradedFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncDegradedFallbacksTotal",
			Help: "Fetch failures answered with a stored record",
		},
	)
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeOperationsTotal",
			Help: "Forecast store operations by op and status",
		},
		[]string{"op", "status"},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	WarmLocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warmLocationsTotal",
			Help: "Locations prefetched at startup by status",
		},
		[]string{"status"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherAPIErrorsTotal,
		CircuitBreakerState,
		ResolveTotal, ResolveOutcomesTotal,
		FlightsStartedTotal, FlightsCoalescedTotal, FlightsCanceledTotal, DegradedFallbacksTotal,
		StoreOperationsTotal,
		WeatherQueriesTotal, WeatherQueriesByLocationTotal,
		RateLimitDeniedTotal,
		WarmLocationsTotal,
	)
}

// RegisterTrafficGauges registers windowed request and rejection gauges backed by t.
// Safe to call more than once; only the first call registers.
func RegisterTrafficGauges(window time.Duration, t *traffic.Tracker) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "trafficRequestsInWindow",
					Help: "Weather requests in the sliding health window",
				},
				func() float64 { return float64(t.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "trafficRejectsInWindow",
					Help: "429 responses in the sliding health window",
				},
				func() float64 { return float64(t.DenialCount(window)) },
			),
		)
	})
}

// RecordStoreOp counts a store operation outcome.
func RecordStoreOp(op, status string) {
	StoreOperationsTotal.WithLabelValues(op, status).Inc()
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations increment "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// RecordWeatherQuery records a weather query for the given location.
func RecordWeatherQuery(location string) {
	WeatherQueriesTotal.Inc()
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc]
	trackedLocationsMu.RUnlock()
	if ok {
		WeatherQueriesByLocationTotal.WithLabelValues(loc).Inc()
	} else {
		WeatherQueriesByLocationTotal.WithLabelValues("other").Inc()
	}
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
