package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-sync/internal/client"
	"github.com/kjstillabower/forecast-sync/internal/coordinator"
	"github.com/kjstillabower/forecast-sync/internal/lifecycle"
	"github.com/kjstillabower/forecast-sync/internal/models"
	"github.com/kjstillabower/forecast-sync/internal/observability"
	"github.com/kjstillabower/forecast-sync/internal/service"
	"github.com/kjstillabower/forecast-sync/internal/store"
	"github.com/kjstillabower/forecast-sync/internal/traffic"
)

// DegradedHeader is set to "true" on responses served from a fallback record.
const DegradedHeader = "X-Weather-Degraded"

// WeatherAPI is the query facade surface the handlers use.
type WeatherAPI interface {
	GetWeather(ctx context.Context, locationID string, mode coordinator.Mode) (models.Result, error)
	GetDefaultWeather(ctx context.Context, mode coordinator.Mode) (models.Result, error)
	Invalidate(ctx context.Context, locationID string) error
	History(ctx context.Context, locationID string, limit int) ([]models.ForecastRecord, error)
	AddLocation(ctx context.Context, loc models.Location) (models.Location, error)
	ListLocations(ctx context.Context) ([]models.Location, error)
	RemoveLocation(ctx context.Context, locationID string) error
	SetDefaultLocation(ctx context.Context, locationID string) error
	DefaultLocation(ctx context.Context) (models.Location, error)
	SearchLocations(ctx context.Context, query string) ([]models.Location, error)
}

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	Version          string
	// StorePing, when set, is called to check store reachability.
	StorePing func() error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather      WeatherAPI
	tracker      *traffic.Tracker
	healthConfig *HealthConfig
	logger       *zap.Logger
	validate     *validator.Validate

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. tracker and healthConfig may be nil.
func NewHandler(weather WeatherAPI, tracker *traffic.Tracker, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if tracker == nil {
		tracker = &traffic.Tracker{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weather:      weather,
		tracker:      tracker,
		healthConfig: healthConfig,
		logger:       logger,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

// GetWeather handles GET /weather/{locationId}?mode=.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	mode, err := service.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "mode must be cache_only, prefer_cache or force_refresh")
		return
	}
	res, err := h.weather.GetWeather(r.Context(), mux.Vars(r)["locationId"], mode)
	h.respondWeather(w, r, res, err)
}

// GetDefaultWeather handles GET /weather for the default saved location.
func (h *Handler) GetDefaultWeather(w http.ResponseWriter, r *http.Request) {
	mode, err := service.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "mode must be cache_only, prefer_cache or force_refresh")
		return
	}
	res, err := h.weather.GetDefaultWeather(r.Context(), mode)
	h.respondWeather(w, r, res, err)
}

func (h *Handler) respondWeather(w http.ResponseWriter, r *http.Request, res models.Result, err error) {
	if err != nil {
		status := writeServiceError(w, r, err)
		if status >= http.StatusInternalServerError {
			h.tracker.RecordError()
		} else {
			h.tracker.RecordSuccess()
		}
		return
	}
	if res.Degraded {
		// A fallback answer means the upstream failed even though the caller got data.
		h.tracker.RecordError()
		w.Header().Set(DegradedHeader, "true")
	} else {
		h.tracker.RecordSuccess()
	}
	writeJSON(w, http.StatusOK, res)
}

// InvalidateWeather handles DELETE /weather/{locationId}.
func (h *Handler) InvalidateWeather(w http.ResponseWriter, r *http.Request) {
	if err := h.weather.Invalidate(r.Context(), mux.Vars(r)["locationId"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHistory handles GET /weather/{locationId}/history?limit=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := h.weather.History(r.Context(), mux.Vars(r)["locationId"], limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

type addLocationRequest struct {
	ID        string `json:"id" validate:"required,max=64"`
	Name      string `json:"name" validate:"omitempty,max=128"`
	Latitude  string `json:"latitude" validate:"omitempty,latitude"`
	Longitude string `json:"longitude" validate:"omitempty,longitude"`
}

type setDefaultRequest struct {
	ID string `json:"id" validate:"required,max=64"`
}

// ListLocations handles GET /locations.
func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := h.weather.ListLocations(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locations": locs})
}

// AddLocation handles POST /locations.
func (h *Handler) AddLocation(w http.ResponseWriter, r *http.Request) {
	var req addLocationRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	loc, err := h.weather.AddLocation(r.Context(), models.Location{
		ID:        req.ID,
		Name:      req.Name,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, loc)
}

// DeleteLocation handles DELETE /locations/{locationId}.
func (h *Handler) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	if err := h.weather.RemoveLocation(r.Context(), mux.Vars(r)["locationId"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchLocations handles GET /locations/search?q=.
func (h *Handler) SearchLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := h.weather.SearchLocations(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locations": locs})
}

// GetDefaultLocation handles GET /locations/default.
func (h *Handler) GetDefaultLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := h.weather.DefaultLocation(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// SetDefaultLocation handles PUT /locations/default.
func (h *Handler) SetDefaultLocation(w http.ResponseWriter, r *http.Request) {
	var req setDefaultRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.weather.SetDefaultLocation(r.Context(), req.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeAndValidate decodes a JSON body into v and runs struct validation. On failure it
// writes a 400 and returns false.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	result := h.computeHealthStatus(checks)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "forecast-sync",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus fills checks and evaluates, in order: shutting-down, starting,
// store unreachable, upstream error rate. Reads are served from the store even when the
// upstream is failing, so only the store check makes /health report degraded on its own.
func (h *Handler) computeHealthStatus(checks map[string]string) healthResult {
	checks["weatherApi"] = "healthy"
	var storeErr error
	if h.healthConfig != nil && h.healthConfig.StorePing != nil {
		storeErr = h.healthConfig.StorePing()
		if storeErr != nil {
			checks["store"] = "unhealthy"
		} else {
			checks["store"] = "healthy"
		}
	}

	errorRateBreached := false
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		if pct, ok := h.tracker.ErrorPercent(h.healthConfig.DegradedWindow); ok && pct >= float64(h.healthConfig.DegradedErrorPct) {
			errorRateBreached = true
			checks["weatherApi"] = "unhealthy"
		}
	}

	switch {
	case lifecycle.IsShuttingDown():
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	case lifecycle.Current() == lifecycle.Starting:
		return healthResult{"starting", http.StatusServiceUnavailable, "startup"}
	case storeErr != nil:
		return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable"}
	case errorRateBreached:
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
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

// errorStatus maps a facade error to an HTTP status, error code and client-safe message.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT", invalidArgumentMessage(err)
	case errors.Is(err, coordinator.ErrCacheMiss):
		return http.StatusNotFound, "CACHE_MISS", "No stored forecast for location"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, client.ErrLocationNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Location not found"
	case errors.Is(err, store.ErrLocationExists):
		return http.StatusConflict, "LOCATION_EXISTS", "Location already saved"
	case errors.Is(err, service.ErrUnsupported):
		return http.StatusNotImplemented, "NOT_SUPPORTED", "Not supported by the configured store"
	case errors.Is(err, store.ErrStorage):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Forecast storage unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, client.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT", "Timed out fetching weather data"
	case client.IsFetchFailure(err):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data"
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "CANCELED", "Request canceled"
	default:
		return http.StatusInternalServerError, "INTERNAL", "Internal error"
	}
}

func invalidArgumentMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, service.ErrInvalidArgument.Error()+": "); i >= 0 {
		return msg[i+len(service.ErrInvalidArgument.Error())+2:]
	}
	return msg
}

// writeServiceError maps err to a status, writes the error body and returns the status.
// The underlying error is logged at DEBUG with the request logger.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) int {
	status, code, message := errorStatus(err)
	writeError(w, r, status, code, message)
	observability.LoggerFrom(r.Context(), nil).Debug("request failed",
		zap.Int("status", status), zap.String("code", code), zap.Error(err))
	return status
}
