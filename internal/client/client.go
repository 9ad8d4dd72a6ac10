// Package client fetches forecasts and location candidates from the QWeather API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/forecast-sync/internal/models"
	"github.com/kjstillabower/forecast-sync/internal/observability"
)

// Fetcher retrieves the latest forecast payload for a location id.
type Fetcher interface {
	Fetch(ctx context.Context, locationID string) (models.ForecastPayload, error)
}

// LocationSearcher resolves a free-text query to candidate locations.
type LocationSearcher interface {
	SearchLocations(ctx context.Context, query string) ([]models.Location, error)
}

var (
	// ErrNetwork covers transport failures and an open circuit breaker.
	ErrNetwork = errors.New("network failure")
	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("request timeout")
	// ErrDecode is returned when a response body cannot be parsed.
	ErrDecode = errors.New("decode failure")

	ErrLocationNotFound = errors.New("location not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRateLimited      = errors.New("rate limited")
	ErrUpstream         = errors.New("upstream failure")
)

const (
	endpointNow    = "now"
	endpointHourly = "hourly"
	endpointDaily  = "daily"
	endpointAir    = "air"
	endpointLookup = "geo"

	maxBodyBytes = 1 << 20
)

// Config holds QWeather connection and resilience settings.
type Config struct {
	APIKey  string
	BaseURL string // e.g. https://devapi.qweather.com
	GeoURL  string // e.g. https://geoapi.qweather.com
	Timeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerOpenTimeout.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration

	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	if c.GeoURL == "" {
		c.GeoURL = c.BaseURL
	}
}

// QWeatherClient implements Fetcher and LocationSearcher.
type QWeatherClient struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewQWeatherClient validates cfg and returns a client. logger may be nil.
func NewQWeatherClient(cfg Config, logger *zap.Logger) (*QWeatherClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrUnauthorized)
	}
	if len(cfg.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrUnauthorized)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &QWeatherClient{cfg: cfg, client: httpClient, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "qweather",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: countsAsBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerState.Set(float64(to))
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c, nil
}

// countsAsBreakerSuccess keeps caller-side failures (bad id, bad key, bad payload,
// caller cancellation) from tripping the breaker.
func countsAsBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, ErrLocationNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, context.Canceled)
}

type nowResponse struct {
	Code       string `json:"code"`
	UpdateTime string `json:"updateTime"`
	Now        struct {
		ObsTime   string `json:"obsTime"`
		Temp      string `json:"temp"`
		FeelsLike string `json:"feelsLike"`
		Icon      string `json:"icon"`
		Text      string `json:"text"`
		WindDir   string `json:"windDir"`
		WindSpeed string `json:"windSpeed"`
		Humidity  string `json:"humidity"`
	} `json:"now"`
}

type dailyResponse struct {
	Code       string `json:"code"`
	UpdateTime string `json:"updateTime"`
	Daily      []struct {
		FxDate  string `json:"fxDate"`
		TempMax string `json:"tempMax"`
		TempMin string `json:"tempMin"`
		IconDay string `json:"iconDay"`
		TextDay string `json:"textDay"`
	} `json:"daily"`
}

type hourlyResponse struct {
	Code   string `json:"code"`
	Hourly []struct {
		FxTime  string `json:"fxTime"`
		Temp    string `json:"temp"`
		Icon    string `json:"icon"`
		Text    string `json:"text"`
		WindDir string `json:"windDir"`
		Pop     string `json:"pop"`
	} `json:"hourly"`
}

type airResponse struct {
	Code string `json:"code"`
	Now  struct {
		PubTime  string `json:"pubTime"`
		AQI      string `json:"aqi"`
		Level    string `json:"level"`
		Category string `json:"category"`
		Primary  string `json:"primary"`
		PM2p5    string `json:"pm2p5"`
	} `json:"now"`
}

type lookupResponse struct {
	Code     string `json:"code"`
	Location []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Lat  string `json:"lat"`
		Lon  string `json:"lon"`
	} `json:"location"`
}

// Fetch retrieves current conditions, the 24-hour and 7-day series and air quality
// concurrently and merges them. Air quality is best effort: when it fails the payload
// carries none.
func (c *QWeatherClient) Fetch(ctx context.Context, locationID string) (models.ForecastPayload, error) {
	var (
		now    nowResponse
		hourly hourlyResponse
		daily  dailyResponse
		air    airResponse
		airErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.getJSON(gctx, endpointNow, c.cfg.BaseURL, "v7/weather/now", locationID, &now)
	})
	g.Go(func() error {
		return c.getJSON(gctx, endpointHourly, c.cfg.BaseURL, "v7/weather/24h", locationID, &hourly)
	})
	g.Go(func() error {
		return c.getJSON(gctx, endpointDaily, c.cfg.BaseURL, "v7/weather/7d", locationID, &daily)
	})
	g.Go(func() error {
		airErr = c.getJSON(gctx, endpointAir, c.cfg.BaseURL, "v7/air/now", locationID, &air)
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.ForecastPayload{}, err
	}

	payload, err := mapPayload(now, hourly, daily)
	if err != nil {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.ForecastPayload{}, err
	}
	if airErr == nil {
		payload.AirQuality, airErr = mapAir(air)
	}
	if airErr != nil {
		c.logger.Debug("air quality unavailable", zap.String("location_id", locationID), zap.Error(airErr))
	}
	return payload, nil
}

// SearchLocations looks up candidate locations for a free-text query.
func (c *QWeatherClient) SearchLocations(ctx context.Context, query string) ([]models.Location, error) {
	var resp lookupResponse
	if err := c.getJSON(ctx, endpointLookup, c.cfg.GeoURL, "geo/v2/city/lookup", query, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Location, 0, len(resp.Location))
	for _, l := range resp.Location {
		out = append(out, models.Location{ID: l.ID, Name: l.Name, Latitude: l.Lat, Longitude: l.Lon})
	}
	return out, nil
}

// getJSON performs a GET with retries and decodes the body into out. The body's code field
// must be "200".
func (c *QWeatherClient) getJSON(ctx context.Context, endpoint, base, path, location string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			timer := time.NewTimer(c.calculateBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return classifyTransportError(ctx.Err())
			case <-timer.C:
			}
		}

		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.callAPI(ctx, endpoint, base, path, location, out)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit breaker %v", ErrNetwork, err)
			observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
			return err
		}
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		c.logger.Debug("retrying upstream call",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return fmt.Errorf("exhausted %d attempts: %w", c.cfg.RetryAttempts, lastErr)
}

func (c *QWeatherClient) callAPI(ctx context.Context, endpoint, base, path, location string, out interface{}) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, base, path, location)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		recordCall(endpoint, "error", start)
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		recordCall(endpoint, statusLabel(resp.StatusCode), start)
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		recordCall(endpoint, "error", start)
		return classifyTransportError(err)
	}

	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		recordCall(endpoint, "decode_error", start)
		return fmt.Errorf("%w: %s response: %v", ErrDecode, endpoint, err)
	}
	if err := bodyCodeError(envelope.Code); err != nil {
		recordCall(endpoint, "api_error", start)
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		recordCall(endpoint, "decode_error", start)
		return fmt.Errorf("%w: %s response: %v", ErrDecode, endpoint, err)
	}
	recordCall(endpoint, "success", start)
	return nil
}

func recordCall(endpoint, status string, start time.Time) {
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
}

func (c *QWeatherClient) buildRequest(ctx context.Context, base, path, location string) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + path)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params := url.Values{}
	params.Set("location", location)
	params.Set("key", c.cfg.APIKey)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *QWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.RetryMaxDelay) {
		delay = float64(c.cfg.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUpstream)
}

// classifyTransportError maps a transport-level failure to ErrTimeout or ErrNetwork,
// keeping the original error in the chain.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, code)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d", ErrLocationNotFound, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, code)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstream, code)
	}
}

// bodyCodeError maps the QWeather body status code. "200" is success.
func bodyCodeError(code string) error {
	switch code {
	case "200":
		return nil
	case "401", "403":
		return fmt.Errorf("%w: code %s", ErrUnauthorized, code)
	case "404":
		return fmt.Errorf("%w: code %s", ErrLocationNotFound, code)
	case "429":
		return fmt.Errorf("%w: code %s", ErrRateLimited, code)
	case "":
		return fmt.Errorf("%w: missing response code", ErrDecode)
	default:
		return fmt.Errorf("%w: code %s", ErrUpstream, code)
	}
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}

func mapPayload(now nowResponse, hourly hourlyResponse, daily dailyResponse) (models.ForecastPayload, error) {
	var p models.ForecastPayload
	var err error
	n := now.Now
	if p.Now.Temperature, err = parseFloat("temp", n.Temp); err != nil {
		return p, err
	}
	if p.Now.FeelsLike, err = parseFloat("feelsLike", n.FeelsLike); err != nil {
		return p, err
	}
	if p.Now.WindSpeed, err = parseFloat("windSpeed", n.WindSpeed); err != nil {
		return p, err
	}
	humidity, err := parseFloat("humidity", n.Humidity)
	if err != nil {
		return p, err
	}
	p.Now.Humidity = int(humidity)
	p.Now.WindDirection = n.WindDir
	p.Now.Text = n.Text
	p.Now.Icon = n.Icon
	if p.Now.ObservedAt, err = parseTime("obsTime", n.ObsTime); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime("updateTime", now.UpdateTime); err != nil {
		return p, err
	}

	p.Daily = make([]models.DailyForecast, 0, len(daily.Daily))
	for _, d := range daily.Daily {
		day := models.DailyForecast{Date: d.FxDate, Text: d.TextDay, Icon: d.IconDay}
		if day.TempMin, err = parseFloat("tempMin", d.TempMin); err != nil {
			return p, err
		}
		if day.TempMax, err = parseFloat("tempMax", d.TempMax); err != nil {
			return p, err
		}
		p.Daily = append(p.Daily, day)
	}

	p.Hourly = make([]models.HourlyForecast, 0, len(hourly.Hourly))
	for _, h := range hourly.Hourly {
		hour := models.HourlyForecast{Text: h.Text, Icon: h.Icon, WindDirection: h.WindDir}
		if hour.Time, err = parseTime("fxTime", h.FxTime); err != nil {
			return p, err
		}
		if hour.Temperature, err = parseFloat("temp", h.Temp); err != nil {
			return p, err
		}
		pop, err := parseFloat("pop", h.Pop)
		if err != nil {
			return p, err
		}
		hour.PrecipProb = int(pop)
		p.Hourly = append(p.Hourly, hour)
	}
	return p, nil
}

func mapAir(air airResponse) (*models.AirQuality, error) {
	n := air.Now
	q := &models.AirQuality{Level: n.Level, Category: n.Category, Primary: n.Primary}
	if q.Primary == "NA" {
		q.Primary = ""
	}
	aqi, err := parseFloat("aqi", n.AQI)
	if err != nil {
		return nil, err
	}
	q.AQI = int(aqi)
	if q.PM25, err = parseFloat("pm2p5", n.PM2p5); err != nil {
		return nil, err
	}
	if q.PublishedAt, err = parseTime("pubTime", n.PubTime); err != nil {
		return nil, err
	}
	return q, nil
}

// parseFloat parses a numeric string field. Empty means zero.
func parseFloat(field, s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: field %s: %q is not a number", ErrDecode, field, s)
	}
	return v, nil
}

// QWeather timestamps carry minutes but no seconds, e.g. 2026-10-15T09:30+08:00.
const qweatherTimeLayout = "2006-01-02T15:04Z07:00"

func parseTime(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(qweatherTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: field %s: %q is not a timestamp", ErrDecode, field, s)
	}
	return t, nil
}
