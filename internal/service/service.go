// Package service is the query facade used by the HTTP API and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-sync/internal/client"
	"github.com/kjstillabower/forecast-sync/internal/coordinator"
	"github.com/kjstillabower/forecast-sync/internal/models"
	"github.com/kjstillabower/forecast-sync/internal/observability"
	"github.com/kjstillabower/forecast-sync/internal/store"
	"github.com/kjstillabower/forecast-sync/internal/validation"
)

var (
	// ErrInvalidArgument wraps every input validation failure.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnsupported is returned when the configured backend lacks a capability.
	ErrUnsupported = errors.New("not supported by store backend")
)

// Resolver is the coordinator contract the facade delegates to.
type Resolver interface {
	Resolve(ctx context.Context, locationID string, mode coordinator.Mode) (models.Result, error)
	Invalidate(ctx context.Context, locationID string) error
}

// Limits bounds location id and search query length in runes.
type Limits struct {
	MinIDLength int
	MaxIDLength int
}

// WeatherService validates and normalizes input before delegating to the coordinator
// and the location registry.
type WeatherService struct {
	resolver Resolver
	registry store.LocationRegistry
	searcher client.LocationSearcher
	history  store.HistoryReader
	limits   Limits
	logger   *zap.Logger
}

// Option configures optional collaborators.
type Option func(*WeatherService)

// WithSearcher enables SearchLocations.
func WithSearcher(s client.LocationSearcher) Option {
	return func(ws *WeatherService) { ws.searcher = s }
}

// WithHistory enables History.
func WithHistory(h store.HistoryReader) Option {
	return func(ws *WeatherService) { ws.history = h }
}

// WithLimits overrides the default id length bounds (1..64).
func WithLimits(l Limits) Option {
	return func(ws *WeatherService) { ws.limits = l }
}

// NewWeatherService creates the facade. logger may be nil.
func NewWeatherService(resolver Resolver, registry store.LocationRegistry, logger *zap.Logger, opts ...Option) *WeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws := &WeatherService{
		resolver: resolver,
		registry: registry,
		limits:   Limits{MinIDLength: 1, MaxIDLength: 64},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// ParseMode parses a wire mode name; unknown names are ErrInvalidArgument.
func ParseMode(s string) (coordinator.Mode, error) {
	m, err := coordinator.ParseMode(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return m, nil
}

// GetWeather validates and normalizes locationID and resolves it with mode.
func (s *WeatherService) GetWeather(ctx context.Context, locationID string, mode coordinator.Mode) (models.Result, error) {
	key, err := s.normalizeID(locationID)
	if err != nil {
		return models.Result{}, err
	}
	if !mode.Valid() {
		return models.Result{}, fmt.Errorf("%w: mode %d", ErrInvalidArgument, int(mode))
	}

	start := time.Now()
	observability.RecordWeatherQuery(key)
	res, err := s.resolver.Resolve(ctx, key, mode)
	logger := observability.LoggerFrom(ctx, s.logger)
	if err != nil {
		logger.Debug("weather resolve failed", zap.String("location_id", key), zap.Error(err))
		return models.Result{}, fmt.Errorf("resolve %s: %w", key, err)
	}
	logger.Debug("weather served",
		zap.String("location_id", key),
		zap.String("source", string(res.Source)),
		zap.Bool("degraded", res.Degraded),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// GetDefaultWeather resolves the default saved location.
func (s *WeatherService) GetDefaultWeather(ctx context.Context, mode coordinator.Mode) (models.Result, error) {
	loc, err := s.registry.DefaultLocation(ctx)
	if err != nil {
		return models.Result{}, err
	}
	return s.GetWeather(ctx, loc.ID, mode)
}

// Invalidate drops the stored forecast for locationID.
func (s *WeatherService) Invalidate(ctx context.Context, locationID string) error {
	key, err := s.normalizeID(locationID)
	if err != nil {
		return err
	}
	return s.resolver.Invalidate(ctx, key)
}

// AddLocation saves a location. The id is normalized; name defaults to the raw id.
func (s *WeatherService) AddLocation(ctx context.Context, loc models.Location) (models.Location, error) {
	raw := strings.TrimSpace(loc.ID)
	key, err := s.normalizeID(raw)
	if err != nil {
		return models.Location{}, err
	}
	loc.ID = key
	loc.Name = strings.TrimSpace(loc.Name)
	if loc.Name == "" {
		loc.Name = raw
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now().UTC()
	}
	if err := s.registry.AddLocation(ctx, loc); err != nil {
		return models.Location{}, err
	}
	return loc, nil
}

func (s *WeatherService) ListLocations(ctx context.Context) ([]models.Location, error) {
	return s.registry.ListLocations(ctx)
}

// RemoveLocation deletes a saved location and its cached forecast.
func (s *WeatherService) RemoveLocation(ctx context.Context, locationID string) error {
	key, err := s.normalizeID(locationID)
	if err != nil {
		return err
	}
	if err := s.registry.DeleteLocation(ctx, key); err != nil {
		return err
	}
	// The registry and the record store may be different backends.
	return s.resolver.Invalidate(ctx, key)
}

func (s *WeatherService) SetDefaultLocation(ctx context.Context, locationID string) error {
	key, err := s.normalizeID(locationID)
	if err != nil {
		return err
	}
	return s.registry.SetDefaultLocation(ctx, key)
}

func (s *WeatherService) DefaultLocation(ctx context.Context) (models.Location, error) {
	return s.registry.DefaultLocation(ctx)
}

// SearchLocations looks up candidate locations upstream.
func (s *WeatherService) SearchLocations(ctx context.Context, query string) ([]models.Location, error) {
	if s.searcher == nil {
		return nil, fmt.Errorf("search: %w", ErrUnsupported)
	}
	q, err := validation.ValidateQuery(query, 1, s.limits.MaxIDLength)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrInvalidArgument, err)
	}
	return s.searcher.SearchLocations(ctx, q)
}

// History returns superseded forecast versions for locationID, newest first.
func (s *WeatherService) History(ctx context.Context, locationID string, limit int) ([]models.ForecastRecord, error) {
	if s.history == nil {
		return nil, fmt.Errorf("history: %w", ErrUnsupported)
	}
	key, err := s.normalizeID(locationID)
	if err != nil {
		return nil, err
	}
	return s.history.History(ctx, key, limit)
}

func (s *WeatherService) normalizeID(locationID string) (string, error) {
	id, err := validation.ValidateLocationID(locationID, s.limits.MinIDLength, s.limits.MaxIDLength)
	if err != nil {
		return "", fmt.Errorf("%w: location id: %v", ErrInvalidArgument, err)
	}
	return normalizeLocation(id), nil
}

// normalizeLocation lowercases so ids differing only in case share a record and a flight.
func normalizeLocation(location string) string {
	return strings.ToLower(strings.TrimSpace(location))
}
