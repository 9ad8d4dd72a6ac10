//go:build integration

// Package testhelpers builds live stacks for integration tests against the real QWeather API.
package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/forecast-sync/internal/client"
	"github.com/kjstillabower/forecast-sync/internal/coordinator"
	"github.com/kjstillabower/forecast-sync/internal/service"
	"github.com/kjstillabower/forecast-sync/internal/staleness"
	"github.com/kjstillabower/forecast-sync/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey     string
	APIURL     string
	GeoURL     string
	LocationID string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	cfg := IntegrationTestConfig{
		APIKey:     apiKey,
		APIURL:     envOr("WEATHER_API_URL", "https://devapi.qweather.com"),
		GeoURL:     envOr("WEATHER_GEO_URL", "https://geoapi.qweather.com"),
		LocationID: envOr("INTEGRATION_LOCATION_ID", "101010100"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Stack is a live service wired over a temp-dir SQLite store.
type Stack struct {
	Service     *service.WeatherService
	Coordinator *coordinator.Coordinator
	Store       *store.SQLiteStore
	Client      *client.QWeatherClient
}

// SetupIntegrationStack creates a fully wired service for integration tests. Resources are
// released with t.Cleanup.
func SetupIntegrationStack(t *testing.T, cfg IntegrationTestConfig) *Stack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	qc, err := client.NewQWeatherClient(client.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.APIURL,
		GeoURL:  cfg.GeoURL,
		Timeout: 5 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewQWeatherClient() error = %v", err)
	}

	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "forecast.db"), 5)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}

	coord := coordinator.New(st, qc, coordinator.Config{
		Policy:       staleness.Policy{MaxAge: 6 * time.Hour, SoftMaxAge: time.Hour},
		FetchTimeout: 10 * time.Second,
	}, logger)
	t.Cleanup(func() {
		_ = coord.Wait(context.Background())
		_ = st.Close()
	})

	svc := service.NewWeatherService(coord, st, logger,
		service.WithSearcher(qc),
		service.WithHistory(st))
	return &Stack{Service: svc, Coordinator: coord, Store: st, Client: qc}
}
