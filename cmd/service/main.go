package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/forecast-sync/internal/client"
	"github.com/kjstillabower/forecast-sync/internal/config"
	"github.com/kjstillabower/forecast-sync/internal/coordinator"
	httphandler "github.com/kjstillabower/forecast-sync/internal/http"
	"github.com/kjstillabower/forecast-sync/internal/lifecycle"
	"github.com/kjstillabower/forecast-sync/internal/observability"
	"github.com/kjstillabower/forecast-sync/internal/service"
	"github.com/kjstillabower/forecast-sync/internal/staleness"
	"github.com/kjstillabower/forecast-sync/internal/store"
	"github.com/kjstillabower/forecast-sync/internal/traffic"
	"github.com/kjstillabower/forecast-sync/internal/warm"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	lifecycle.Set(lifecycle.Starting)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx := context.Background()
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "forecast-sync",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Fatal("tracing", zap.Error(err))
	}

	backend, err := store.Open(ctx, cfg.Backend())
	if err != nil {
		logger.Fatal("store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	logger.Info("store backend", zap.String("backend", cfg.StoreBackend), zap.String("path", cfg.StorePath))

	weatherClient, err := client.NewQWeatherClient(client.Config{
		APIKey:             cfg.WeatherAPIKey,
		BaseURL:            cfg.WeatherAPIURL,
		GeoURL:             cfg.WeatherGeoURL,
		Timeout:            cfg.WeatherAPITimeout,
		RetryAttempts:      cfg.RetryAttempts,
		RetryBaseDelay:     cfg.RetryBaseDelay,
		RetryMaxDelay:      cfg.RetryMaxDelay,
		BreakerFailures:    cfg.BreakerFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	policy, err := staleness.NewPolicy(cfg.MaxAge, cfg.SoftMaxAge)
	if err != nil {
		logger.Fatal("staleness policy", zap.Error(err))
	}
	coord := coordinator.New(backend.Records, weatherClient, coordinator.Config{
		Policy:       policy,
		FetchTimeout: cfg.FetchTimeout,
		GracePeriod:  cfg.GracePeriod,
	}, logger)

	opts := []service.Option{service.WithSearcher(weatherClient)}
	if backend.History != nil {
		opts = append(opts, service.WithHistory(backend.History))
	}
	weatherService := service.NewWeatherService(coord, backend.Registry, logger, opts...)

	tracker := traffic.NewTracker(cfg.DegradedWindow)
	observability.RegisterTrafficGauges(cfg.DegradedWindow, tracker)
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(weatherService, tracker, &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		Version:          version,
		StorePing:        backend.Ping,
	}, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
		Tracing:        cfg.TracingEnabled,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	if cfg.WarmEnabled && len(cfg.WarmLocations) > 0 {
		warmer := warm.NewWarmer(weatherService, cfg.WarmConcurrency, cfg.WarmTimeout, logger)
		if err := warmer.Warm(ctx, cfg.WarmLocations); err != nil {
			logger.Warn("forecast warming failed", zap.Error(err))
		}
	}
	lifecycle.Set(lifecycle.Ready)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	<-sigCtx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.Set(lifecycle.ShuttingDown)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// Flights detached from their callers may still be writing records.
	logger.Info("waiting for in-flight fetches", zap.Int("count", coord.InFlight()))
	if err := coord.Wait(shutdownCtx); err != nil {
		logger.Warn("in-flight fetches not completed", zap.Error(err), zap.Int("remaining", coord.InFlight()))
	}

	if err := backend.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	if err := observability.FlushTelemetry(shutdownCtx, logger, shutdownTracing); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
}
