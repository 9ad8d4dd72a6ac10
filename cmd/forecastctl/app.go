package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-sync/internal/client"
	"github.com/kjstillabower/forecast-sync/internal/config"
	"github.com/kjstillabower/forecast-sync/internal/coordinator"
	"github.com/kjstillabower/forecast-sync/internal/observability"
	"github.com/kjstillabower/forecast-sync/internal/service"
	"github.com/kjstillabower/forecast-sync/internal/staleness"
	"github.com/kjstillabower/forecast-sync/internal/store"
)

// app is the wired stack a command runs against.
type app struct {
	svc     *service.WeatherService
	coord   *coordinator.Coordinator
	closers []func() error
}

// opener builds an app. Tests swap in an in-memory one.
type opener func(ctx context.Context, verbose bool) (*app, error)

// close waits for background refreshes so their records are written before exit.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.coord != nil {
		if err := a.coord.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openFromConfig(ctx context.Context, verbose bool) (*app, error) {
	logger, err := observability.NewLogger()
	if err != nil {
		return nil, err
	}
	if !verbose {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	backend, err := store.Open(ctx, cfg.Backend())
	if err != nil {
		return nil, err
	}
	qc, err := client.NewQWeatherClient(client.Config{
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
		_ = backend.Close()
		return nil, err
	}
	policy, err := staleness.NewPolicy(cfg.MaxAge, cfg.SoftMaxAge)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	coord := coordinator.New(backend.Records, qc, coordinator.Config{
		Policy:       policy,
		FetchTimeout: cfg.FetchTimeout,
		GracePeriod:  cfg.GracePeriod,
	}, logger)

	opts := []service.Option{service.WithSearcher(qc)}
	if backend.History != nil {
		opts = append(opts, service.WithHistory(backend.History))
	}
	return &app{
		svc:     service.NewWeatherService(coord, backend.Registry, logger, opts...),
		coord:   coord,
		closers: []func() error{backend.Close, func() error { _ = logger.Sync(); return nil }},
	}, nil
}

// waitTimeout bounds how long a command waits for background refreshes on exit.
const waitTimeout = 15 * time.Second
