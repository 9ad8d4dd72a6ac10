// Package warm prefetches forecasts for configured locations at startup.
package warm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/forecast-sync/internal/coordinator"
	"github.com/kjstillabower/forecast-sync/internal/models"
	"github.com/kjstillabower/forecast-sync/internal/observability"
)

// WeatherGetter is implemented by the query facade.
type WeatherGetter interface {
	GetWeather(ctx context.Context, locationID string, mode coordinator.Mode) (models.Result, error)
}

// Warmer resolves a list of locations with PreferCache so fresh records are left alone
// and missing or expired ones are fetched.
type Warmer struct {
	getter      WeatherGetter
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
}

// NewWarmer creates a Warmer running at most concurrency resolves at once (<= 0 means 4).
// Each location gets its own timeout, measured from when its resolve starts; <= 0 leaves
// resolves bounded only by the Warm context.
func NewWarmer(getter WeatherGetter, concurrency int, timeout time.Duration, logger *zap.Logger) *Warmer {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{getter: getter, concurrency: concurrency, timeout: timeout, logger: logger}
}

func (w *Warmer) resolve(ctx context.Context, loc string) (models.Result, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	return w.getter.GetWeather(ctx, loc, coordinator.PreferCache)
}

// Warm resolves every location. One failure does not stop the others; all failures are joined.
func (w *Warmer) Warm(ctx context.Context, locations []string) error {
	if len(locations) == 0 {
		return nil
	}
	start := time.Now()
	w.logger.Info("warming forecasts", zap.Int("locations", len(locations)))

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, loc := range locations {
		loc := loc
		g.Go(func() error {
			res, err := w.resolve(ctx, loc)
			if err != nil {
				observability.WarmLocationsTotal.WithLabelValues("error").Inc()
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc, err))
				mu.Unlock()
				return nil
			}
			status := "ok"
			if res.Degraded {
				status = "degraded"
			}
			observability.WarmLocationsTotal.WithLabelValues(status).Inc()
			return nil
		})
	}
	_ = g.Wait()

	w.logger.Info("forecast warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Duration("duration", time.Since(start)))
	return errors.Join(errs...)
}
