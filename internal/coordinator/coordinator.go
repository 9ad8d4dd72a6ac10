// Package coordinator decides whether to serve a stored forecast or fetch a new one,
// de-duplicates concurrent fetches per location and persists what it fetches.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-sync/internal/client"
	"github.com/kjstillabower/forecast-sync/internal/models"
	"github.com/kjstillabower/forecast-sync/internal/observability"
	"github.com/kjstillabower/forecast-sync/internal/staleness"
	"github.com/kjstillabower/forecast-sync/internal/store"
)

var (
	// ErrCacheMiss is returned in CacheOnly mode when nothing is stored for the location.
	ErrCacheMiss = errors.New("cache miss")
	// ErrClosed is returned when a fetch is needed after Wait has been called.
	ErrClosed = errors.New("coordinator closed")
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultGracePeriod  = 5 * time.Second
)

// Config holds coordinator tuning.
type Config struct {
	Policy staleness.Policy
	// FetchTimeout bounds each flight, fetch and store write included.
	FetchTimeout time.Duration
	// GracePeriod is how long an abandoned flight keeps running before it is cancelled.
	GracePeriod time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Coordinator is the only writer of forecast records.
type Coordinator struct {
	store        store.RecordStore
	fetcher      client.Fetcher
	policy       staleness.Policy
	fetchTimeout time.Duration
	gracePeriod  time.Duration
	now          func() time.Time
	logger       *zap.Logger
	tracer       trace.Tracer

	mu      sync.Mutex
	flights map[string]*flight
	closed  bool // set by Wait; no flight starts afterwards
	wg      sync.WaitGroup
}

// New returns a Coordinator. A negative GracePeriod cancels abandoned flights immediately.
func New(st store.RecordStore, fetcher client.Fetcher, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		store:        st,
		fetcher:      fetcher,
		policy:       cfg.Policy,
		fetchTimeout: cfg.FetchTimeout,
		gracePeriod:  cfg.GracePeriod,
		now:          cfg.Now,
		logger:       logger,
		tracer:       observability.Tracer(),
		flights:      make(map[string]*flight),
	}
}

// Resolve returns forecast data for locationID according to mode. It returns data (possibly
// degraded) or one of ErrCacheMiss, a client fetch error, a store error, or ctx.Err().
func (c *Coordinator) Resolve(ctx context.Context, locationID string, mode Mode) (res models.Result, err error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.Resolve", trace.WithAttributes(
		attribute.String("location.id", locationID),
		attribute.String("sync.mode", mode.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			observability.ResolveOutcomesTotal.WithLabelValues(errorOutcome(err)).Inc()
		} else {
			span.SetAttributes(attribute.Bool("sync.degraded", res.Degraded), attribute.String("sync.source", string(res.Source)))
			observability.ResolveOutcomesTotal.WithLabelValues(resultOutcome(res)).Inc()
		}
		span.End()
	}()

	if !mode.Valid() {
		return models.Result{}, fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	if err := ctx.Err(); err != nil {
		return models.Result{}, err
	}
	logger := observability.LoggerFrom(ctx, c.logger).With(
		zap.String("location_id", locationID),
		zap.String("mode", mode.String()),
	)

	rec, readErr := c.store.Get(ctx, locationID)
	found := readErr == nil
	var storageErr error
	switch {
	case found:
		observability.RecordStoreOp("get", "ok")
	case errors.Is(readErr, store.ErrNotFound):
		observability.RecordStoreOp("get", "not_found")
	default:
		observability.RecordStoreOp("get", "error")
		logger.Warn("store read failed, treating as not found", zap.Error(readErr))
		storageErr = readErr
	}

	if !found {
		observability.ResolveTotal.WithLabelValues(mode.String(), "none").Inc()
		if mode == CacheOnly {
			logger.Debug("cache only miss")
			if storageErr != nil {
				return models.Result{}, storageErr
			}
			return models.Result{}, ErrCacheMiss
		}
		logger.Debug("no stored record, fetching")
		fetched, ferr := c.fetchAndWait(ctx, locationID)
		if ferr != nil && storageErr != nil {
			return models.Result{}, errors.Join(ferr, storageErr)
		}
		if ferr != nil {
			return models.Result{}, ferr
		}
		if storageErr != nil {
			// Fresh data, but the store could not be read.
			fetched.Degraded = true
		}
		return fetched, nil
	}

	verdict := c.policy.Classify(rec.FetchedAt, c.now())
	observability.ResolveTotal.WithLabelValues(mode.String(), verdict.String()).Inc()
	span.SetAttributes(attribute.String("sync.verdict", verdict.String()))
	logger = logger.With(zap.String("verdict", verdict.String()), zap.Int64("version", rec.Version))

	switch {
	case mode == CacheOnly:
		logger.Debug("serving stored record")
		return servedFromStore(rec, verdict, verdict == staleness.Expired), nil
	case mode == PreferCache && verdict == staleness.Fresh:
		logger.Debug("serving fresh record")
		return servedFromStore(rec, verdict, false), nil
	case mode == PreferCache && verdict == staleness.StaleButServable:
		logger.Debug("serving stale record, refreshing in background")
		c.refreshInBackground(ctx, locationID)
		return servedFromStore(rec, verdict, false), nil
	default:
		logger.Debug("fetching")
		return c.fetchAndWait(ctx, locationID)
	}
}

// Invalidate deletes the stored record so the next non-CacheOnly resolve fetches.
func (c *Coordinator) Invalidate(ctx context.Context, locationID string) error {
	if err := c.store.Delete(ctx, locationID); err != nil {
		observability.RecordStoreOp("delete", "error")
		return err
	}
	observability.RecordStoreOp("delete", "ok")
	observability.LoggerFrom(ctx, c.logger).Debug("record invalidated", zap.String("location_id", locationID))
	return nil
}

// Refresh starts a background refresh for locationID, joining any in-flight fetch,
// and returns immediately.
func (c *Coordinator) Refresh(ctx context.Context, locationID string) {
	c.refreshInBackground(ctx, locationID)
}

// InFlight returns the number of running flights.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

// Wait stops new flights from starting and blocks until every running flight has finished
// or ctx ends. Remaining flights are cancelled when ctx ends. Resolves that need a fetch
// afterwards fail with ErrClosed.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for _, f := range c.flights {
			f.cancel()
		}
		c.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (c *Coordinator) refreshInBackground(ctx context.Context, locationID string) {
	c.join(ctx, locationID, "background", true)
}

func (c *Coordinator) fetchAndWait(ctx context.Context, locationID string) (models.Result, error) {
	f := c.join(ctx, locationID, "foreground", false)
	if f == nil {
		return models.Result{}, ErrClosed
	}
	out, err := c.wait(ctx, f)
	if err != nil {
		return models.Result{}, err
	}
	if out.err != nil {
		return models.Result{}, out.err
	}
	verdict := c.policy.Classify(out.rec.FetchedAt, c.now())
	if out.degraded {
		return servedFromStore(out.rec, verdict, true), nil
	}
	return models.NewResult(out.rec, verdict.String(), false), nil
}

// execute fetches, persists and produces the flight outcome. On fetch failure the
// store is re-read and any existing record is served as degraded.
func (c *Coordinator) execute(ctx context.Context, locationID string) outcome {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "coordinator.flight", trace.WithAttributes(
		attribute.String("location.id", locationID),
	))
	defer span.End()
	logger := observability.LoggerFrom(ctx, c.logger).With(zap.String("location_id", locationID))

	payload, fetchErr := c.fetcher.Fetch(ctx, locationID)
	if fetchErr != nil {
		span.RecordError(fetchErr)
		logger.Debug("fetch failed", zap.Error(fetchErr), zap.String("category", string(client.CategorizeError(fetchErr))))
		return c.fallback(ctx, locationID, fetchErr, logger)
	}

	// Put is detached from flight cancellation; a fetched payload is always persisted.
	putCtx, putCancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer putCancel()
	stored, err := c.store.Put(putCtx, locationID, models.ForecastRecord{
		LocationID: locationID,
		Payload:    payload,
		FetchedAt:  c.now(),
		Source:     models.SourceNetwork,
	})
	if err != nil {
		observability.RecordStoreOp("put", "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "store write failed")
		logger.Error("store write failed after successful fetch", zap.Error(err))
		return outcome{err: err}
	}
	observability.RecordStoreOp("put", "ok")
	span.SetAttributes(attribute.Int64("record.version", stored.Version))
	logger.Debug("fetched and stored", zap.Int64("version", stored.Version))
	return outcome{rec: stored}
}

func (c *Coordinator) fallback(ctx context.Context, locationID string, fetchErr error, logger *zap.Logger) outcome {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()
	rec, err := c.store.Get(readCtx, locationID)
	switch {
	case err == nil:
		observability.RecordStoreOp("get", "ok")
		observability.DegradedFallbacksTotal.Inc()
		logger.Info("serving stored record after fetch failure",
			zap.Int64("version", rec.Version),
			zap.Error(fetchErr))
		return outcome{rec: rec, degraded: true}
	case errors.Is(err, store.ErrNotFound):
		observability.RecordStoreOp("get", "not_found")
		return outcome{err: fetchErr}
	default:
		observability.RecordStoreOp("get", "error")
		logger.Warn("store re-read failed after fetch failure", zap.Error(err))
		return outcome{err: errors.Join(fetchErr, err)}
	}
}

func servedFromStore(rec models.ForecastRecord, verdict staleness.Verdict, degraded bool) models.Result {
	rec.Source = models.SourceCache
	return models.NewResult(rec, verdict.String(), degraded)
}

func resultOutcome(res models.Result) string {
	switch {
	case res.Degraded:
		return "degraded"
	case res.Source == models.SourceNetwork:
		return "network"
	}
	return "cache"
}

func errorOutcome(err error) string {
	switch {
	case errors.Is(err, ErrCacheMiss):
		return "cache_miss"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if !client.IsFetchFailure(err) {
			return "canceled"
		}
	}
	return "error"
}
