package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/forecast-sync/internal/client"
	"github.com/kjstillabower/forecast-sync/internal/models"
	"github.com/kjstillabower/forecast-sync/internal/staleness"
	"github.com/kjstillabower/forecast-sync/internal/store"
)

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

var testPolicy = staleness.Policy{MaxAge: 6 * time.Hour, SoftMaxAge: time.Hour}

func payloadFor(id string, temp float64) models.ForecastPayload {
	return models.ForecastPayload{
		Now:       models.Conditions{Temperature: temp, Text: "Sunny " + id},
		UpdatedAt: testNow,
	}
}

// fakeFetcher counts calls. When gate is set, Fetch blocks until the gate closes or ctx ends.
type fakeFetcher struct {
	calls     atomic.Int32
	gate      chan struct{}
	err       error
	temp      float64
	sawCancel atomic.Bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string) (models.ForecastPayload, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			f.sawCancel.Store(true)
			return models.ForecastPayload{}, fmt.Errorf("%w: %w", client.ErrNetwork, ctx.Err())
		}
	}
	if f.err != nil {
		return models.ForecastPayload{}, f.err
	}
	return payloadFor(id, f.temp), nil
}

// faultyStore injects read or write failures in front of an in-memory store.
type faultyStore struct {
	*store.InMemoryStore
	getErr error
	putErr error
}

func (s *faultyStore) Get(ctx context.Context, id string) (models.ForecastRecord, error) {
	if s.getErr != nil {
		return models.ForecastRecord{}, s.getErr
	}
	return s.InMemoryStore.Get(ctx, id)
}

func (s *faultyStore) Put(ctx context.Context, id string, rec models.ForecastRecord) (models.ForecastRecord, error) {
	if s.putErr != nil {
		return models.ForecastRecord{}, s.putErr
	}
	return s.InMemoryStore.Put(ctx, id, rec)
}

func newTestCoordinator(st store.RecordStore, f client.Fetcher, grace time.Duration) *Coordinator {
	return New(st, f, Config{
		Policy:       testPolicy,
		FetchTimeout: 5 * time.Second,
		GracePeriod:  grace,
		Now:          func() time.Time { return testNow },
	}, nil)
}

func seed(t *testing.T, st store.RecordStore, id string, age time.Duration) models.ForecastRecord {
	t.Helper()
	rec, err := st.Put(context.Background(), id, models.ForecastRecord{
		Payload:   payloadFor(id, 10),
		FetchedAt: testNow.Add(-age),
		Source:    models.SourceNetwork,
	})
	if err != nil {
		t.Fatalf("seed Put() error = %v", err)
	}
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *Coordinator) flightFor(key string) (waiters int, graceArmed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		return 0, false, false
	}
	return f.waiters, f.grace != nil, true
}

func drain(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

// Empty store in PreferCache mode fetches, persists and returns the fetched payload.
func TestResolve_EmptyStorePreferCacheFetches(t *testing.T) {
	st := store.NewInMemoryStore(0)
	f := &fakeFetcher{temp: 21}
	c := newTestCoordinator(st, f, time.Second)

	res, err := c.Resolve(context.Background(), "101010100", PreferCache)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Degraded || res.Source != models.SourceNetwork || res.Version != 1 {
		t.Errorf("Resolve() = %+v, want non-degraded network version 1", res)
	}
	if !res.FetchedAt.Equal(testNow) || res.Payload.Now.Temperature != 21 || res.Verdict != "fresh" {
		t.Errorf("Resolve() = %+v", res)
	}
	stored, err := st.Get(context.Background(), "101010100")
	if err != nil || stored.Version != 1 || stored.Payload.Now.Temperature != 21 {
		t.Errorf("store after Resolve = %+v, %v", stored, err)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}

// A stale record is served immediately while a refresh runs in the background.
func TestResolve_StaleServedWithBackgroundRefresh(t *testing.T) {
	st := store.NewInMemoryStore(0)
	seed(t, st, "loc", 2*time.Hour)
	f := &fakeFetcher{gate: make(chan struct{}), temp: 30}
	c := newTestCoordinator(st, f, time.Second)

	res, err := c.Resolve(context.Background(), "loc", PreferCache)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Degraded || res.Version != 1 || res.Source != models.SourceCache || res.Verdict != "stale" {
		t.Errorf("Resolve() = %+v, want cached stale version 1", res)
	}
	waitFor(t, "background fetch to start", func() bool { return f.calls.Load() == 1 })

	close(f.gate)
	drain(t, c)
	rec, _ := st.Get(context.Background(), "loc")
	if rec.Version != 2 || rec.Payload.Now.Temperature != 30 {
		t.Errorf("store after refresh = version %d temp %v, want version 2 temp 30", rec.Version, rec.Payload.Now.Temperature)
	}
}

// A failed forced refresh serves the stored record flagged degraded.
func TestResolve_ForceRefreshFailureFallsBack(t *testing.T) {
	st := store.NewInMemoryStore(0)
	seed(t, st, "loc", 10*time.Hour)
	f := &fakeFetcher{err: fmt.Errorf("%w: connection refused", client.ErrNetwork)}
	core, logs := observer.New(zapcore.InfoLevel)
	c := New(st, f, Config{Policy: testPolicy, Now: func() time.Time { return testNow }}, zap.New(core))

	res, err := c.Resolve(context.Background(), "loc", ForceRefresh)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Degraded || res.Version != 1 || res.Source != models.SourceCache || res.Verdict != "expired" {
		t.Errorf("Resolve() = %+v, want degraded cached version 1", res)
	}
	if logs.FilterMessage("serving stored record after fetch failure").Len() != 1 {
		t.Errorf("expected fallback log entry, got %v", logs.All())
	}
}

// CacheOnly on an empty store misses without fetching.
func TestResolve_CacheOnlyMiss(t *testing.T) {
	f := &fakeFetcher{}
	c := newTestCoordinator(store.NewInMemoryStore(0), f, time.Second)

	_, err := c.Resolve(context.Background(), "loc", CacheOnly)
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Resolve() error = %v, want ErrCacheMiss", err)
	}
	if n := f.calls.Load(); n != 0 {
		t.Errorf("fetch calls = %d, want 0", n)
	}
}

func TestResolve_Decisions(t *testing.T) {
	tests := []struct {
		name         string
		age          time.Duration
		mode         Mode
		wantFetch    bool
		wantVersion  int64
		wantDegraded bool
		wantVerdict  string
	}{
		{"prefer cache fresh", 30 * time.Minute, PreferCache, false, 1, false, "fresh"},
		{"prefer cache expired", 7 * time.Hour, PreferCache, true, 2, false, "fresh"},
		{"force refresh fresh", time.Minute, ForceRefresh, true, 2, false, "fresh"},
		{"cache only fresh", time.Minute, CacheOnly, false, 1, false, "fresh"},
		{"cache only stale", 3 * time.Hour, CacheOnly, false, 1, false, "stale"},
		{"cache only expired", 8 * time.Hour, CacheOnly, false, 1, true, "expired"},
		{"future fetched at is fresh", -time.Hour, PreferCache, false, 1, false, "fresh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewInMemoryStore(0)
			seed(t, st, "loc", tt.age)
			f := &fakeFetcher{}
			c := newTestCoordinator(st, f, time.Second)

			res, err := c.Resolve(context.Background(), "loc", tt.mode)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			drain(t, c)
			if got := f.calls.Load() > 0; got != tt.wantFetch {
				t.Errorf("fetched = %v, want %v", got, tt.wantFetch)
			}
			if res.Version != tt.wantVersion || res.Degraded != tt.wantDegraded || res.Verdict != tt.wantVerdict {
				t.Errorf("Resolve() = version %d degraded %v verdict %q, want %d %v %q",
					res.Version, res.Degraded, res.Verdict, tt.wantVersion, tt.wantDegraded, tt.wantVerdict)
			}
		})
	}
}

// TestResolve_CacheOnlyIdempotent verifies repeated CacheOnly reads return the same result
// and never touch the network.
func TestResolve_CacheOnlyIdempotent(t *testing.T) {
	st := store.NewInMemoryStore(0)
	seed(t, st, "loc", 2*time.Hour)
	f := &fakeFetcher{}
	c := newTestCoordinator(st, f, time.Second)

	first, err := c.Resolve(context.Background(), "loc", CacheOnly)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := c.Resolve(context.Background(), "loc", CacheOnly)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if again.Version != first.Version || !again.FetchedAt.Equal(first.FetchedAt) || again.Degraded != first.Degraded {
			t.Errorf("Resolve() #%d = %+v, want %+v", i, again, first)
		}
	}
	if n := f.calls.Load(); n != 0 {
		t.Errorf("fetch calls = %d, want 0", n)
	}
}

// TestResolve_ConcurrentResolvesFetchOnce verifies N concurrent resolves share one flight
// and observe the same record.
func TestResolve_ConcurrentResolvesFetchOnce(t *testing.T) {
	const n = 20
	st := store.NewInMemoryStore(0)
	f := &fakeFetcher{gate: make(chan struct{}), temp: 5}
	c := newTestCoordinator(st, f, time.Second)

	var wg sync.WaitGroup
	results := make([]models.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Resolve(context.Background(), "shared", ForceRefresh)
		}(i)
	}
	waitFor(t, "all callers to join", func() bool {
		w, _, ok := c.flightFor("shared")
		return ok && w == n
	})
	close(f.gate)
	wg.Wait()

	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if results[i].Version != 1 || !results[i].FetchedAt.Equal(testNow) {
			t.Errorf("caller %d = %+v, want version 1", i, results[i])
		}
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", c.InFlight())
	}
}

func TestResolve_ConcurrentFailuresShareError(t *testing.T) {
	const n = 10
	f := &fakeFetcher{gate: make(chan struct{}), err: fmt.Errorf("%w: HTTP 503", client.ErrUpstream)}
	c := newTestCoordinator(store.NewInMemoryStore(0), f, time.Second)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Resolve(context.Background(), "down", PreferCache)
		}(i)
	}
	waitFor(t, "all callers to join", func() bool {
		w, _, ok := c.flightFor("down")
		return ok && w == n
	})
	close(f.gate)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, client.ErrUpstream) {
			t.Errorf("caller %d error = %v, want ErrUpstream", i, err)
		}
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

// TestResolve_PutFailureSurfaced verifies a store write failure after a good fetch is
// returned as a storage error.
func TestResolve_PutFailureSurfaced(t *testing.T) {
	st := &faultyStore{
		InMemoryStore: store.NewInMemoryStore(0),
		putErr:        &store.StorageError{Op: "put", LocationID: "loc", Err: errors.New("disk full")},
	}
	c := newTestCoordinator(st, &fakeFetcher{}, time.Second)

	_, err := c.Resolve(context.Background(), "loc", ForceRefresh)
	if !errors.Is(err, store.ErrStorage) {
		t.Errorf("Resolve() error = %v, want ErrStorage", err)
	}
}

func TestResolve_StorageReadError(t *testing.T) {
	readErr := &store.StorageError{Op: "get", LocationID: "loc", Err: errors.New("database is locked")}

	t.Run("cache only returns storage error", func(t *testing.T) {
		st := &faultyStore{InMemoryStore: store.NewInMemoryStore(0), getErr: readErr}
		c := newTestCoordinator(st, &fakeFetcher{}, time.Second)
		_, err := c.Resolve(context.Background(), "loc", CacheOnly)
		if !errors.Is(err, store.ErrStorage) || errors.Is(err, ErrCacheMiss) {
			t.Errorf("Resolve() error = %v, want storage error", err)
		}
	})

	t.Run("fetch success served as degraded", func(t *testing.T) {
		st := &faultyStore{InMemoryStore: store.NewInMemoryStore(0), getErr: readErr}
		c := newTestCoordinator(st, &fakeFetcher{temp: 3}, time.Second)
		res, err := c.Resolve(context.Background(), "loc", PreferCache)
		if err != nil || res.Source != models.SourceNetwork || res.Payload.Now.Temperature != 3 {
			t.Errorf("Resolve() = %+v, %v", res, err)
		}
		if !res.Degraded {
			t.Error("Resolve() after a failed store read should be marked degraded")
		}
	})

	t.Run("healthy store fetch is not degraded", func(t *testing.T) {
		c := newTestCoordinator(store.NewInMemoryStore(0), &fakeFetcher{temp: 3}, time.Second)
		res, err := c.Resolve(context.Background(), "loc", PreferCache)
		if err != nil || res.Degraded {
			t.Errorf("Resolve() = degraded %v, %v; want clean network result", res.Degraded, err)
		}
	})

	t.Run("fetch failure joins both errors", func(t *testing.T) {
		st := &faultyStore{InMemoryStore: store.NewInMemoryStore(0), getErr: readErr}
		f := &fakeFetcher{err: fmt.Errorf("%w: dial tcp", client.ErrNetwork)}
		c := newTestCoordinator(st, f, time.Second)
		_, err := c.Resolve(context.Background(), "loc", PreferCache)
		if !errors.Is(err, client.ErrNetwork) || !errors.Is(err, store.ErrStorage) {
			t.Errorf("Resolve() error = %v, want network and storage errors", err)
		}
	})
}

// TestResolve_CallerCancelKeepsFlightWithinGrace verifies a detached flight still completes
// and warms the store when the grace period has not elapsed.
func TestResolve_CallerCancelKeepsFlightWithinGrace(t *testing.T) {
	st := store.NewInMemoryStore(0)
	f := &fakeFetcher{gate: make(chan struct{})}
	c := newTestCoordinator(st, f, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "loc", PreferCache)
		errc <- err
	}()
	waitFor(t, "flight to start", func() bool { return f.calls.Load() == 1 })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Resolve() error = %v, want context.Canceled", err)
	}
	if c.InFlight() != 1 {
		t.Fatalf("InFlight() = %d, want detached flight still running", c.InFlight())
	}

	close(f.gate)
	drain(t, c)
	if f.sawCancel.Load() {
		t.Error("flight was cancelled within grace period")
	}
	if rec, err := st.Get(context.Background(), "loc"); err != nil || rec.Version != 1 {
		t.Errorf("store after detached flight = %+v, %v", rec, err)
	}
}

func TestResolve_GracePeriodCancelsAbandonedFlight(t *testing.T) {
	st := store.NewInMemoryStore(0)
	f := &fakeFetcher{gate: make(chan struct{})}
	defer close(f.gate)
	c := newTestCoordinator(st, f, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "loc", ForceRefresh)
		errc <- err
	}()
	waitFor(t, "flight to start", func() bool { return f.calls.Load() == 1 })
	cancel()
	<-errc

	drain(t, c)
	if !f.sawCancel.Load() {
		t.Error("abandoned flight was not cancelled after grace period")
	}
	if _, err := st.Get(context.Background(), "loc"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("store Get() error = %v, want ErrNotFound", err)
	}
}

// TestResolve_ReattachStopsGraceTimer verifies a caller joining during the grace period
// keeps the flight alive and receives its result.
func TestResolve_ReattachStopsGraceTimer(t *testing.T) {
	st := store.NewInMemoryStore(0)
	f := &fakeFetcher{gate: make(chan struct{}), temp: 17}
	c := newTestCoordinator(st, f, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "loc", ForceRefresh)
		errc <- err
	}()
	waitFor(t, "flight to start", func() bool { return f.calls.Load() == 1 })
	cancel()
	<-errc
	if w, armed, ok := c.flightFor("loc"); !ok || w != 0 || !armed {
		t.Fatalf("after detach: waiters=%d armed=%v ok=%v, want 0 true true", w, armed, ok)
	}

	resc := make(chan models.Result, 1)
	go func() {
		res, _ := c.Resolve(context.Background(), "loc", ForceRefresh)
		resc <- res
	}()
	waitFor(t, "second caller to join", func() bool {
		w, armed, _ := c.flightFor("loc")
		return w == 1 && !armed
	})
	close(f.gate)

	res := <-resc
	if res.Version != 1 || res.Payload.Now.Temperature != 17 {
		t.Errorf("re-attached Resolve() = %+v", res)
	}
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

// TestResolve_BackgroundRefreshSurvivesDetach verifies a flight pinned by a background
// refresh is not cancelled when foreground waiters leave.
func TestResolve_BackgroundRefreshSurvivesDetach(t *testing.T) {
	st := store.NewInMemoryStore(0)
	seed(t, st, "loc", 2*time.Hour)
	f := &fakeFetcher{gate: make(chan struct{}), temp: 40}
	c := newTestCoordinator(st, f, -1)

	if _, err := c.Resolve(context.Background(), "loc", PreferCache); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	waitFor(t, "background fetch to start", func() bool { return f.calls.Load() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "loc", ForceRefresh)
		errc <- err
	}()
	waitFor(t, "foreground caller to join", func() bool {
		w, _, _ := c.flightFor("loc")
		return w == 1
	})
	cancel()
	<-errc

	close(f.gate)
	drain(t, c)
	if f.sawCancel.Load() {
		t.Error("background refresh was cancelled by a detaching caller")
	}
	if rec, _ := st.Get(context.Background(), "loc"); rec.Version != 2 {
		t.Errorf("store version = %d, want 2", rec.Version)
	}
}

// unwindingFetcher blocks its first call until ctx ends and then until unwind closes,
// like a transport that is slow to notice cancellation. Later calls succeed at once.
type unwindingFetcher struct {
	calls  atomic.Int32
	unwind chan struct{}
}

func (f *unwindingFetcher) Fetch(ctx context.Context, id string) (models.ForecastPayload, error) {
	if f.calls.Add(1) == 1 {
		<-ctx.Done()
		<-f.unwind
		return models.ForecastPayload{}, fmt.Errorf("%w: %w", client.ErrNetwork, ctx.Err())
	}
	return payloadFor(id, 21), nil
}

// TestResolve_CancelledFlightNotJoined verifies a caller arriving while an abandoned flight
// is still unwinding starts its own fetch instead of inheriting the cancellation.
func TestResolve_CancelledFlightNotJoined(t *testing.T) {
	st := store.NewInMemoryStore(0)
	f := &unwindingFetcher{unwind: make(chan struct{})}
	c := newTestCoordinator(st, f, -1)

	ctxA, cancelA := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctxA, "loc", ForceRefresh)
		errc <- err
	}()
	waitFor(t, "first flight to start", func() bool { return f.calls.Load() == 1 })
	cancelA()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("first Resolve() error = %v, want context.Canceled", err)
	}
	if n := c.InFlight(); n != 0 {
		t.Fatalf("InFlight() = %d after cancellation, want 0", n)
	}

	ctxB, cancelB := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelB()
	res, err := c.Resolve(ctxB, "loc", ForceRefresh)
	if err != nil {
		t.Fatalf("second Resolve() error = %v, want fresh fetch", err)
	}
	if res.Degraded || res.Source != models.SourceNetwork || res.Payload.Now.Temperature != 21 {
		t.Errorf("second Resolve() = %+v, want network result", res)
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}

	close(f.unwind)
	drain(t, c)
	if rec, _ := st.Get(context.Background(), "loc"); rec.Version != 1 {
		t.Errorf("store version = %d, want 1", rec.Version)
	}
}

func TestWait_RejectsNewFlights(t *testing.T) {
	st := store.NewInMemoryStore(0)
	seed(t, st, "stale", 2*time.Hour)
	f := &fakeFetcher{}
	c := newTestCoordinator(st, f, time.Second)
	drain(t, c)

	if _, err := c.Resolve(context.Background(), "missing", PreferCache); !errors.Is(err, ErrClosed) {
		t.Errorf("Resolve(missing) after Wait error = %v, want ErrClosed", err)
	}
	res, err := c.Resolve(context.Background(), "stale", PreferCache)
	if err != nil || res.Verdict != staleness.StaleButServable.String() {
		t.Errorf("Resolve(stale) after Wait = %+v, %v; want stored record", res, err)
	}
	c.Refresh(context.Background(), "stale")
	if n := c.InFlight(); n != 0 {
		t.Errorf("InFlight() after Wait = %d, want 0", n)
	}
	if got := f.calls.Load(); got != 0 {
		t.Errorf("fetch calls after Wait = %d, want 0", got)
	}
	drain(t, c)
}

func TestResolve_CanceledContext(t *testing.T) {
	f := &fakeFetcher{}
	c := newTestCoordinator(store.NewInMemoryStore(0), f, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Resolve(ctx, "loc", PreferCache); !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve() error = %v, want context.Canceled", err)
	}
	if f.calls.Load() != 0 {
		t.Error("canceled Resolve should not fetch")
	}
}

func TestResolve_InvalidMode(t *testing.T) {
	c := newTestCoordinator(store.NewInMemoryStore(0), &fakeFetcher{}, time.Second)
	if _, err := c.Resolve(context.Background(), "loc", Mode(42)); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("Resolve() error = %v, want ErrInvalidMode", err)
	}
}

func TestInvalidate(t *testing.T) {
	st := store.NewInMemoryStore(0)
	seed(t, st, "loc", time.Minute)
	c := newTestCoordinator(st, &fakeFetcher{}, time.Second)

	if err := c.Invalidate(context.Background(), "loc"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := c.Resolve(context.Background(), "loc", CacheOnly); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Resolve() after Invalidate error = %v, want ErrCacheMiss", err)
	}
	res, err := c.Resolve(context.Background(), "loc", PreferCache)
	if err != nil || res.Source != models.SourceNetwork {
		t.Errorf("Resolve() after Invalidate = %+v, %v; want network fetch", res, err)
	}
}
