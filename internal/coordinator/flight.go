package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/forecast-sync/internal/models"
	"github.com/kjstillabower/forecast-sync/internal/observability"
)

// outcome is what every waiter of a flight receives.
type outcome struct {
	rec      models.ForecastRecord
	degraded bool // fetch failed; rec is the previously stored record
	err      error
}

// flight is one in-progress fetch-and-persist for a location.
// All fields except done and out are guarded by Coordinator.mu.
type flight struct {
	key     string
	done    chan struct{}
	out     outcome // written once before done is closed
	cancel  context.CancelFunc
	waiters int
	// pinned flights were requested by a background refresh and are never cancelled
	// when foreground waiters detach.
	pinned bool
	grace  *time.Timer
}

// join returns the in-flight fetch for key, starting one when none exists. A foreground join
// counts as a waiter and must be balanced by wait; a background join only pins the flight.
// It returns nil once Wait has been called.
func (c *Coordinator) join(ctx context.Context, key, trigger string, background bool) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if f, ok := c.flights[key]; ok {
		if f.grace != nil {
			f.grace.Stop()
			f.grace = nil
		}
		if background {
			f.pinned = true
		} else {
			f.waiters++
		}
		observability.FlightsCoalescedTotal.Inc()
		return f
	}

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &flight{
		key:    key,
		done:   make(chan struct{}),
		cancel: cancel,
		pinned: background,
	}
	if !background {
		f.waiters = 1
	}
	c.flights[key] = f
	observability.FlightsStartedTotal.WithLabelValues(trigger).Inc()

	c.wg.Add(1)
	go c.run(fctx, f)
	return f
}

// wait blocks until the flight finishes or ctx ends. On ctx end the caller detaches.
func (c *Coordinator) wait(ctx context.Context, f *flight) (outcome, error) {
	select {
	case <-f.done:
		return f.out, nil
	case <-ctx.Done():
		c.detach(f)
		return outcome{}, ctx.Err()
	}
}

// detach drops one waiter. When the last waiter of an unpinned flight leaves, the flight
// keeps running for the grace period and is cancelled unless someone re-attaches.
func (c *Coordinator) detach(f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.waiters--
	if f.waiters > 0 || f.pinned || c.flights[f.key] != f {
		return
	}
	if c.gracePeriod <= 0 {
		c.cancelFlightLocked(f)
		return
	}
	f.grace = time.AfterFunc(c.gracePeriod, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if f.waiters == 0 && !f.pinned && c.flights[f.key] == f {
			c.cancelFlightLocked(f)
		}
	})
}

// cancelFlightLocked cancels f and unregisters it so the next join for the key starts a
// fresh flight instead of inheriting the cancellation.
func (c *Coordinator) cancelFlightLocked(f *flight) {
	c.logger.Debug("cancelling abandoned flight", zap.String("location_id", f.key))
	observability.FlightsCanceledTotal.Inc()
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
	f.cancel()
}

// run executes the flight and releases its waiters. The store write in execute
// completes before done is closed.
func (c *Coordinator) run(ctx context.Context, f *flight) {
	defer c.wg.Done()
	defer f.cancel()

	out := c.execute(ctx, f.key)

	c.mu.Lock()
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
	if f.grace != nil {
		f.grace.Stop()
		f.grace = nil
	}
	f.out = out
	c.mu.Unlock()

	close(f.done)
}
