package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/metrics"
	"github.com/moonbridge/moonbridge/pkg/storage"
	"github.com/moonbridge/moonbridge/pkg/types"
)

const inflightMarkerTTL = 10 * time.Minute

// Controller enforces the outer two concurrency layers (global and
// per-provider) and collapses identical concurrent calls into one upstream
// execution.
//
// Permit order is fixed: a call already holding its session permit joins the
// single-flight group first, so waiters sharing a leader's result hold no
// global or provider permits while they wait. Only the leader acquires
// global, then provider.
type Controller struct {
	global    *semaphore.Weighted
	providers map[string]*semaphore.Weighted
	group     singleflight.Group
	cache     storage.Cache

	mu      sync.Mutex
	flights map[string]*flightState
}

// flightState tracks whether a fingerprint's leader has moved past permit
// acquisition. A caller whose context expires before that point was queued on
// backpressure, not running late.
type flightState struct {
	executing atomic.Bool
}

// NewController builds the permit layers. providers lists the provider names
// that receive their own permit pool; cache, when set, carries advisory
// inflight markers visible to operators.
func NewController(globalMax, perProviderMax int, providers []string, cache storage.Cache) *Controller {
	if globalMax < 1 {
		globalMax = 1
	}
	if perProviderMax < 1 {
		perProviderMax = 1
	}
	c := &Controller{
		global:    semaphore.NewWeighted(int64(globalMax)),
		providers: make(map[string]*semaphore.Weighted, len(providers)),
		cache:     cache,
		flights:   make(map[string]*flightState),
	}
	for _, name := range providers {
		c.providers[name] = semaphore.NewWeighted(int64(perProviderMax))
	}
	return c
}

// Acquire takes a global permit and then the named provider's permit. The
// returned release function gives both back in reverse order. Context expiry
// while queued maps to Overloaded.
func (c *Controller) Acquire(ctx context.Context, provider string) (func(), error) {
	if err := c.global.Acquire(ctx, 1); err != nil {
		return nil, types.NewError(types.ErrOverloaded, "daemon at global capacity").
			WithDetail("layer", "global")
	}
	metrics.InflightGlobal.Inc()

	sem, ok := c.providers[provider]
	if !ok {
		c.global.Release(1)
		metrics.InflightGlobal.Dec()
		return nil, types.NewError(types.ErrInternal, "no permit pool for provider %q", provider)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		c.global.Release(1)
		metrics.InflightGlobal.Dec()
		return nil, types.NewError(types.ErrOverloaded, "provider %s at capacity", provider).
			WithDetail("layer", "provider").
			WithDetail("provider", provider)
	}
	metrics.InflightPerProvider.WithLabelValues(provider).Inc()

	return func() {
		sem.Release(1)
		metrics.InflightPerProvider.WithLabelValues(provider).Dec()
		c.global.Release(1)
		metrics.InflightGlobal.Dec()
	}, nil
}

// Do collapses concurrent calls sharing a fingerprint. The first caller
// becomes the leader: it acquires the global and provider permits, then runs
// fn. Callers arriving while the leader is inflight wait for the leader's
// result without holding any permits. A waiter whose context expires
// detaches and returns its own error; the leader keeps running for the
// remaining waiters. The leader's failure, including cancellation, is
// delivered to every attached waiter.
//
// A context that expires before the leader has its permits reports
// Overloaded: the call died queued on backpressure, not running late.
//
// The group entry is forgotten once fn completes, so a later identical call
// executes fresh rather than replaying a stale result.
func (c *Controller) Do(ctx context.Context, fingerprint, provider string, fn func() (interface{}, error)) (interface{}, bool, error) {
	st := c.flight(fingerprint)

	ch := c.group.DoChan(fingerprint, func() (interface{}, error) {
		defer c.forget(fingerprint)

		release, err := c.Acquire(ctx, provider)
		if err != nil {
			return nil, err
		}
		defer release()
		st.executing.Store(true)

		c.markInflight(fingerprint)
		defer c.clearInflight(fingerprint)
		return fn()
	})

	select {
	case res := <-ch:
		if res.Shared {
			metrics.SingleFlightShared.Inc()
		}
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		if !st.executing.Load() {
			return nil, false, types.NewError(types.ErrOverloaded, "no permit for provider %s within deadline", provider).
				WithDetail("layer", "permit").
				WithDetail("provider", provider)
		}
		return nil, false, ctx.Err()
	}
}

func (c *Controller) flight(fingerprint string) *flightState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.flights[fingerprint]
	if !ok {
		st = &flightState{}
		c.flights[fingerprint] = st
	}
	return st
}

func (c *Controller) forget(fingerprint string) {
	c.group.Forget(fingerprint)
	c.mu.Lock()
	delete(c.flights, fingerprint)
	c.mu.Unlock()
}

// markInflight leaves an advisory marker in the cache. Failures are ignored;
// the marker is operator-facing and carries no correctness weight.
func (c *Controller) markInflight(fingerprint string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(context.Background(), "inflight:"+fingerprint, "1", inflightMarkerTTL); err != nil {
		log.WithComponent("flow").Debug().Err(err).Msg("inflight marker not set")
	}
}

func (c *Controller) clearInflight(fingerprint string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Del(context.Background(), "inflight:"+fingerprint); err != nil {
		log.WithComponent("flow").Debug().Err(err).Msg("inflight marker not cleared")
	}
}
