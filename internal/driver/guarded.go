package driver

import (
	"context"
	"fmt"
	"time"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/canonical/maas-sub025/internal/util/workerpool"
	"golang.org/x/time/rate"
)

// CallRecorder observes driver calls
type CallRecorder interface {
	RecordDriverCall(powerType, operation string, err error, duration time.Duration)
}

// GuardOptions controls how a driver is wrapped
type GuardOptions struct {
	// RateLimit is calls per second against this driver; zero disables limiting
	RateLimit float64
	RateBurst int
	// Pool runs calls for drivers that block on subprocesses
	Pool     *workerpool.Pool
	Recorder CallRecorder
}

// Guarded wraps a driver with a token bucket, an optional worker pool and
// call metrics. It forwards the optional capabilities of the inner driver.
type Guarded struct {
	inner    Driver
	limiter  *rate.Limiter
	pool     *workerpool.Pool
	recorder CallRecorder
}

// Guard wraps d according to opts
func Guard(d Driver, opts GuardOptions) *Guarded {
	g := &Guarded{inner: d, pool: opts.Pool, recorder: opts.Recorder}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return g
}

// Unwrap returns the wrapped driver
func (g *Guarded) Unwrap() Driver { return g.inner }

func (g *Guarded) Name() string                    { return g.inner.Name() }
func (g *Guarded) Queryable() bool                 { return g.inner.Queryable() }
func (g *Guarded) DetectMissingPackages() []string { return g.inner.DetectMissingPackages() }

func (g *Guarded) PowerOn(ctx context.Context, systemID string, params model.PowerParameters) error {
	return g.call(ctx, "on", systemID, func(ctx context.Context) error {
		return g.inner.PowerOn(ctx, systemID, params)
	})
}

func (g *Guarded) PowerOff(ctx context.Context, systemID string, params model.PowerParameters) error {
	return g.call(ctx, "off", systemID, func(ctx context.Context) error {
		return g.inner.PowerOff(ctx, systemID, params)
	})
}

func (g *Guarded) PowerQuery(ctx context.Context, systemID string, params model.PowerParameters) (model.PowerState, error) {
	state := model.PowerStateUnknown
	err := g.call(ctx, "query", systemID, func(ctx context.Context) error {
		var err error
		state, err = g.inner.PowerQuery(ctx, systemID, params)
		return err
	})
	if err != nil {
		return model.PowerStateError, err
	}
	return state, nil
}

func (g *Guarded) PowerCycle(ctx context.Context, systemID string, params model.PowerParameters) error {
	if _, ok := g.inner.(Cycler); !ok {
		// fall back to off/on through the guarded calls
		return Cycle(ctx, guardedNoCycle{g}, systemID, params)
	}
	return g.call(ctx, "cycle", systemID, func(ctx context.Context) error {
		return Cycle(ctx, g.inner, systemID, params)
	})
}

func (g *Guarded) SetBootOrder(ctx context.Context, systemID string, params model.PowerParameters, order []string) error {
	if _, ok := g.inner.(BootOrderer); !ok {
		return maaserrors.NotImplemented("set_boot_order", g.inner.Name())
	}
	return g.call(ctx, "set_boot_order", systemID, func(ctx context.Context) error {
		return SetBootOrder(ctx, g.inner, systemID, params, order)
	})
}

func (g *Guarded) call(ctx context.Context, op, systemID string, fn func(context.Context) error) error {
	start := time.Now()
	err := g.run(ctx, op, systemID, fn)
	if g.recorder != nil {
		g.recorder.RecordDriverCall(g.inner.Name(), op, err, time.Since(start))
	}
	return err
}

func (g *Guarded) run(ctx context.Context, op, systemID string, fn func(context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return maaserrors.PowerConnError(fmt.Sprintf("%s %s rate limited", g.inner.Name(), op), err)
		}
	}
	if g.pool == nil {
		return fn(ctx)
	}
	return g.pool.Do(ctx, fmt.Sprintf("%s/%s/%s", g.inner.Name(), op, systemID), fn)
}

// guardedNoCycle hides PowerCycle so Cycle falls back to query, off and on
type guardedNoCycle struct {
	g *Guarded
}

func (n guardedNoCycle) Name() string                    { return n.g.Name() }
func (n guardedNoCycle) Queryable() bool                 { return n.g.Queryable() }
func (n guardedNoCycle) DetectMissingPackages() []string { return n.g.DetectMissingPackages() }

func (n guardedNoCycle) PowerOn(ctx context.Context, systemID string, params model.PowerParameters) error {
	return n.g.PowerOn(ctx, systemID, params)
}

func (n guardedNoCycle) PowerOff(ctx context.Context, systemID string, params model.PowerParameters) error {
	return n.g.PowerOff(ctx, systemID, params)
}

func (n guardedNoCycle) PowerQuery(ctx context.Context, systemID string, params model.PowerParameters) (model.PowerState, error) {
	return n.g.PowerQuery(ctx, systemID, params)
}
