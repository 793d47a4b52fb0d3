// Package methodcache memoizes calls to named operations with an optional
// per-method time-to-live.
package methodcache

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/dexsync/errs"
	"github.com/coachpo/dexsync/internal/clock"
	"github.com/coachpo/dexsync/internal/observability"
	"github.com/coachpo/dexsync/internal/telemetry"
)

// Forever disables expiry for a cached method.
const Forever time.Duration = 0

// Func is an operation whose result may be cached.
type Func func(ctx context.Context) (any, error)

// Cache memoizes named operations over a shared Store. One Cache may serve
// many methods; entries never collide across method names.
type Cache struct {
	store  Store
	clock  clock.Clock
	logger observability.Logger

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore selects the backing store. The default is a MemoryStore.
func WithStore(store Store) Option {
	return func(c *Cache) {
		if store != nil {
			c.store = store
		}
	}
}

// WithClock overrides the clock used to timestamp and age entries.
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithLogger overrides the logger used to report store failures.
func WithLogger(logger observability.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		store:  NewMemoryStore(),
		clock:  clock.New(),
		logger: observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	meter := otel.Meter("methodcache")
	c.hits, _ = meter.Int64Counter("methodcache.hits",
		metric.WithDescription("Number of cached method results served"),
		metric.WithUnit("{call}"))
	c.misses, _ = meter.Int64Counter("methodcache.misses",
		metric.WithDescription("Number of method calls evaluated on a cache miss"),
		metric.WithUnit("{call}"))
	return c
}

// Fetch returns the cached result of method for args, evaluating fn on a miss.
// A ttl of Forever keeps the first successful result for the lifetime of the
// store. Errors from fn are returned unchanged and nothing is cached.
// A failing store degrades to a miss.
func (c *Cache) Fetch(ctx context.Context, method string, args any, ttl time.Duration, fn Func) (any, error) {
	if fn == nil {
		return nil, errs.New("methodcache", errs.CodeInvalid, errs.WithMessage("fetch function required"))
	}
	key := Key(method, args)

	entry, ok, err := c.store.Load(ctx, method, key)
	if err != nil {
		c.logger.Warn("method cache load failed",
			observability.F("method", method), observability.F("error", err))
		ok = false
	}
	if ok && !entry.Expired(c.clock.Now(), ttl) {
		c.record(ctx, c.hits, method)
		return entry.Value, nil
	}

	c.record(ctx, c.misses, method)
	value, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	fresh := Entry{Value: value, CreatedOn: c.clock.Now()}
	if err := c.store.Save(ctx, method, key, fresh, ttl); err != nil {
		c.logger.Warn("method cache save failed",
			observability.F("method", method), observability.F("error", err))
	}
	return value, nil
}

// Purge drops every cached result of method.
func (c *Cache) Purge(ctx context.Context, method string) error {
	if err := c.store.Purge(ctx, method); err != nil {
		return fmt.Errorf("purge %s: %w", method, err)
	}
	return nil
}

func (c *Cache) record(ctx context.Context, counter metric.Int64Counter, method string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrMethod.String(method),
	))
}

// Wrap returns fn memoized under method with the given ttl.
func Wrap[A, R any](c *Cache, method string, ttl time.Duration, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return wrap(c, func(A) string { return method }, ttl, fn)
}

// WrapScoped is Wrap with results partitioned by scope, so that
// Purge(ctx, ScopedMethod(method, scope)) drops one scope only.
func WrapScoped[A, R any](c *Cache, method string, scopeOf func(A) string, ttl time.Duration, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return wrap(c, func(args A) string { return ScopedMethod(method, scopeOf(args)) }, ttl, fn)
}

// ScopedMethod returns the method name WrapScoped caches scope's results under.
func ScopedMethod(method, scope string) string {
	return method + "@" + scope
}

func wrap[A, R any](c *Cache, methodOf func(A) string, ttl time.Duration, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, args A) (R, error) {
		method := methodOf(args)
		value, err := c.Fetch(ctx, method, args, ttl, func(ctx context.Context) (any, error) {
			return fn(ctx, args)
		})
		if err != nil {
			var zero R
			return zero, err
		}
		return convert[R](method, value)
	}
}

func convert[R any](method string, value any) (R, error) {
	var zero R
	if value == nil {
		return zero, nil
	}
	if typed, ok := value.(R); ok {
		return typed, nil
	}
	raw, ok := value.(json.RawMessage)
	if !ok {
		return zero, errs.New("methodcache", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("cached %s value has type %T", method, value)))
	}
	var out R
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, errs.New("methodcache", errs.CodeInvalid,
			errs.WithMessage("decode cached "+method+" value"), errs.WithCause(err))
	}
	return out, nil
}
