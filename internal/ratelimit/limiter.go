// Package ratelimit throttles outbound calls with a fixed-window token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/dexsync/errs"
	"github.com/coachpo/dexsync/internal/clock"
	"github.com/coachpo/dexsync/internal/observability"
	"github.com/coachpo/dexsync/internal/telemetry"
)

const component = "ratelimit"

// ErrNotAdmitted matches errors returned when a call exhausted its admission tries.
var ErrNotAdmitted = errs.New(component, errs.CodeRateLimited, errs.WithMessage("call could not be admitted"))

// Config bounds a limiter.
type Config struct {
	// RequestsPerWindow is the bucket capacity.
	RequestsPerWindow int
	// Window is both the reset period of the bucket and the wait between admission checks.
	Window time.Duration
	// MaxTries bounds the admission checks made for one call.
	MaxTries int
}

// DefaultConfig returns a limiter admitting five calls per second with three tries.
func DefaultConfig() Config {
	return Config{RequestsPerWindow: 5, Window: time.Second, MaxTries: 3}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("requestsPerWindow must be > 0"))
	}
	if c.Window <= 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("window must be > 0"))
	}
	if c.MaxTries <= 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("maxTries must be > 0"))
	}
	return nil
}

// Operation is a unit of work that has not started yet.
type Operation func(ctx context.Context) (any, error)

// Limiter admits at most RequestsPerWindow calls per window. The window is
// fixed: it starts on the first call and rolls over every Window after that,
// regardless of when individual calls were admitted, so bursts straddling a
// boundary are possible. Waiting callers are not served in arrival order.
type Limiter struct {
	cfg    Config
	name   string
	clock  clock.Clock
	logger observability.Logger

	mu          sync.Mutex
	started     bool
	closed      bool
	windowStart time.Time
	executed    int

	admitted metric.Int64Counter
	rejected metric.Int64Counter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the clock driving windows and waits.
func WithClock(clk clock.Clock) Option {
	return func(l *Limiter) {
		if clk != nil {
			l.clock = clk
		}
	}
}

// WithLogger overrides the limiter logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithName labels the limiter in logs, errors and metrics.
func WithName(name string) Option {
	return func(l *Limiter) {
		if name != "" {
			l.name = name
		}
	}
}

// New constructs a limiter. Invalid configuration values fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = def.RequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = def.MaxTries
	}
	l := &Limiter{
		cfg:    cfg,
		name:   "default",
		clock:  clock.New(),
		logger: observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	meter := otel.Meter("ratelimit")
	l.admitted, _ = meter.Int64Counter("ratelimit.admitted",
		metric.WithDescription("Number of calls admitted by the limiter"),
		metric.WithUnit("{call}"))
	l.rejected, _ = meter.Int64Counter("ratelimit.rejected",
		metric.WithDescription("Number of calls rejected after exhausting admission tries"),
		metric.WithUnit("{call}"))
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Call runs op once it is admitted. It checks the bucket up to MaxTries
// times, waiting one Window between checks, then fails with an error
// matching ErrNotAdmitted. Cancelling ctx while waiting returns ctx.Err().
func (l *Limiter) Call(ctx context.Context, op Operation) (any, error) {
	if op == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("operation required"))
	}
	for attempt := 1; ; attempt++ {
		ok, err := l.admit()
		if err != nil {
			return nil, err
		}
		if ok {
			l.record(ctx, l.admitted)
			return op(ctx)
		}
		if attempt >= l.cfg.MaxTries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.clock.After(l.cfg.Window):
		}
	}
	l.record(ctx, l.rejected)
	l.logger.Debug("rate limiter rejected call",
		observability.F("limiter", l.name),
		observability.F("tries", l.cfg.MaxTries))
	return nil, errs.New(component, errs.CodeRateLimited,
		errs.WithMessage("call not admitted after "+strconv.Itoa(l.cfg.MaxTries)+" tries"),
		errs.WithField("limiter", l.name))
}

// Executed returns the number of calls admitted in the current window.
func (l *Limiter) Executed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollLocked(l.clock.Now())
	return l.executed
}

// Close stops the limiter. Later calls fail with an unavailable error.
func (l *Limiter) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *Limiter) admit() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("limiter closed"), errs.WithField("limiter", l.name))
	}
	now := l.clock.Now()
	if !l.started {
		l.started = true
		l.windowStart = now
	}
	l.rollLocked(now)
	if l.executed >= l.cfg.RequestsPerWindow {
		return false, nil
	}
	l.executed++
	return true, nil
}

// rollLocked zeroes the counter for every window boundary passed since the
// current window started. Boundaries stay aligned to the first call.
func (l *Limiter) rollLocked(now time.Time) {
	if !l.started {
		return
	}
	elapsed := now.Sub(l.windowStart)
	if elapsed < l.cfg.Window {
		return
	}
	windows := elapsed / l.cfg.Window
	l.windowStart = l.windowStart.Add(windows * l.cfg.Window)
	l.executed = 0
}

func (l *Limiter) record(ctx context.Context, counter metric.Int64Counter) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrLimiter.String(l.name),
	))
}

// Do runs a typed operation through the limiter.
func Do[R any](ctx context.Context, l *Limiter, op func(context.Context) (R, error)) (R, error) {
	var zero R
	if op == nil {
		return zero, errs.New(component, errs.CodeInvalid, errs.WithMessage("operation required"))
	}
	value, err := l.Call(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := value.(R)
	if !ok && value != nil {
		return zero, fmt.Errorf("ratelimit: unexpected result type %T", value)
	}
	return typed, nil
}

// Wrap returns fn throttled by l.
func Wrap[A, R any](l *Limiter, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, args A) (R, error) {
		return Do(ctx, l, func(ctx context.Context) (R, error) {
			return fn(ctx, args)
		})
	}
}
