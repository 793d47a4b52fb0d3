package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/dexsync/errs"
	"github.com/coachpo/dexsync/internal/clock"
	"github.com/coachpo/dexsync/internal/observability"
	"github.com/coachpo/dexsync/internal/telemetry"
)

const component = "registry"

// State is the reconciliation state of one scope.
type State int

const (
	// StateIdle means no reconciliation has run or the last one gave up.
	StateIdle State = iota
	// StateSyncing means a round or a scheduled retry is outstanding.
	StateSyncing
	// StateSynced means the last reconciliation finished without failures.
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// Config tunes a Reconciler.
type Config struct {
	Retry RetryPolicy
	// Concurrency bounds the ledger queries in flight for one batch.
	Concurrency int
}

// DefaultConfig returns the default reconciler tuning.
func DefaultConfig() Config {
	return Config{Retry: DefaultRetryPolicy(), Concurrency: 16}
}

type scopeState struct {
	// write serialises read-modify-write of the stored registry.
	write sync.Mutex

	state   State
	gen     uint64
	retries int
	backoff *backoff.ExponentialBackOff
	timer   clock.Timer
}

// Reconciler aligns the stored registry of each scope with the ledger.
type Reconciler struct {
	ledger Ledger
	store  Store
	cfg    Config
	clock  clock.Clock
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	scopes map[string]*scopeState
	closed bool

	outcomes metric.Int64Counter
	retries  metric.Int64Counter
	terminal metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the clock scheduling retries.
func WithClock(clk clock.Clock) Option {
	return func(r *Reconciler) {
		if clk != nil {
			r.clock = clk
		}
	}
}

// WithLogger overrides the reconciler logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithConfig overrides the reconciler tuning.
func WithConfig(cfg Config) Option {
	return func(r *Reconciler) {
		r.cfg = cfg
	}
}

// NewReconciler constructs a reconciler over ledger and store.
func NewReconciler(ledger Ledger, store Store, opts ...Option) (*Reconciler, error) {
	if ledger == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("ledger required"))
	}
	if store == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("store required"))
	}
	r := &Reconciler{
		ledger: ledger,
		store:  store,
		cfg:    DefaultConfig(),
		clock:  clock.New(),
		logger: observability.Log(),
		scopes: make(map[string]*scopeState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if err := r.cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if r.cfg.Concurrency <= 0 {
		r.cfg.Concurrency = DefaultConfig().Concurrency
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	meter := otel.Meter("registry")
	r.outcomes, _ = meter.Int64Counter("registry.reconcile.outcomes",
		metric.WithDescription("Token reconciliation outcomes by kind"),
		metric.WithUnit("{token}"))
	r.retries, _ = meter.Int64Counter("registry.reconcile.retries",
		metric.WithDescription("Retry rounds scheduled for failed tokens"),
		metric.WithUnit("{round}"))
	r.terminal, _ = meter.Int64Counter("registry.reconcile.terminal",
		metric.WithDescription("Scopes that exhausted their retries"),
		metric.WithUnit("{scope}"))
	r.duration, _ = meter.Float64Histogram("registry.reconcile.duration",
		metric.WithDescription("Duration of one reconciliation round"),
		metric.WithUnit("ms"))
	return r, nil
}

// Reconcile checks tokens against the ledger and rewrites the stored
// registry of scope. It is a no-op while scope is syncing or synced. Ledger
// failures are retried in the background and never returned.
func (r *Reconciler) Reconcile(ctx context.Context, scope string, tokens []Token) error {
	if scope == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("scope required"))
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("reconciler closed"), errs.WithScope(scope))
	}
	st := r.scopeLocked(scope)
	if st.state != StateIdle {
		r.mu.Unlock()
		return nil
	}
	st.state = StateSyncing
	st.retries = 0
	st.backoff = r.cfg.Retry.newBackOff()
	gen := st.gen
	r.mu.Unlock()

	r.round(ctx, scope, gen, uuid.NewString(), cloneTokens(tokens))
	return nil
}

// ReconcileStored reconciles the tokens currently stored for scope.
func (r *Reconciler) ReconcileStored(ctx context.Context, scope string) error {
	tokens, err := r.store.Tokens(ctx, scope)
	if err != nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("load stored tokens"), errs.WithScope(scope), errs.WithCause(err))
	}
	return r.Reconcile(ctx, scope, tokens)
}

// Run invalidates and reconciles every scope immediately and then once per
// interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, scopes []string, interval time.Duration) error {
	if interval <= 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("interval must be > 0"))
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.reconcileAll(ctx, scopes)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

func (r *Reconciler) reconcileAll(ctx context.Context, scopes []string) {
	if len(scopes) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(len(scopes))
	for _, scope := range scopes {
		p.Go(func() {
			r.Invalidate(scope)
			if err := r.ReconcileStored(ctx, scope); err != nil {
				r.logger.Error("scheduled reconciliation failed",
					observability.F("scope", scope), observability.F("error", err))
			}
		})
	}
	p.Wait()
}

// Status returns the state of scope.
func (r *Reconciler) Status(scope string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.scopes[scope]; ok {
		return st.state
	}
	return StateIdle
}

// Invalidate cancels any pending retry for scope and returns it to idle so
// the next Reconcile starts from scratch.
func (r *Reconciler) Invalidate(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.scopes[scope]
	if !ok {
		return
	}
	r.resetLocked(st)
}

// Close cancels every pending retry. Later Reconcile calls fail.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, st := range r.scopes {
		r.resetLocked(st)
	}
	r.cancel()
}

func (r *Reconciler) resetLocked(st *scopeState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
	st.state = StateIdle
	st.retries = 0
}

func (r *Reconciler) superseded(st *scopeState, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return st.gen != gen || r.closed
}

func (r *Reconciler) scopeLocked(scope string) *scopeState {
	st, ok := r.scopes[scope]
	if !ok {
		st = &scopeState{}
		r.scopes[scope] = st
	}
	return st
}

// round runs one reconciliation pass over tokens and schedules a retry for
// whatever failed.
func (r *Reconciler) round(ctx context.Context, scope string, gen uint64, runID string, tokens []Token) {
	started := r.clock.Now()
	outcomes := r.classify(ctx, scope, tokens)
	failed := r.apply(ctx, scope, gen, runID, outcomes)

	if r.duration != nil {
		r.duration.Record(ctx, float64(r.clock.Now().Sub(started))/float64(time.Millisecond),
			metric.WithAttributes(telemetry.ScopeAttributes(telemetry.Environment(), scope)...))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.scopes[scope]
	if st == nil || st.gen != gen || r.closed {
		return
	}
	if len(failed) == 0 {
		st.state = StateSynced
		st.timer = nil
		r.logger.Info("registry reconciled",
			observability.F("scope", scope),
			observability.F("run_id", runID),
			observability.F("tokens", len(tokens)))
		return
	}
	if st.retries >= r.cfg.Retry.MaxRetries {
		st.state = StateIdle
		st.timer = nil
		r.terminal.Add(ctx, 1, metric.WithAttributes(telemetry.ScopeAttributes(telemetry.Environment(), scope)...))
		r.logger.Error("registry reconciliation gave up",
			observability.F("scope", scope),
			observability.F("run_id", runID),
			observability.F("retries", st.retries),
			observability.F("failed", len(failed)))
		return
	}

	st.retries++
	delay := st.backoff.NextBackOff()
	retry := make([]Token, len(failed))
	for i, o := range failed {
		retry[i] = o.Token
	}
	st.timer = r.clock.AfterFunc(delay, func() {
		r.retry(scope, gen, runID, retry)
	})
	r.retries.Add(ctx, 1, metric.WithAttributes(telemetry.ScopeAttributes(telemetry.Environment(), scope)...))
	r.logger.Warn("registry reconciliation incomplete, retry scheduled",
		observability.F("scope", scope),
		observability.F("run_id", runID),
		observability.F("failed", len(failed)),
		observability.F("attempt", st.retries),
		observability.F("delay", delay))
}

func (r *Reconciler) retry(scope string, gen uint64, runID string, tokens []Token) {
	r.mu.Lock()
	st := r.scopes[scope]
	stale := st == nil || st.gen != gen || r.closed
	if !stale {
		st.timer = nil
	}
	r.mu.Unlock()
	if stale {
		return
	}
	r.round(r.ctx, scope, gen, runID, tokens)
}

// classify asks the ledger about every token concurrently.
func (r *Reconciler) classify(ctx context.Context, scope string, tokens []Token) []Outcome {
	if len(tokens) == 0 {
		return nil
	}
	p := pool.NewWithResults[Outcome]().WithMaxGoroutines(r.cfg.Concurrency)
	for _, token := range tokens {
		p.Go(func() Outcome {
			return r.check(ctx, scope, token)
		})
	}
	outcomes := p.Wait()
	env := telemetry.Environment()
	for _, o := range outcomes {
		r.outcomes.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(env),
			telemetry.AttrScope.String(scope),
			telemetry.AttrOutcome.String(o.Kind.String()),
		))
	}
	return outcomes
}

func (r *Reconciler) check(ctx context.Context, scope string, token Token) Outcome {
	registered, err := r.ledger.HasToken(ctx, scope, token.Key())
	if err != nil {
		return Outcome{Kind: KindFailed, Token: token, Err: err}
	}
	if !registered {
		return Outcome{Kind: KindRemoved, Token: token}
	}
	id, err := r.ledger.ResolveID(ctx, scope, token.Key())
	if err != nil {
		return Outcome{Kind: KindFailed, Token: token, Err: err}
	}
	return Outcome{Kind: KindUpdated, Token: token.WithID(id)}
}

// apply folds outcomes into the stored registry and returns the outcomes
// that must be retried. When the store fails, every outcome of the batch is
// retried. Nothing is written once scope has moved past generation gen.
func (r *Reconciler) apply(ctx context.Context, scope string, gen uint64, runID string, outcomes []Outcome) []Outcome {
	var failed []Outcome
	var failures []error
	updated := make(map[string]Token)
	removed := make(map[string]struct{})
	var order []string
	for _, o := range outcomes {
		switch o.Kind {
		case KindUpdated:
			if _, seen := updated[o.Token.Key()]; !seen {
				order = append(order, o.Token.Key())
			}
			updated[o.Token.Key()] = o.Token
		case KindRemoved:
			removed[o.Token.Key()] = struct{}{}
		case KindFailed:
			failed = append(failed, o)
			failures = append(failures, o.Err)
		}
	}
	if len(failures) > 0 {
		r.logger.Warn("ledger queries failed",
			observability.F("scope", scope),
			observability.F("run_id", runID),
			observability.F("failed", len(failures)),
			observability.F("error", errors.Join(failures...)))
	}
	if len(updated) == 0 && len(removed) == 0 {
		return failed
	}

	r.mu.Lock()
	st := r.scopeLocked(scope)
	r.mu.Unlock()
	st.write.Lock()
	defer st.write.Unlock()

	if r.superseded(st, gen) {
		r.logger.Debug("registry snapshot dropped, scope invalidated",
			observability.F("scope", scope),
			observability.F("run_id", runID))
		return nil
	}

	current, err := r.store.Tokens(ctx, scope)
	if err == nil {
		next := make([]Token, 0, len(current)+len(updated))
		placed := make(map[string]struct{}, len(updated))
		for _, t := range current {
			key := t.Key()
			if _, drop := removed[key]; drop {
				continue
			}
			if u, ok := updated[key]; ok {
				next = append(next, u)
				placed[key] = struct{}{}
				continue
			}
			next = append(next, t)
		}
		for _, key := range order {
			if _, ok := placed[key]; ok {
				continue
			}
			if _, drop := removed[key]; drop {
				continue
			}
			next = append(next, updated[key])
		}
		err = r.store.ReplaceTokens(ctx, scope, next)
		if err == nil {
			r.logger.Debug("registry snapshot written",
				observability.F("scope", scope),
				observability.F("run_id", runID),
				observability.F("updated", len(updated)),
				observability.F("removed", len(removed)),
				observability.F("size", len(next)))
			return failed
		}
	}

	r.logger.Error("registry snapshot write failed",
		observability.F("scope", scope),
		observability.F("run_id", runID),
		observability.F("error", err))
	storeErr := errs.New(component, errs.CodeUnavailable,
		errs.WithMessage("persist registry"), errs.WithScope(scope), errs.WithCause(err))
	for _, o := range outcomes {
		if o.Kind != KindFailed {
			failed = append(failed, Outcome{Kind: KindFailed, Token: o.Token, Err: storeErr})
		}
	}
	return failed
}
