// Command syncd keeps local token registries and ledger reads in sync with
// the exchange contracts of every configured network.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/dexsync/internal/infra/config"
	"github.com/coachpo/dexsync/internal/infra/persistence/migrations"
	"github.com/coachpo/dexsync/internal/infra/persistence/postgres"
	"github.com/coachpo/dexsync/internal/ledger"
	"github.com/coachpo/dexsync/internal/methodcache"
	"github.com/coachpo/dexsync/internal/observability"
	"github.com/coachpo/dexsync/internal/ratelimit"
	"github.com/coachpo/dexsync/internal/registry"
	"github.com/coachpo/dexsync/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	syncdLoggerPrefix        = "syncd "
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	startupTimeout           = 15 * time.Second
)

func main() {
	cfgPathFlag, verbose := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newSyncdLogger()
	obs := observability.NewStdLogger(logger, verbose)
	observability.SetLogger(obs)

	configPath := resolveConfigPath(cfgPathFlag)

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, scopes=%d, cache=%s",
		appCfg.Environment, len(appCfg.Scopes), appCfg.Cache.Backend)
	if len(appCfg.Scopes) == 0 {
		logger.Fatalf("no scopes configured in %s", configPath)
	}

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	tokenStore, pool, err := initRegistryStore(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise registry store: %v", err)
	}

	cacheStore, redisClient, err := initCacheStore(ctx, logger, appCfg.Cache)
	if err != nil {
		logger.Fatalf("initialise method cache: %v", err)
	}
	cache := methodcache.New(methodcache.WithStore(cacheStore), methodcache.WithLogger(obs))

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerWindow: appCfg.RateLimit.RequestsPerWindow,
		Window:            appCfg.RateLimit.Window,
		MaxTries:          appCfg.RateLimit.MaxTries,
	}, ratelimit.WithLogger(obs), ratelimit.WithName("ledger"))

	client, err := ledger.NewClient(endpoints(appCfg.Scopes), ledger.WithLogger(obs))
	if err != nil {
		logger.Fatalf("initialise ledger client: %v", err)
	}
	guarded := ledger.NewGuarded(client, cache, limiter, cacheTTLs(appCfg.Cache.TTL))

	reconciler, err := registry.NewReconciler(guarded, tokenStore,
		registry.WithLogger(obs),
		registry.WithConfig(registry.Config{
			Retry:       appCfg.Reconciler.RetryPolicy(),
			Concurrency: appCfg.Reconciler.Concurrency,
		}))
	if err != nil {
		logger.Fatalf("initialise reconciler: %v", err)
	}

	if err := seedRegistry(ctx, logger, tokenStore, appCfg.Scopes); err != nil {
		logger.Fatalf("seed registry: %v", err)
	}

	var lifecycle conc.WaitGroup
	startReconciler(ctx, &lifecycle, logger, reconciler, appCfg.ScopeIDs(), appCfg.Reconciler.Interval)
	watchers := startHeadWatchers(ctx, &lifecycle, logger, obs, guarded, appCfg.Scopes)
	logger.Printf("head watchers running: %d", watchers)

	logger.Print("syncd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		reconciler: reconciler,
		limiter:    limiter,
		redis:      redisClient,
		pool:       pool,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	verbose := flag.Bool("verbose", false, "Emit debug logs")
	flag.Parse()
	return *cfgPath, *verbose
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newSyncdLogger() *log.Logger {
	return log.New(os.Stdout, syncdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func initRegistryStore(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (registry.Store, *pgxpool.Pool, error) {
	if !cfg.Enabled() {
		logger.Printf("database dsn not set; registry kept in memory")
		return registry.NewMemoryStore(), nil, nil
	}

	if cfg.RunMigrations {
		dir := migrations.Embedded
		if cfg.MigrationsDir != "" {
			dir = cfg.MigrationsDir
		}
		if err := migrations.Apply(ctx, cfg.DSN, dir, logger); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	gauges := postgres.ObservePoolMetrics(pool, "registry")
	logger.Printf("registry store connected: maxConns=%d, gauges=%d", cfg.MaxConns, gauges)

	return postgres.New(pool).Tokens(), pool, nil
}

func initCacheStore(ctx context.Context, logger *log.Logger, cfg config.CacheConfig) (methodcache.Store, *redis.Client, error) {
	if cfg.Backend != config.CacheRedis {
		logger.Printf("method cache kept in memory")
		return methodcache.NewMemoryStore(), nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Printf("method cache backed by redis: addr=%s, namespace=%s", cfg.RedisAddr, cfg.Namespace)
	return methodcache.NewRedisStore(client, cfg.Namespace), client, nil
}

func endpoints(scopes []config.ScopeConfig) []ledger.Endpoint {
	out := make([]ledger.Endpoint, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, ledger.Endpoint{
			Scope:             s.ID,
			RPCURL:            s.RPCURL,
			Exchange:          s.Exchange,
			RequestsPerSecond: s.RequestsPerSecond,
		})
	}
	return out
}

func cacheTTLs(overrides map[string]time.Duration) map[string]time.Duration {
	ttls := ledger.DefaultTTLs()
	for method, ttl := range overrides {
		ttls[method] = ttl
	}
	return ttls
}

func seedRegistry(ctx context.Context, logger *log.Logger, store registry.Store, scopes []config.ScopeConfig) error {
	for _, s := range scopes {
		if len(s.Tokens) == 0 {
			continue
		}
		existing, err := store.Tokens(ctx, s.ID)
		if err != nil {
			return fmt.Errorf("load scope %s: %w", s.ID, err)
		}
		if len(existing) > 0 {
			continue
		}
		tokens := make([]registry.Token, 0, len(s.Tokens))
		for _, t := range s.Tokens {
			tokens = append(tokens, registry.Token{
				Address:  t.Address,
				Symbol:   t.Symbol,
				Name:     t.Name,
				Decimals: t.Decimals,
			})
		}
		if err := store.ReplaceTokens(ctx, s.ID, tokens); err != nil {
			return fmt.Errorf("seed scope %s: %w", s.ID, err)
		}
		logger.Printf("registry seeded: scope=%s, tokens=%d", s.ID, len(tokens))
	}
	return nil
}

func startReconciler(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, reconciler *registry.Reconciler, scopes []string, interval time.Duration) {
	lifecycle.Go(func() {
		if err := reconciler.Run(ctx, scopes, interval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("reconciler: %v", err)
		}
	})
}

func startHeadWatchers(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, obs observability.Logger, guarded *ledger.Guarded, scopes []config.ScopeConfig) int {
	started := 0
	for _, s := range scopes {
		if s.WSURL == "" {
			continue
		}
		watcher, err := ledger.NewHeadWatcher(s.ID, s.WSURL, func(ctx context.Context, head ledger.Head) {
			if err := guarded.PurgeOrders(ctx, head.Scope); err != nil {
				obs.Warn("order cache purge failed",
					observability.F("scope", head.Scope),
					observability.F("block", head.Number),
					observability.F("error", err))
				return
			}
			obs.Debug("order cache purged", observability.F("scope", head.Scope), observability.F("block", head.Number))
		}, ledger.WithWatcherLogger(obs))
		if err != nil {
			logger.Printf("head watcher for scope %s: %v", s.ID, err)
			continue
		}
		started++
		lifecycle.Go(func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("head watcher %s: %v", s.ID, err)
			}
		})
	}
	return started
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	reconciler *registry.Reconciler
	limiter    *ratelimit.Limiter
	redis      *redis.Client
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.reconciler != nil {
		shutdownStep("cancelling reconciliation retries", storeShutdownTimeout, func(context.Context) error {
			cfg.reconciler.Close()
			return nil
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.limiter != nil {
		cfg.limiter.Close()
	}

	if cfg.redis != nil {
		shutdownStep("closing redis client", storeShutdownTimeout, func(context.Context) error {
			return cfg.redis.Close()
		})
	}

	if cfg.pool != nil {
		shutdownStep("closing database pool", storeShutdownTimeout, func(context.Context) error {
			cfg.pool.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	_ = observability.AggregateErrors("shutdown", failures)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
