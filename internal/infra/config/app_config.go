// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/dexsync/internal/registry"
)

// ScopeConfig binds one network to its node endpoints and exchange contract.
type ScopeConfig struct {
	ID                string  `yaml:"id"`
	RPCURL            string  `yaml:"rpcURL"`
	WSURL             string  `yaml:"wsURL"`
	Exchange          string  `yaml:"exchange"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	// Tokens seed the registry when the store holds nothing for the scope.
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig describes one seeded registry entry.
type TokenConfig struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	Decimals int32  `yaml:"decimals"`
}

// CacheConfig selects the method cache backend and per-method lifetimes.
// A zero TTL keeps entries forever.
type CacheConfig struct {
	Backend       CacheBackend             `yaml:"backend"`
	RedisAddr     string                   `yaml:"redisAddr"`
	RedisPassword string                   `yaml:"redisPassword"`
	RedisDB       int                      `yaml:"redisDB"`
	Namespace     string                   `yaml:"namespace"`
	TTL           map[string]time.Duration `yaml:"ttl"`
}

// RateLimitConfig sizes the shared ledger call limiter.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requestsPerWindow"`
	Window            time.Duration `yaml:"window"`
	MaxTries          int           `yaml:"maxTries"`
}

// ReconcilerConfig drives periodic registry reconciliation and its retries.
type ReconcilerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxRetries  *int          `yaml:"maxRetries"`
	Concurrency int           `yaml:"concurrency"`
}

// Retries returns the configured retry budget.
func (c ReconcilerConfig) Retries() int {
	if c.MaxRetries == nil {
		return defaultMaxRetries
	}
	return *c.MaxRetries
}

// RetryPolicy returns the retry schedule for failed tokens.
func (c ReconcilerConfig) RetryPolicy() registry.RetryPolicy {
	return registry.RetryPolicy{
		MaxRetries: c.Retries(),
		BaseDelay:  c.BaseDelay,
		Multiplier: c.Multiplier,
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// An empty DSN keeps the registry in memory.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified sync daemon configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Scopes      []ScopeConfig    `yaml:"scopes"`
	Cache       CacheConfig      `yaml:"cache"`
	RateLimit   RateLimitConfig  `yaml:"rateLimit"`
	Reconciler  ReconcilerConfig `yaml:"reconciler"`
	Database    DatabaseConfig   `yaml:"database"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

const (
	defaultServiceName       = "dexsync"
	defaultCacheNamespace    = "dexsync"
	defaultRequestsPerWindow = 5
	defaultWindow            = time.Second
	defaultMaxTries          = 3
	defaultInterval          = time.Minute
	defaultBaseDelay         = time.Second
	defaultMultiplier        = 2
	defaultMaxRetries        = 5
	defaultConcurrency       = 16
)

// DefaultAppConfig returns the configuration used when no file is supplied.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{Environment: EnvDev}
	_ = cfg.normalise()
	return cfg
}

// ScopeIDs lists the configured scope identifiers in file order.
func (c AppConfig) ScopeIDs() []string {
	out := make([]string, 0, len(c.Scopes))
	for _, s := range c.Scopes {
		out = append(out, s.ID)
	}
	return out
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath when it exists and falls back to
// DefaultAppConfig otherwise. The flag reports whether the file was used.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		return DefaultAppConfig(), false, nil
	}
	cfg, err := Load(ctx, configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultAppConfig(), false, nil
		}
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	seen := make(map[string]struct{}, len(c.Scopes))
	for i := range c.Scopes {
		s := &c.Scopes[i]
		s.ID = normalizeScopeID(s.ID)
		s.RPCURL = strings.TrimSpace(s.RPCURL)
		s.WSURL = strings.TrimSpace(s.WSURL)
		s.Exchange = strings.TrimSpace(s.Exchange)
		for j := range s.Tokens {
			s.Tokens[j].Address = strings.TrimSpace(s.Tokens[j].Address)
			s.Tokens[j].Symbol = strings.TrimSpace(s.Tokens[j].Symbol)
		}
		if s.ID == "" {
			continue
		}
		if _, exists := seen[s.ID]; exists {
			return fmt.Errorf("duplicate scope id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	c.Cache.Backend = CacheBackend(strings.ToLower(strings.TrimSpace(string(c.Cache.Backend))))
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheMemory
	}
	c.Cache.RedisAddr = strings.TrimSpace(c.Cache.RedisAddr)
	c.Cache.Namespace = strings.TrimSpace(c.Cache.Namespace)
	if c.Cache.Namespace == "" {
		c.Cache.Namespace = defaultCacheNamespace
	}

	if c.RateLimit.RequestsPerWindow == 0 {
		c.RateLimit.RequestsPerWindow = defaultRequestsPerWindow
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = defaultWindow
	}
	if c.RateLimit.MaxTries == 0 {
		c.RateLimit.MaxTries = defaultMaxTries
	}

	if c.Reconciler.Interval == 0 {
		c.Reconciler.Interval = defaultInterval
	}
	if c.Reconciler.BaseDelay == 0 {
		c.Reconciler.BaseDelay = defaultBaseDelay
	}
	if c.Reconciler.Multiplier == 0 {
		c.Reconciler.Multiplier = defaultMultiplier
	}
	if c.Reconciler.Concurrency == 0 {
		c.Reconciler.Concurrency = defaultConcurrency
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaultServiceName
	}

	c.Database.applyDefaults()

	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	for i, s := range c.Scopes {
		if err := s.validate(); err != nil {
			return fmt.Errorf("scopes[%d]: %w", i, err)
		}
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache redisAddr required for redis backend")
		}
		if c.Cache.RedisDB < 0 {
			return fmt.Errorf("cache redisDB must be >=0")
		}
	default:
		return fmt.Errorf("cache backend must be one of memory, redis")
	}
	for method, ttl := range c.Cache.TTL {
		if ttl < 0 {
			return fmt.Errorf("cache ttl for %q must be >=0", method)
		}
	}

	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("rateLimit requestsPerWindow must be >0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit window must be >0")
	}
	if c.RateLimit.MaxTries <= 0 {
		return fmt.Errorf("rateLimit maxTries must be >0")
	}

	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler interval must be >0")
	}
	if c.Reconciler.BaseDelay <= 0 {
		return fmt.Errorf("reconciler baseDelay must be >0")
	}
	if c.Reconciler.Multiplier < 1 {
		return fmt.Errorf("reconciler multiplier must be >=1")
	}
	if c.Reconciler.Retries() < 0 {
		return fmt.Errorf("reconciler maxRetries must be >=0")
	}
	if c.Reconciler.Concurrency <= 0 {
		return fmt.Errorf("reconciler concurrency must be >0")
	}
	// Every interval invalidates the scopes, cancelling pending retries.
	if total := c.Reconciler.RetryPolicy().Total(); total >= c.Reconciler.Interval {
		return fmt.Errorf("reconciler retries span %s, must end before interval %s", total, c.Reconciler.Interval)
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	return nil
}

func (s ScopeConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("id required")
	}
	if err := checkURL(s.RPCURL, "http", "https"); err != nil {
		return fmt.Errorf("rpcURL: %w", err)
	}
	if s.WSURL != "" {
		if err := checkURL(s.WSURL, "ws", "wss"); err != nil {
			return fmt.Errorf("wsURL: %w", err)
		}
	}
	if s.Exchange == "" {
		return fmt.Errorf("exchange required")
	}
	if s.RequestsPerSecond < 0 {
		return fmt.Errorf("requestsPerSecond must be >=0")
	}
	for i, token := range s.Tokens {
		if token.Address == "" {
			return fmt.Errorf("tokens[%d]: address required", i)
		}
		if token.Decimals < 0 || token.Decimals > 77 {
			return fmt.Errorf("tokens[%d]: decimals must be within 0..77", i)
		}
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, scheme := range schemes {
		if strings.EqualFold(u.Scheme, scheme) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %s URL", raw, strings.Join(schemes, "/"))
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
