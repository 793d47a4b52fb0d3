package config

import "strings"

// Environment identifies the runtime environment the sync daemon runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// CacheBackend selects where method cache entries live.
type CacheBackend string

const (
	// CacheMemory keeps entries in process.
	CacheMemory CacheBackend = "memory"
	// CacheRedis shares entries through Redis.
	CacheRedis CacheBackend = "redis"
)

func normalizeScopeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
