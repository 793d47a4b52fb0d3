package methodcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/blake3"
)

const defaultRedisNamespace = "methodcache"

// RedisStore shares cache entries between processes through Redis. Values
// are stored as JSON and come back from Load as json.RawMessage; Wrap decodes
// them into the wrapped function's result type.
type RedisStore struct {
	client    redis.Cmdable
	namespace string
}

type redisEntry struct {
	Value     json.RawMessage `json:"value"`
	CreatedOn time.Time       `json:"created_on"`
}

// NewRedisStore constructs a store over client. Keys are prefixed with
// namespace, or "methodcache" when empty.
func NewRedisStore(client redis.Cmdable, namespace string) *RedisStore {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	return &RedisStore{client: client, namespace: namespace}
}

// RedisKey returns the Redis key holding the entry for method and key. The
// canonical key is digested so long argument lists keep keys bounded.
func (s *RedisStore) RedisKey(method, key string) string {
	sum := blake3.Sum256([]byte(key))
	return s.methodPrefix(method) + hex.EncodeToString(sum[:])
}

func (s *RedisStore) methodPrefix(method string) string {
	return s.namespace + ":" + method + ":"
}

// Load fetches the entry for method and key.
func (s *RedisStore) Load(ctx context.Context, method, key string) (Entry, bool, error) {
	if s.client == nil {
		return Entry{}, false, fmt.Errorf("redis store: nil client")
	}
	data, err := s.client.Get(ctx, s.RedisKey(method, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var stored redisEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return Entry{Value: stored.Value, CreatedOn: stored.CreatedOn}, true, nil
}

// Save writes the entry, letting Redis expire it after ttl when positive.
func (s *RedisStore) Save(ctx context.Context, method, key string, entry Entry, ttl time.Duration) error {
	if s.client == nil {
		return fmt.Errorf("redis store: nil client")
	}
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	payload, err := json.Marshal(redisEntry{Value: value, CreatedOn: entry.CreatedOn})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	expiry := time.Duration(0)
	if ttl > 0 {
		expiry = ttl
	}
	if err := s.client.Set(ctx, s.RedisKey(method, key), payload, expiry).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Purge deletes every entry stored for method.
func (s *RedisStore) Purge(ctx context.Context, method string) error {
	if s.client == nil {
		return fmt.Errorf("redis store: nil client")
	}
	iter := s.client.Scan(ctx, 0, s.methodPrefix(method)+"*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
