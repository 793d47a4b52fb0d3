package methodcache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisKeyLayout(t *testing.T) {
	store := NewRedisStore(nil, "")
	key := store.RedisKey("getTokens", Key("getTokens", map[string]any{"networkId": 1}))
	require.True(t, strings.HasPrefix(key, "methodcache:getTokens:"))
	require.Len(t, strings.TrimPrefix(key, "methodcache:getTokens:"), 64)

	other := store.RedisKey("getTokens", Key("getTokens", map[string]any{"networkId": 4}))
	require.NotEqual(t, key, other)

	custom := NewRedisStore(nil, "dexsync")
	require.True(t, strings.HasPrefix(custom.RedisKey("m", "k"), "dexsync:m:"))
}

func TestRedisStoreNilClient(t *testing.T) {
	store := NewRedisStore(nil, "")
	ctx := context.Background()
	_, _, err := store.Load(ctx, "m", "k")
	require.Error(t, err)
	require.Error(t, store.Save(ctx, "m", "k", Entry{Value: 1}, 0))
	require.Error(t, store.Purge(ctx, "m"))
}

func TestCacheFallsBackWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	cache := New(WithStore(NewRedisStore(client, "")))
	calls := 0
	for i := 0; i < 2; i++ {
		v, err := cache.Fetch(context.Background(), "m", nil, Forever, func(context.Context) (any, error) {
			calls++
			return "fresh", nil
		})
		require.NoError(t, err)
		require.Equal(t, "fresh", v)
	}
	require.Equal(t, 2, calls)
}
