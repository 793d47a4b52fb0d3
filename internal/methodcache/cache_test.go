package methodcache

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/dexsync/internal/clock"
)

type priceArgs struct {
	Base   string
	Quote  string `cache:"quote"`
	Amount *big.Int
	trace  string
	Debug  bool `cache:"-"`
}

func TestKeyIgnoresDeclarationOrder(t *testing.T) {
	a := map[string]any{"networkId": 1, "tokenAddress": "0xabc", "amount": big.NewInt(5)}
	b := map[string]any{"amount": big.NewInt(5), "tokenAddress": "0xabc", "networkId": 1}
	require.Equal(t, Key("getPrice", a), Key("getPrice", b))
	require.Equal(t, `getPrice|"amount":"5"|"networkId":"1"|"tokenAddress":"0xabc"`, Key("getPrice", a))
}

func TestKeyDistinguishesValuesAndMethods(t *testing.T) {
	a := map[string]any{"networkId": 1}
	b := map[string]any{"networkId": 4}
	require.NotEqual(t, Key("getTokens", a), Key("getTokens", b))
	require.NotEqual(t, Key("getTokens", a), Key("getPrices", a))
}

func TestKeyQuotesSeparators(t *testing.T) {
	joined := map[string]string{"a": "1|b:2"}
	split := map[string]string{"a": "1", "b": "2"}
	require.NotEqual(t, Key("m", joined), Key("m", split))

	renamed := map[string]string{`a:"1"|b`: "2"}
	require.NotEqual(t, Key("m", renamed), Key("m", split))
}

func TestKeyStructFieldsAndTags(t *testing.T) {
	args := priceArgs{Base: "WETH", Quote: "DAI", Amount: big.NewInt(10), trace: "x", Debug: true}
	key := Key("price", args)
	require.Equal(t, `price|"Amount":"10"|"Base":"WETH"|"quote":"DAI"`, key)
	require.Equal(t, key, Key("price", &args))

	asMap := map[string]string{"quote": "DAI", "Base": "WETH", "Amount": "10"}
	require.Equal(t, key, Key("price", asMap))
}

func TestKeyScalarsAndNil(t *testing.T) {
	require.Equal(t, "orders", Key("orders", nil))
	require.Equal(t, `token|"value":"42"`, Key("token", 42))
	var nilArgs *priceArgs
	require.Equal(t, "price", Key("price", nilArgs))
	require.Equal(t, `price|"Amount":"<nil>"|"Base":""|"quote":""`, Key("price", priceArgs{}))
}

func TestFetchPermanenceWithoutTTL(t *testing.T) {
	clk := clock.NewFake(time.Time{})
	cache := New(WithClock(clk))
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v, err := cache.Fetch(ctx, "getTokens", map[string]any{"networkId": 1}, Forever, fn)
		require.NoError(t, err)
		require.Equal(t, 1, v)
		clk.Advance(24 * time.Hour)
	}
	require.Equal(t, 1, calls)
}

func TestFetchTTLBoundary(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	cache := New(WithClock(clk))
	ttl := 10 * time.Second
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}
	ctx := context.Background()
	args := map[string]any{"token": "0x1"}

	_, err := cache.Fetch(ctx, "price", args, ttl, fn)
	require.NoError(t, err)

	clk.Advance(ttl - time.Millisecond)
	v, err := cache.Fetch(ctx, "price", args, ttl, fn)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	clk.Advance(2 * time.Millisecond)
	v, err = cache.Fetch(ctx, "price", args, ttl, fn)
	require.NoError(t, err)
	require.Equal(t, 2, v)
	require.Equal(t, 2, calls)
}

func TestFetchErrorIsNotCached(t *testing.T) {
	cache := New()
	boom := errors.New("node timeout")
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return "ok", nil
	}
	ctx := context.Background()
	_, err := cache.Fetch(ctx, "m", nil, Forever, fn)
	require.ErrorIs(t, err, boom)

	v, err := cache.Fetch(ctx, "m", nil, Forever, fn)
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 2, calls)
}

func TestMethodsShareStoreWithoutCollisions(t *testing.T) {
	store := NewMemoryStore()
	cache := New(WithStore(store))
	ctx := context.Background()
	args := map[string]any{"networkId": 1}

	a, err := cache.Fetch(ctx, "getTokens", args, Forever, func(context.Context) (any, error) { return "tokens", nil })
	require.NoError(t, err)
	b, err := cache.Fetch(ctx, "getPrices", args, time.Minute, func(context.Context) (any, error) { return "prices", nil })
	require.NoError(t, err)
	require.Equal(t, "tokens", a)
	require.Equal(t, "prices", b)
	require.Equal(t, 1, store.Len("getTokens"))
	require.Equal(t, 1, store.Len("getPrices"))

	require.NoError(t, cache.Purge(ctx, "getPrices"))
	require.Equal(t, 0, store.Len("getPrices"))
	require.Equal(t, 1, store.Len("getTokens"))
}

type lookupArgs struct {
	Scope   string
	Address string
}

func TestWrapTypedDecorator(t *testing.T) {
	cache := New()
	calls := 0
	resolve := func(_ context.Context, args lookupArgs) (uint16, error) {
		calls++
		return uint16(len(args.Address)), nil
	}
	cached := Wrap(cache, "resolveId", Forever, resolve)
	ctx := context.Background()

	id, err := cached(ctx, lookupArgs{Scope: "1", Address: "0xabc"})
	require.NoError(t, err)
	require.Equal(t, uint16(5), id)
	id, err = cached(ctx, lookupArgs{Address: "0xabc", Scope: "1"})
	require.NoError(t, err)
	require.Equal(t, uint16(5), id)
	_, err = cached(ctx, lookupArgs{Scope: "4", Address: "0xabc"})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestWrapScopedPurgesOneScope(t *testing.T) {
	store := NewMemoryStore()
	cache := New(WithStore(store))
	calls := 0
	orders := WrapScoped(cache, "encodedOrders", func(args lookupArgs) string { return args.Scope }, Forever,
		func(_ context.Context, args lookupArgs) (string, error) {
			calls++
			return "0x" + args.Scope, nil
		})
	ctx := context.Background()

	for _, scope := range []string{"1", "4", "1", "4"} {
		blob, err := orders(ctx, lookupArgs{Scope: scope})
		require.NoError(t, err)
		require.Equal(t, "0x"+scope, blob)
	}
	require.Equal(t, 2, calls)
	require.Equal(t, 1, store.Len(ScopedMethod("encodedOrders", "1")))

	require.NoError(t, cache.Purge(ctx, ScopedMethod("encodedOrders", "1")))
	require.Zero(t, store.Len(ScopedMethod("encodedOrders", "1")))
	require.Equal(t, 1, store.Len(ScopedMethod("encodedOrders", "4")))

	_, err := orders(ctx, lookupArgs{Scope: "4"})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	_, err = orders(ctx, lookupArgs{Scope: "1"})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

type rawStore struct {
	entries map[string]Entry
	loadErr error
}

func (s *rawStore) Load(_ context.Context, method, key string) (Entry, bool, error) {
	if s.loadErr != nil {
		return Entry{}, false, s.loadErr
	}
	e, ok := s.entries[method+"/"+key]
	return e, ok, nil
}

func (s *rawStore) Save(_ context.Context, method, key string, entry Entry, _ time.Duration) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return err
	}
	s.entries[method+"/"+key] = Entry{Value: json.RawMessage(value), CreatedOn: entry.CreatedOn}
	return nil
}

func (s *rawStore) Purge(context.Context, string) error { return nil }

type tokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

func TestWrapDecodesSerializedValues(t *testing.T) {
	store := &rawStore{entries: map[string]Entry{}}
	cache := New(WithStore(store))
	calls := 0
	fetch := Wrap(cache, "tokenInfo", Forever, func(_ context.Context, addr string) (tokenInfo, error) {
		calls++
		return tokenInfo{Symbol: strings.ToUpper(addr), Decimals: 18}, nil
	})
	ctx := context.Background()

	first, err := fetch(ctx, "weth")
	require.NoError(t, err)
	second, err := fetch(ctx, "weth")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, tokenInfo{Symbol: "WETH", Decimals: 18}, second)
	require.Equal(t, 1, calls)
}

func TestStoreFailureDegradesToMiss(t *testing.T) {
	store := &rawStore{entries: map[string]Entry{}, loadErr: errors.New("connection refused")}
	cache := New(WithStore(store))
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}
	for i := 0; i < 2; i++ {
		_, err := cache.Fetch(context.Background(), "m", nil, Forever, fn)
		require.NoError(t, err)
	}
	require.Equal(t, 2, calls)
}

func TestFetchRequiresFunction(t *testing.T) {
	_, err := New().Fetch(context.Background(), "m", nil, Forever, nil)
	require.Error(t, err)
}
