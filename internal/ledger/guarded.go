package ledger

import (
	"context"
	"time"

	"github.com/coachpo/dexsync/internal/auction"
	"github.com/coachpo/dexsync/internal/methodcache"
	"github.com/coachpo/dexsync/internal/ratelimit"
)

// Cached method names.
const (
	MethodHasToken      = "hasToken"
	MethodResolveID     = "resolveId"
	MethodTokenAddress  = "tokenAddress"
	MethodEncodedOrders = "encodedOrders"
)

// DefaultTTLs returns the cache lifetime of each read. Token ids and
// addresses never change once assigned; listings and orders do.
func DefaultTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		MethodHasToken:      30 * time.Second,
		MethodResolveID:     methodcache.Forever,
		MethodTokenAddress:  methodcache.Forever,
		MethodEncodedOrders: 15 * time.Second,
	}
}

// Reader is the set of contract reads Guarded composes.
type Reader interface {
	HasToken(ctx context.Context, scope, address string) (bool, error)
	ResolveID(ctx context.Context, scope, address string) (uint16, error)
	TokenAddress(ctx context.Context, scope string, id uint16) (string, error)
	EncodedOrders(ctx context.Context, scope string) (string, error)
}

type tokenQuery struct {
	Scope   string `cache:"scope"`
	Address string `cache:"address"`
}

type idQuery struct {
	Scope string `cache:"scope"`
	ID    uint16 `cache:"id"`
}

type scopeQuery struct {
	Scope string `cache:"scope"`
}

// Guarded reads through a cache first and a rate limiter second, so cache
// hits never spend limiter capacity.
type Guarded struct {
	cache *methodcache.Cache

	hasToken      func(context.Context, tokenQuery) (bool, error)
	resolveID     func(context.Context, tokenQuery) (uint16, error)
	tokenAddress  func(context.Context, idQuery) (string, error)
	encodedOrders func(context.Context, scopeQuery) (string, error)
}

// NewGuarded composes cache and limiter around reader. Methods missing from
// ttls use DefaultTTLs.
func NewGuarded(reader Reader, cache *methodcache.Cache, limiter *ratelimit.Limiter, ttls map[string]time.Duration) *Guarded {
	effective := DefaultTTLs()
	for method, ttl := range ttls {
		effective[method] = ttl
	}
	return &Guarded{
		cache: cache,
		hasToken: methodcache.Wrap(cache, MethodHasToken, effective[MethodHasToken],
			ratelimit.Wrap(limiter, func(ctx context.Context, q tokenQuery) (bool, error) {
				return reader.HasToken(ctx, q.Scope, q.Address)
			})),
		resolveID: methodcache.Wrap(cache, MethodResolveID, effective[MethodResolveID],
			ratelimit.Wrap(limiter, func(ctx context.Context, q tokenQuery) (uint16, error) {
				return reader.ResolveID(ctx, q.Scope, q.Address)
			})),
		tokenAddress: methodcache.Wrap(cache, MethodTokenAddress, effective[MethodTokenAddress],
			ratelimit.Wrap(limiter, func(ctx context.Context, q idQuery) (string, error) {
				return reader.TokenAddress(ctx, q.Scope, q.ID)
			})),
		encodedOrders: methodcache.WrapScoped(cache, MethodEncodedOrders,
			func(q scopeQuery) string { return q.Scope },
			effective[MethodEncodedOrders],
			ratelimit.Wrap(limiter, func(ctx context.Context, q scopeQuery) (string, error) {
				return reader.EncodedOrders(ctx, q.Scope)
			})),
	}
}

// HasToken reports whether the exchange lists the token.
func (g *Guarded) HasToken(ctx context.Context, scope, address string) (bool, error) {
	return g.hasToken(ctx, tokenQuery{Scope: scope, Address: address})
}

// ResolveID returns the exchange's id for a listed token.
func (g *Guarded) ResolveID(ctx context.Context, scope, address string) (uint16, error) {
	return g.resolveID(ctx, tokenQuery{Scope: scope, Address: address})
}

// TokenAddress returns the address registered under id.
func (g *Guarded) TokenAddress(ctx context.Context, scope string, id uint16) (string, error) {
	return g.tokenAddress(ctx, idQuery{Scope: scope, ID: id})
}

// EncodedOrders returns the packed order blob of scope.
func (g *Guarded) EncodedOrders(ctx context.Context, scope string) (string, error) {
	return g.encodedOrders(ctx, scopeQuery{Scope: scope})
}

// Orders decodes the order book of scope.
func (g *Guarded) Orders(ctx context.Context, scope string) ([]auction.Element, error) {
	blob, err := g.EncodedOrders(ctx, scope)
	if err != nil {
		return nil, err
	}
	return auction.Decode(blob), nil
}

// PurgeOrders drops the cached order blob of scope.
func (g *Guarded) PurgeOrders(ctx context.Context, scope string) error {
	return g.cache.Purge(ctx, methodcache.ScopedMethod(MethodEncodedOrders, scope))
}
