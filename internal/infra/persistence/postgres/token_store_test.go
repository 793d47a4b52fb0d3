package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/dexsync/internal/registry"
)

func TestTokenStoreNilPool(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()

	_, err := store.Tokens(ctx, "1")
	require.ErrorContains(t, err, "nil pool")
	err = store.ReplaceTokens(ctx, "1", []registry.Token{{Address: "0xabc"}})
	require.ErrorContains(t, err, "nil pool")
}

func TestObservePoolMetricsIgnoresNilPool(t *testing.T) {
	require.Zero(t, ObservePoolMetrics(nil, "primary"))
}
