package cbsync

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStalenessDecide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := NewStalenessDetector(store, time.Hour, zerolog.Nop())

	// Empty store: count reads as changed.
	assert.Equal(t, RefreshCountChanged, d.Decide(ctx, 3, true))

	require.True(t, store.StoreVolumes(ctx, []Volume{{ID: 1}, {ID: 2}, {ID: 3}}))

	assert.Equal(t, ServeFromCache, d.Decide(ctx, 3, true))
	assert.Equal(t, RefreshCountChanged, d.Decide(ctx, 4, true))

	// Unknown count with a fresh cache still serves.
	assert.Equal(t, ServeFromCache, d.Decide(ctx, 0, false))

	// Expired TTL with an unchanged count.
	expired := NewStalenessDetector(store, 0, zerolog.Nop())
	assert.Equal(t, RefreshCacheExpired, expired.Decide(ctx, 3, true))

	// Expired TTL and no count either.
	assert.Equal(t, RefreshCountUnknown, expired.Decide(ctx, 0, false))
}

func TestRefreshDecisionNeedsRefresh(t *testing.T) {
	assert.False(t, ServeFromCache.NeedsRefresh())
	assert.True(t, RefreshCountChanged.NeedsRefresh())
	assert.True(t, RefreshCacheExpired.NeedsRefresh())
	assert.True(t, RefreshCountUnknown.NeedsRefresh())
}
