package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", "v", 5*time.Minute))

	ttl, err := m.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ttl)

	now = base.Add(4 * time.Minute)
	ttl, err = m.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	now = base.Add(5 * time.Minute)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreNoExpiryTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	ttl, err := m.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestMemoryStoreKeysGlob(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "cooldown:buy:7203", "1", time.Minute))
	require.NoError(t, m.Set(ctx, "cooldown:buy:global", "1", time.Minute))
	require.NoError(t, m.Set(ctx, "cooldown:sell:7203", "1", time.Minute))
	require.NoError(t, m.Set(ctx, "notify_limit:INFO:abc", "1", time.Minute))

	keys, err := m.Keys(ctx, "cooldown:buy:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cooldown:buy:7203", "cooldown:buy:global"}, keys)

	keys, err = m.Keys(ctx, "cooldown:*:*")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	// Expired keys fall out of listings
	now = base.Add(2 * time.Minute)
	keys, err = m.Keys(ctx, "cooldown:*:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
