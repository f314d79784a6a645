package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kabuto-relay/cache"
	"kabuto-relay/config"
)

func testCooldownConfig() config.CooldownConfig {
	return config.CooldownConfig{
		BuySameTicker:  1800,
		BuyAnyTicker:   300,
		SellSameTicker: 900,
		SellAnyTicker:  0,
	}
}

func TestCooldownCheckClear(t *testing.T) {
	s := NewCooldownService(cache.NewMemoryStore(), testCooldownConfig())
	assert.Nil(t, s.Check(context.Background(), "buy", "7203"))
}

func TestCooldownSameTicker(t *testing.T) {
	ctx := context.Background()
	s := NewCooldownService(cache.NewMemoryStore(), testCooldownConfig())

	s.Set(ctx, "buy", "7203")

	block := s.Check(ctx, "buy", "7203")
	require.NotNil(t, block)
	assert.Equal(t, ReasonCooldownSameTicker, block.Reason)
	assert.InDelta(t, 1800, block.RetryAfter, 2)
}

func TestCooldownAnyTicker(t *testing.T) {
	ctx := context.Background()
	s := NewCooldownService(cache.NewMemoryStore(), testCooldownConfig())

	s.Set(ctx, "buy", "7203")

	// Different ticker is caught by the any-ticker scan
	block := s.Check(ctx, "buy", "9984")
	require.NotNil(t, block)
	assert.Equal(t, ReasonCooldownAnyTicker, block.Reason)
	assert.Greater(t, block.RetryAfter, 0)
}

func TestCooldownDisabledByZero(t *testing.T) {
	ctx := context.Background()
	s := NewCooldownService(cache.NewMemoryStore(), testCooldownConfig())

	// sell_any_ticker is 0: a sell cooldown on one ticker must not
	// block sells of another.
	s.Set(ctx, "sell", "7203")

	assert.Nil(t, s.Check(ctx, "sell", "9984"))

	block := s.Check(ctx, "sell", "7203")
	require.NotNil(t, block)
	assert.Equal(t, ReasonCooldownSameTicker, block.Reason)
}

func TestCooldownActionsIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewCooldownService(cache.NewMemoryStore(), testCooldownConfig())

	s.Set(ctx, "buy", "7203")
	assert.Nil(t, s.Check(ctx, "sell", "7203"))
}

func TestCooldownExpiry(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	s := NewCooldownService(store, testCooldownConfig())

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	s.Set(ctx, "buy", "7203")

	store.SetClock(func() time.Time { return now.Add(31 * time.Minute) })
	assert.Nil(t, s.Check(ctx, "buy", "7203"))
}

func TestCooldownListAll(t *testing.T) {
	ctx := context.Background()
	s := NewCooldownService(cache.NewMemoryStore(), testCooldownConfig())

	s.Set(ctx, "buy", "7203")
	s.Set(ctx, "sell", "9984")

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	// buy same + buy global + sell same (sell global disabled)
	assert.Len(t, all, 3)
	assert.Contains(t, all, "cooldown:buy:7203")
	assert.Contains(t, all, "cooldown:buy:global")
	assert.Contains(t, all, "cooldown:sell:9984")
}

func TestCooldownReset(t *testing.T) {
	ctx := context.Background()
	s := NewCooldownService(cache.NewMemoryStore(), testCooldownConfig())

	s.Set(ctx, "buy", "7203")
	s.Set(ctx, "sell", "9984")

	removed, err := s.Reset(ctx, "buy", "")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Nil(t, s.Check(ctx, "buy", "7203"))

	block := s.Check(ctx, "sell", "9984")
	require.NotNil(t, block)

	removed, err = s.Reset(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Nil(t, s.Check(ctx, "sell", "9984"))
}

func TestDedupReplay(t *testing.T) {
	ctx := context.Background()
	s := NewDedupService(cache.NewMemoryStore())

	_, ok := s.CachedReply(ctx, "1735279200000", "7203", "buy")
	assert.False(t, ok)

	s.MarkProcessed(ctx, "1735279200000", "7203", "buy", `{"status":"success"}`)

	body, ok := s.CachedReply(ctx, "1735279200000", "7203", "buy")
	require.True(t, ok)
	assert.Equal(t, `{"status":"success"}`, body)

	// A different delivery is unaffected
	_, ok = s.CachedReply(ctx, "1735279200001", "7203", "buy")
	assert.False(t, ok)
}

func TestDedupExpiry(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	s := NewDedupService(store)

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	s.MarkProcessed(ctx, "ts", "7203", "buy", "{}")

	store.SetClock(func() time.Time { return now.Add(DedupTTL + time.Second) })
	_, ok := s.CachedReply(ctx, "ts", "7203", "buy")
	assert.False(t, ok)
}
