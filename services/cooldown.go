package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"kabuto-relay/cache"
	"kabuto-relay/config"
)

// Cooldown rejection reasons.
const (
	ReasonCooldownSameTicker = "cooldown_same_ticker"
	ReasonCooldownAnyTicker  = "cooldown_any_ticker"
)

// CooldownBlock describes an active cooldown rejecting a signal.
type CooldownBlock struct {
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// CooldownService enforces minimum intervals between trades using TTL
// keys: cooldown:<action>:<ticker> per ticker and
// cooldown:<action>:global per action. Like dedup, it fails open on
// cache outage.
type CooldownService struct {
	store cache.Store
	cfg   config.CooldownConfig
}

// NewCooldownService creates a new cooldown service
func NewCooldownService(store cache.Store, cfg config.CooldownConfig) *CooldownService {
	return &CooldownService{store: store, cfg: cfg}
}

func cooldownKey(action, ticker string) string {
	return fmt.Sprintf("cooldown:%s:%s", action, ticker)
}

// durations returns the (same-ticker, any-ticker) cooldowns for an
// action. Zero disables that cooldown.
func (s *CooldownService) durations(action string) (same, any time.Duration) {
	switch action {
	case "buy":
		return time.Duration(s.cfg.BuySameTicker) * time.Second,
			time.Duration(s.cfg.BuyAnyTicker) * time.Second
	case "sell":
		return time.Duration(s.cfg.SellSameTicker) * time.Second,
			time.Duration(s.cfg.SellAnyTicker) * time.Second
	}
	return 0, 0
}

// Check reports whether an active cooldown blocks (action, ticker):
// the same-ticker key first, then any key for the action when the
// any-ticker cooldown is enabled. Returns nil when clear.
func (s *CooldownService) Check(ctx context.Context, action, ticker string) *CooldownBlock {
	same, any := s.durations(action)

	if same > 0 {
		ttl, err := s.store.TTL(ctx, cooldownKey(action, ticker))
		switch {
		case errors.Is(err, cache.ErrNotFound):
		case err != nil:
			log.Warn().Err(err).Msg("Cooldown check failed, failing open")
		case ttl > 0:
			return &CooldownBlock{
				Reason:     ReasonCooldownSameTicker,
				RetryAfter: int(ttl.Round(time.Second) / time.Second),
			}
		}
	}

	if any > 0 {
		keys, err := s.store.Keys(ctx, cooldownKey(action, "*"))
		if err != nil {
			log.Warn().Err(err).Msg("Cooldown scan failed, failing open")
			return nil
		}
		var maxTTL time.Duration
		for _, k := range keys {
			ttl, err := s.store.TTL(ctx, k)
			if err != nil {
				continue
			}
			if ttl > maxTTL {
				maxTTL = ttl
			}
		}
		if maxTTL > 0 {
			return &CooldownBlock{
				Reason:     ReasonCooldownAnyTicker,
				RetryAfter: int(maxTTL.Round(time.Second) / time.Second),
			}
		}
	}
	return nil
}

// Set arms the cooldown keys for an accepted (action, ticker). Called
// after the signal is persisted.
func (s *CooldownService) Set(ctx context.Context, action, ticker string) {
	same, any := s.durations(action)
	if same > 0 {
		if err := s.store.Set(ctx, cooldownKey(action, ticker), "1", same); err != nil {
			log.Warn().Err(err).Msg("Cooldown set failed")
		}
	}
	if any > 0 {
		if err := s.store.Set(ctx, cooldownKey(action, "global"), "1", any); err != nil {
			log.Warn().Err(err).Msg("Cooldown set failed")
		}
	}
}

// ListAll returns every active cooldown key with its remaining TTL in
// seconds.
func (s *CooldownService) ListAll(ctx context.Context) (map[string]int, error) {
	keys, err := s.store.Keys(ctx, "cooldown:*")
	if err != nil {
		return nil, fmt.Errorf("ListAll: %w", err)
	}
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		ttl, err := s.store.TTL(ctx, k)
		if err != nil {
			continue
		}
		out[k] = int(ttl.Round(time.Second) / time.Second)
	}
	return out, nil
}

// Reset clears cooldowns matching action and ticker; "*" or empty on
// either axis is a wildcard. Returns the number of keys removed.
func (s *CooldownService) Reset(ctx context.Context, action, ticker string) (int, error) {
	if action == "" {
		action = "*"
	}
	if ticker == "" {
		ticker = "*"
	}
	// Keep patterns to one segment per axis; a ticker like "a:b" would
	// escape the key namespace.
	if strings.ContainsAny(action+ticker, ": ") {
		return 0, fmt.Errorf("Reset: invalid selector %s/%s", action, ticker)
	}

	keys, err := s.store.Keys(ctx, cooldownKey(action, ticker))
	if err != nil {
		return 0, fmt.Errorf("Reset: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("Reset: %w", err)
	}
	return len(keys), nil
}
