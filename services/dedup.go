package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"kabuto-relay/cache"
)

// DedupTTL is how long a processed webhook delivery stays remembered,
// together with its reply. The charting platform's retries arrive
// within seconds; five minutes covers the whole retry schedule.
const DedupTTL = 5 * time.Minute

// DedupService drops duplicate webhook deliveries using idempotency
// keys in the cache, replaying the original reply body to the retry.
// Fails open: if the cache is unreachable the delivery is treated as
// new, because a dropped real signal costs more than a rare duplicate.
type DedupService struct {
	store cache.Store
}

// NewDedupService creates a new dedup service
func NewDedupService(store cache.Store) *DedupService {
	return &DedupService{store: store}
}

// CachedReply returns the stored reply body for a previously processed
// delivery, or ("", false) for a new one.
func (s *DedupService) CachedReply(ctx context.Context, timestamp, ticker, action string) (string, bool) {
	key := IdempotencyKey(timestamp, ticker, action)
	body, err := s.store.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		log.Warn().Err(err).Msg("Dedup check failed, failing open")
		return "", false
	}
	return body, true
}

// MarkProcessed caches the success reply under the delivery's
// idempotency key so retries replay it verbatim.
func (s *DedupService) MarkProcessed(ctx context.Context, timestamp, ticker, action, replyBody string) {
	key := IdempotencyKey(timestamp, ticker, action)
	if err := s.store.Set(ctx, key, replyBody, DedupTTL); err != nil {
		log.Warn().Err(err).Msg("Dedup mark failed")
	}
}
