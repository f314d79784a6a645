// Package notifications fans alerts out to Slack (one webhook per
// severity level) and email (ERROR and CRITICAL only), with a
// cache-backed frequency limiter so a flapping condition does not
// flood the channels.
package notifications

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"kabuto-relay/cache"
)

// Severity levels, lowest to highest.
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// limitRetention is how long a last-sent timestamp is kept around,
// independent of the per-level suppression windows.
const limitRetention = 24 * time.Hour

// Limiter suppresses repeats of the same (level, title) alert within a
// per-level window, keyed on the last-sent timestamp in the ephemeral
// store. CRITICAL alerts are never suppressed. Fails open: a cache
// outage must not silence alerting.
type Limiter struct {
	store  cache.Store
	limits map[string]time.Duration // level -> window
	now    func() time.Time
}

// NewLimiter builds a limiter from per-level windows in minutes.
func NewLimiter(store cache.Store, limitMinutes map[string]int) *Limiter {
	limits := make(map[string]time.Duration, len(limitMinutes))
	for level, minutes := range limitMinutes {
		limits[level] = time.Duration(minutes) * time.Minute
	}
	return &Limiter{store: store, limits: limits, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func limitKey(level, title string) string {
	sum := sha256.Sum256([]byte(title))
	return fmt.Sprintf("notify_limit:%s:%s", level, hex.EncodeToString(sum[:8]))
}

// Allow reports whether an alert with this level and title should be
// sent now, and records the send if so.
func (l *Limiter) Allow(ctx context.Context, level, title string) bool {
	if level == LevelCritical {
		return true
	}
	window, ok := l.limits[level]
	if !ok || window <= 0 {
		return true
	}

	key := limitKey(level, title)
	now := l.now()
	last, err := l.store.Get(ctx, key)
	if err != nil && err != cache.ErrNotFound {
		log.Warn().Err(err).Msg("Notification limiter check failed, failing open")
		return true
	}
	if err == nil {
		if sent, perr := time.Parse(time.RFC3339Nano, last); perr == nil && now.Sub(sent) < window {
			return false
		}
	}
	if err := l.store.Set(ctx, key, now.Format(time.RFC3339Nano), limitRetention); err != nil {
		log.Warn().Err(err).Msg("Notification limiter mark failed")
	}
	return true
}
