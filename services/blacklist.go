package services

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"kabuto-relay/database"
)

// BlacklistService manages banned tickers. Temporary entries expire
// lazily: an expired row is deleted the next time anything asks about
// its ticker.
type BlacklistService struct {
	db *gorm.DB
}

// NewBlacklistService creates a new blacklist service
func NewBlacklistService(db *gorm.DB) *BlacklistService {
	return &BlacklistService{db: db}
}

// IsBlacklisted reports whether ticker is currently banned, pruning an
// expired entry on the way.
func (s *BlacklistService) IsBlacklisted(ticker string, now time.Time) (bool, *database.Blacklist, error) {
	var entry database.Blacklist
	err := s.db.Where("ticker = ?", ticker).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("IsBlacklisted: %w", err)
	}

	if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
		if err := s.db.Delete(&entry).Error; err != nil {
			return false, nil, fmt.Errorf("IsBlacklisted: prune expired: %w", err)
		}
		log.Info().Str("ticker", ticker).Msg("Blacklist entry expired, removed")
		return false, nil, nil
	}
	return true, &entry, nil
}

// Add bans a ticker. Re-adding an existing ticker replaces the entry.
// expiresAt nil means permanent.
func (s *BlacklistService) Add(ticker, reason, blacklistType, addedBy string, expiresAt *time.Time, now time.Time) (*database.Blacklist, error) {
	entry := database.Blacklist{
		Ticker:        ticker,
		Reason:        reason,
		BlacklistType: blacklistType,
		AddedAt:       now,
		ExpiresAt:     expiresAt,
		AddedBy:       addedBy,
	}
	err := s.db.Where(database.Blacklist{Ticker: ticker}).
		Assign(map[string]interface{}{
			"reason":         reason,
			"blacklist_type": blacklistType,
			"added_at":       now,
			"expires_at":     expiresAt,
			"added_by":       addedBy,
		}).
		FirstOrCreate(&entry).Error
	if err != nil {
		return nil, fmt.Errorf("Add: %w", err)
	}

	log.Warn().Str("ticker", ticker).Str("reason", reason).Str("type", blacklistType).Msg("Ticker blacklisted")
	return &entry, nil
}

// Remove lifts the ban on a ticker. Returns false when it was not
// banned.
func (s *BlacklistService) Remove(ticker string) (bool, error) {
	res := s.db.Where("ticker = ?", ticker).Delete(&database.Blacklist{})
	if res.Error != nil {
		return false, fmt.Errorf("Remove: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// List returns all entries, pruning any that expired.
func (s *BlacklistService) List(now time.Time) ([]database.Blacklist, error) {
	if err := s.db.Where("expires_at IS NOT NULL AND expires_at <= ?", now).Delete(&database.Blacklist{}).Error; err != nil {
		return nil, fmt.Errorf("List: prune expired: %w", err)
	}
	var entries []database.Blacklist
	if err := s.db.Order("added_at DESC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return entries, nil
}
