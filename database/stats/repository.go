// Package stats maintains the per-day trading counters that back the
// daily-limit checks and the auto kill-switch predicates.
package stats

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kabuto-relay/database"
)

// Repository handles database operations for daily statistics
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new stats repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// dateOnly truncates to midnight so one row covers one calendar day.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetOrCreate returns the stats row for the given day, creating it if
// absent. Insert-or-ignore then reselect, so two concurrent callers
// converge on the same row instead of one of them failing the unique
// index.
func (r *Repository) GetOrCreate(day time.Time) (*database.DailyStats, error) {
	date := dateOnly(day)

	row := database.DailyStats{Date: date}
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return nil, fmt.Errorf("GetOrCreate: %w", err)
	}

	var stats database.DailyStats
	if err := r.db.Where("date = ?", date).First(&stats).Error; err != nil {
		return nil, fmt.Errorf("GetOrCreate: %w", err)
	}
	return &stats, nil
}

// Get returns the stats row for the given day, or nil when no trades
// happened that day.
func (r *Repository) Get(day time.Time) (*database.DailyStats, error) {
	var stats database.DailyStats
	err := r.db.Where("date = ?", dateOnly(day)).First(&stats).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return &stats, nil
}

// RecordFill bumps the day's counters for one execution: buys count as
// entries, sells as exits, both as trades. A non-nil realized PnL
// updates totals and the win/loss streaks.
func (r *Repository) RecordFill(day time.Time, action string, realizedPnL *float64, commission float64) (*database.DailyStats, error) {
	stats, err := r.GetOrCreate(day)
	if err != nil {
		return nil, fmt.Errorf("RecordFill: %w", err)
	}

	if action == database.ActionBuy {
		stats.EntryCount++
	} else {
		stats.ExitCount++
	}
	stats.TotalTrades++
	stats.TotalCommission += commission

	if realizedPnL != nil {
		stats.TotalPnL += *realizedPnL
		if *realizedPnL < 0 {
			stats.ConsecutiveLosses++
			stats.ConsecutiveWins = 0
		} else if *realizedPnL > 0 {
			stats.ConsecutiveWins++
			stats.ConsecutiveLosses = 0
		}
	}

	if err := r.db.Save(stats).Error; err != nil {
		return nil, fmt.Errorf("RecordFill: %w", err)
	}
	return stats, nil
}

// RecordError bumps the day's error counter.
func (r *Repository) RecordError(day time.Time) error {
	stats, err := r.GetOrCreate(day)
	if err != nil {
		return fmt.Errorf("RecordError: %w", err)
	}
	stats.ErrorCount++
	if err := r.db.Save(stats).Error; err != nil {
		return fmt.Errorf("RecordError: %w", err)
	}
	return nil
}

// History returns the most recent daily rows, newest first.
func (r *Repository) History(limit int) ([]database.DailyStats, error) {
	var rows []database.DailyStats
	query := r.db.Order("date DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return rows, nil
}
