package services

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"kabuto-relay/database"
)

// DayTradingService blocks same-day re-entry: buying a ticker that was
// already sold today. Buy-then-sell the same day (a normal exit) is
// allowed; the restriction only cuts the sell-then-buy direction.
type DayTradingService struct {
	db  *gorm.DB
	loc *time.Location
}

// NewDayTradingService creates a new day trading service
func NewDayTradingService(db *gorm.DB, loc *time.Location) *DayTradingService {
	return &DayTradingService{db: db, loc: loc}
}

// CheckReentry reports whether a buy of ticker at time now would
// re-enter a position sold earlier the same exchange day. Sells never
// violate.
func (s *DayTradingService) CheckReentry(action, ticker string, now time.Time) (violation bool, err error) {
	if action != database.ActionBuy {
		return false, nil
	}

	local := now.In(s.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)

	var n int64
	err = s.db.Model(&database.ExecutionLog{}).
		Where("ticker = ? AND action = ? AND executed_at >= ?", ticker, database.ActionSell, dayStart).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("CheckReentry: %w", err)
	}
	return n > 0, nil
}
