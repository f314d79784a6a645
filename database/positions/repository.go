// Package positions tracks currently held tickers. Positions are
// reconciled from execution reports: buys create or grow a row with a
// weighted-average cost, sells shrink it and delete it at zero.
package positions

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"kabuto-relay/database"
)

// Repository handles database operations for positions
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new positions repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Get retrieves the position for a ticker. Returns nil when flat.
func (r *Repository) Get(ticker string) (*database.Position, error) {
	var pos database.Position
	err := r.db.Where("ticker = ?", ticker).First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return &pos, nil
}

// GetAll returns every open position.
func (r *Repository) GetAll() ([]database.Position, error) {
	var positions []database.Position
	if err := r.db.Order("ticker ASC").Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("GetAll: %w", err)
	}
	return positions, nil
}

// Count returns the number of open positions.
func (r *Repository) Count() (int64, error) {
	var n int64
	if err := r.db.Model(&database.Position{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("Count: %w", err)
	}
	return n, nil
}

// TotalExposure sums quantity * avg_cost over all open positions.
func (r *Repository) TotalExposure() (float64, error) {
	var total *float64
	err := r.db.Model(&database.Position{}).
		Select("SUM(quantity * avg_cost)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("TotalExposure: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// ApplyBuy folds a buy fill into the position for the ticker, creating
// it if flat. An existing position gets a weighted-average cost:
// (oldQty*oldAvg + qty*price) / (oldQty+qty).
func (r *Repository) ApplyBuy(ticker, signalID string, quantity int, price float64, executedAt time.Time) (*database.Position, error) {
	pos, err := r.Get(ticker)
	if err != nil {
		return nil, fmt.Errorf("ApplyBuy: %w", err)
	}

	if pos == nil {
		pos = &database.Position{
			Ticker:        ticker,
			Quantity:      quantity,
			AvgCost:       price,
			EntrySignalID: signalID,
			EntryDate:     executedAt,
		}
		if err := r.db.Create(pos).Error; err != nil {
			return nil, fmt.Errorf("ApplyBuy: %w", err)
		}
		return pos, nil
	}

	newQty := pos.Quantity + quantity
	pos.AvgCost = (float64(pos.Quantity)*pos.AvgCost + float64(quantity)*price) / float64(newQty)
	pos.Quantity = newQty
	if err := r.db.Save(pos).Error; err != nil {
		return nil, fmt.Errorf("ApplyBuy: %w", err)
	}
	return pos, nil
}

// ApplySell reduces the position by a sell fill. Selling the full
// quantity (or more) deletes the row. Selling with no position is a
// no-op that returns nil; the reconciler logs it as an anomaly.
func (r *Repository) ApplySell(ticker string, quantity int) (*database.Position, error) {
	pos, err := r.Get(ticker)
	if err != nil {
		return nil, fmt.Errorf("ApplySell: %w", err)
	}
	if pos == nil {
		return nil, nil
	}

	if quantity >= pos.Quantity {
		if err := r.db.Delete(pos).Error; err != nil {
			return nil, fmt.Errorf("ApplySell: %w", err)
		}
		pos.Quantity = 0
		return pos, nil
	}

	pos.Quantity -= quantity
	if err := r.db.Save(pos).Error; err != nil {
		return nil, fmt.Errorf("ApplySell: %w", err)
	}
	return pos, nil
}
