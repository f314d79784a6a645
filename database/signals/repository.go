// Package signals persists trading signals and drives their state
// machine: pending -> fetched -> executed, with failed and expired as
// terminal branches.
package signals

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"kabuto-relay/database"
)

// Repository handles database operations for signals
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new signals repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create persists a new signal.
func (r *Repository) Create(signal *database.Signal) error {
	if err := r.db.Create(signal).Error; err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// GetByID retrieves a signal by its signal_id. Returns nil when absent.
func (r *Repository) GetByID(signalID string) (*database.Signal, error) {
	var signal database.Signal
	err := r.db.Where("signal_id = ?", signalID).First(&signal).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return &signal, nil
}

// GetPending returns non-expired pending signals, oldest first.
func (r *Repository) GetPending(now time.Time, limit int) ([]database.Signal, error) {
	var signals []database.Signal
	query := r.db.
		Where("state = ?", database.StatePending).
		Where("expires_at > ?", now).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&signals).Error; err != nil {
		return nil, fmt.Errorf("GetPending: %w", err)
	}
	return signals, nil
}

// CountPending counts pending signals regardless of expiry. Backs the
// backlog cap on webhook ingress.
func (r *Repository) CountPending() (int64, error) {
	var n int64
	err := r.db.Model(&database.Signal{}).
		Where("state = ?", database.StatePending).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("CountPending: %w", err)
	}
	return n, nil
}

// MarkFetched transitions pending -> fetched atomically. Returns false
// when the signal was not pending (already claimed, expired, missing);
// the compare-and-swap lives in the WHERE clause.
func (r *Repository) MarkFetched(signalID, clientID string, now time.Time) (bool, error) {
	res := r.db.Model(&database.Signal{}).
		Where("signal_id = ? AND state = ?", signalID, database.StatePending).
		Updates(map[string]interface{}{
			"state":      database.StateFetched,
			"fetched_by": clientID,
			"fetched_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("MarkFetched: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkExecuted transitions fetched -> executed. Same CAS shape as
// MarkFetched.
func (r *Repository) MarkExecuted(signalID string, executionPrice float64, orderID string, now time.Time) (bool, error) {
	res := r.db.Model(&database.Signal{}).
		Where("signal_id = ? AND state = ?", signalID, database.StateFetched).
		Updates(map[string]interface{}{
			"state":           database.StateExecuted,
			"execution_price": executionPrice,
			"order_id":        orderID,
			"executed_at":     now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("MarkExecuted: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed transitions a non-terminal signal to failed, recording
// the reported error message. A failure report may land before the
// ack, so pending qualifies as well as fetched.
func (r *Repository) MarkFailed(signalID, errorMessage string) (bool, error) {
	res := r.db.Model(&database.Signal{}).
		Where("signal_id = ? AND state IN ?", signalID,
			[]string{database.StatePending, database.StateFetched}).
		Updates(map[string]interface{}{
			"state":         database.StateFailed,
			"error_message": errorMessage,
		})
	if res.Error != nil {
		return false, fmt.Errorf("MarkFailed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ExpireStale flips pending signals past their deadline to expired and
// returns them for audit logging.
func (r *Repository) ExpireStale(now time.Time) ([]database.Signal, error) {
	var stale []database.Signal
	err := r.db.
		Where("state = ? AND expires_at <= ?", database.StatePending, now).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("ExpireStale: %w", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]string, len(stale))
	for i, s := range stale {
		ids[i] = s.SignalID
	}
	err = r.db.Model(&database.Signal{}).
		Where("signal_id IN ? AND state = ?", ids, database.StatePending).
		Update("state", database.StateExpired).Error
	if err != nil {
		return nil, fmt.Errorf("ExpireStale: %w", err)
	}
	return stale, nil
}

// List retrieves signals with optional state/ticker filters, newest
// first. Backs the admin listing endpoint.
func (r *Repository) List(state, ticker string, limit int) ([]database.Signal, error) {
	var signals []database.Signal
	query := r.db.Order("created_at DESC")
	if state != "" {
		query = query.Where("state = ?", state)
	}
	if ticker != "" {
		query = query.Where("ticker = ?", ticker)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&signals).Error; err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return signals, nil
}

// CountByState returns signal counts grouped by state.
func (r *Repository) CountByState() (map[string]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var rows []row
	err := r.db.Model(&database.Signal{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("CountByState: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}
