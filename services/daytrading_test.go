package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kabuto-relay/database"
)

func TestDayTradingReentry(t *testing.T) {
	db := testDB(t)
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	s := NewDayTradingService(db, loc)

	now := time.Date(2025, 6, 16, 13, 30, 0, 0, loc)

	// Sold 7203 this morning
	require.NoError(t, db.Create(&database.ExecutionLog{
		ExecutionID: "EXE_20250616_100000_7203",
		SignalID:    "sig_a",
		Action:      database.ActionSell,
		Ticker:      "7203",
		Quantity:    100,
		Price:       1850,
		ExecutedAt:  time.Date(2025, 6, 16, 10, 0, 0, 0, loc),
	}).Error)

	// Re-buying the sold ticker the same day violates
	violation, err := s.CheckReentry(database.ActionBuy, "7203", now)
	require.NoError(t, err)
	assert.True(t, violation)

	// A different ticker is fine
	violation, err = s.CheckReentry(database.ActionBuy, "9984", now)
	require.NoError(t, err)
	assert.False(t, violation)

	// Sells never violate
	violation, err = s.CheckReentry(database.ActionSell, "7203", now)
	require.NoError(t, err)
	assert.False(t, violation)

	// The next day the restriction lifts
	violation, err = s.CheckReentry(database.ActionBuy, "7203", now.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.False(t, violation)
}

func TestDayTradingBuyThenSellAllowed(t *testing.T) {
	db := testDB(t)
	loc, _ := time.LoadLocation("Asia/Tokyo")
	s := NewDayTradingService(db, loc)

	now := time.Date(2025, 6, 16, 13, 30, 0, 0, loc)

	// Bought this morning; exiting the same day is a normal close.
	require.NoError(t, db.Create(&database.ExecutionLog{
		ExecutionID: "EXE_20250616_100000_7203",
		SignalID:    "sig_a",
		Action:      database.ActionBuy,
		Ticker:      "7203",
		Quantity:    100,
		Price:       1850,
		ExecutedAt:  time.Date(2025, 6, 16, 10, 0, 0, 0, loc),
	}).Error)

	violation, err := s.CheckReentry(database.ActionSell, "7203", now)
	require.NoError(t, err)
	assert.False(t, violation)
}
