package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"kabuto-relay/database"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.InitSchema(db))
	return NewRepository(db)
}

func TestGetOrCreateConverges(t *testing.T) {
	repo := testRepo(t)
	day := time.Date(2025, 6, 16, 10, 30, 0, 0, time.UTC)

	a, err := repo.GetOrCreate(day)
	require.NoError(t, err)
	// Any time on the same calendar day maps to the same row
	b, err := repo.GetOrCreate(day.Add(4 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	other, err := repo.GetOrCreate(day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID)
}

func TestGetAbsentDay(t *testing.T) {
	repo := testRepo(t)
	got, err := repo.Get(time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordFillCounters(t *testing.T) {
	repo := testRepo(t)
	day := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)

	stats, err := repo.RecordFill(day, database.ActionBuy, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, 0, stats.ExitCount)
	assert.Equal(t, 1, stats.TotalTrades)

	pnl := 5000.0
	stats, err = repo.RecordFill(day, database.ActionSell, &pnl, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ExitCount)
	assert.Equal(t, 2, stats.TotalTrades)
	assert.Equal(t, 5000.0, stats.TotalPnL)
	assert.Equal(t, 100.0, stats.TotalCommission)
	assert.Equal(t, 1, stats.ConsecutiveWins)
	assert.Equal(t, 0, stats.ConsecutiveLosses)
}

func TestRecordFillStreaks(t *testing.T) {
	repo := testRepo(t)
	day := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)

	loss := -1000.0
	win := 2000.0

	for i := 0; i < 3; i++ {
		_, err := repo.RecordFill(day, database.ActionSell, &loss, 0)
		require.NoError(t, err)
	}
	stats, err := repo.Get(day)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ConsecutiveLosses)
	assert.Equal(t, 0, stats.ConsecutiveWins)

	// A win resets the loss streak
	stats, err = repo.RecordFill(day, database.ActionSell, &win, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ConsecutiveLosses)
	assert.Equal(t, 1, stats.ConsecutiveWins)
	assert.InDelta(t, -1000.0, stats.TotalPnL, 1e-9)

	// Flat PnL touches neither streak
	flat := 0.0
	stats, err = repo.RecordFill(day, database.ActionSell, &flat, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConsecutiveWins)
	assert.Equal(t, 0, stats.ConsecutiveLosses)
}

func TestRecordError(t *testing.T) {
	repo := testRepo(t)
	day := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordError(day))
	require.NoError(t, repo.RecordError(day))

	stats, err := repo.Get(day)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ErrorCount)
}

func TestHistoryOrder(t *testing.T) {
	repo := testRepo(t)
	base := time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := repo.GetOrCreate(base.AddDate(0, 0, i))
		require.NoError(t, err)
	}

	rows, err := repo.History(2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Date.After(rows[1].Date))
}
