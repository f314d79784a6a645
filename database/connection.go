package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the durable store. The URL selects the driver:
// "sqlite://path/to/file.db" opens SQLite, anything else is treated as
// a Postgres DSN.
func Connect(url string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	sqliteMode := false

	if path, ok := strings.CutPrefix(url, "sqlite://"); ok {
		dialector = sqlite.Open(path)
		sqliteMode = true
	} else {
		dialector = postgres.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("Connect: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("Connect: %w", err)
	}
	if sqliteMode {
		// SQLite allows one writer; funnel everything through it.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	log.Info().Bool("sqlite", sqliteMode).Msg("Connected to database")
	return db, nil
}

// InitSchema creates or migrates all tables and seeds the system
// state rows the kill switch depends on.
func InitSchema(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Signal{},
		&Position{},
		&ExecutionLog{},
		&DailyStats{},
		&Blacklist{},
		&SystemState{},
		&Heartbeat{},
	)
	if err != nil {
		return fmt.Errorf("InitSchema: %w", err)
	}

	seeds := []SystemState{
		{Key: "trading_enabled", Value: "true", ValueType: "bool", Description: "Global kill switch; false blocks all dispatch"},
		{Key: "kill_switch_reason", Value: "", ValueType: "string", Description: "Why the kill switch was last activated"},
		{Key: "kill_switch_activated_at", Value: "", ValueType: "string", Description: "When the kill switch was last activated"},
		{Key: "kill_switch_activated_by", Value: "", ValueType: "string", Description: "Actor that activated the kill switch"},
	}
	for _, s := range seeds {
		if err := db.Where(SystemState{Key: s.Key}).FirstOrCreate(&s).Error; err != nil {
			return fmt.Errorf("InitSchema: seed %s: %w", s.Key, err)
		}
	}
	return nil
}
