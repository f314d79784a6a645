// Package database provides the durable store for the relay server:
// GORM connection management and the table models in §signals through
// §heartbeat. Per-entity repositories live in sub-packages
// (database/signals, database/positions, database/stats).
package database

import (
	"time"

	"gorm.io/datatypes"
)

// Signal lifecycle states. Stored lowercase.
const (
	StatePending  = "pending"
	StateFetched  = "fetched"
	StateExecuted = "executed"
	StateFailed   = "failed"
	StateExpired  = "expired"
)

// Trade actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

// Blacklist entry types.
const (
	BlacklistPermanent = "permanent"
	BlacklistTemporary = "temporary"
	BlacklistDynamic   = "dynamic"
)

// Signal is the central entity: a trading intent received from the
// charting platform, progressing through the state machine
// pending -> fetched -> executed (or failed / expired).
type Signal struct {
	SignalID   string   `gorm:"primaryKey;size:100" json:"signal_id"`
	Action     string   `gorm:"size:10;not null" json:"action"`
	Ticker     string   `gorm:"size:10;index;not null" json:"ticker"`
	Quantity   int      `gorm:"not null" json:"quantity"`
	Price      string   `gorm:"size:20;default:market" json:"price"`
	EntryPrice float64  `gorm:"not null" json:"entry_price"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	ATR        *float64 `gorm:"column:atr" json:"atr,omitempty"`
	RRRatio    *float64 `gorm:"column:rr_ratio" json:"rr_ratio,omitempty"`
	RSI        *float64 `gorm:"column:rsi" json:"rsi,omitempty"`

	// State management
	State          string     `gorm:"size:20;index;default:pending" json:"state"`
	FetchedBy      string     `gorm:"size:50" json:"fetched_by,omitempty"`
	FetchedAt      *time.Time `json:"fetched_at,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	ExecutionPrice *float64   `json:"execution_price,omitempty"`
	OrderID        string     `gorm:"size:100" json:"order_id,omitempty"`

	// Metadata. Checksum is computed at creation and never rewritten.
	Checksum        string    `gorm:"size:50" json:"checksum"`
	PassphraseValid bool      `gorm:"default:false" json:"-"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	ExpiresAt       time.Time `gorm:"index" json:"expires_at"`
	UpdatedAt       time.Time `json:"-"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
}

// TableName specifies the table name for Signal
func (Signal) TableName() string {
	return "signals"
}

// Position is one row per currently held ticker. Created on the first
// buy fill, deleted when quantity reaches zero.
type Position struct {
	ID         int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Ticker     string  `gorm:"size:10;uniqueIndex;not null" json:"ticker"`
	TickerName string  `gorm:"size:100" json:"ticker_name,omitempty"`
	Quantity   int     `gorm:"not null" json:"quantity"`
	AvgCost    float64 `gorm:"not null" json:"avg_cost"`
	Sector     string  `gorm:"size:50" json:"sector,omitempty"`

	EntrySignalID string    `gorm:"size:100" json:"entry_signal_id"`
	EntryDate     time.Time `json:"entry_date"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// TableName specifies the table name for Position
func (Position) TableName() string {
	return "positions"
}

// ExecutionLog is the immutable audit record of every fill. Written in
// the same transaction that mutates Position and DailyStats.
type ExecutionLog struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ExecutionID string `gorm:"size:100;uniqueIndex;not null" json:"execution_id"`
	SignalID    string `gorm:"size:100;index;not null" json:"signal_id"`
	OrderID     string `gorm:"size:100;index" json:"order_id"`

	Action      string  `gorm:"size:10;not null" json:"action"`
	Ticker      string  `gorm:"size:10;index;not null" json:"ticker"`
	Quantity    int     `gorm:"not null" json:"quantity"`
	Price       float64 `gorm:"not null" json:"price"`
	Commission  float64 `gorm:"default:0" json:"commission"`
	TotalAmount float64 `json:"total_amount"`

	// position_effect is derived from action (buy=open, sell=close);
	// wrong for partial scale-outs, kept for executor compatibility.
	PositionEffect string   `gorm:"size:10" json:"position_effect"`
	RealizedPnL    *float64 `gorm:"column:realized_pnl" json:"realized_pnl,omitempty"`

	ExecutedAt time.Time `gorm:"index;not null" json:"executed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName specifies the table name for ExecutionLog
func (ExecutionLog) TableName() string {
	return "execution_log"
}

// DailyStats holds per-calendar-day counters backing the daily-limit
// and auto-kill predicates. One row per date, created lazily on the
// first trade of the day.
type DailyStats struct {
	ID   int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Date time.Time `gorm:"uniqueIndex;not null" json:"date"`

	EntryCount  int `gorm:"default:0" json:"entry_count"`
	ExitCount   int `gorm:"default:0" json:"exit_count"`
	TotalTrades int `gorm:"default:0" json:"total_trades"`
	ErrorCount  int `gorm:"default:0" json:"error_count"`

	TotalPnL          float64 `gorm:"column:total_pnl;default:0" json:"total_pnl"`
	TotalCommission   float64 `gorm:"default:0" json:"total_commission"`
	ConsecutiveLosses int     `gorm:"default:0" json:"consecutive_losses"`
	ConsecutiveWins   int     `gorm:"default:0" json:"consecutive_wins"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// TableName specifies the table name for DailyStats
func (DailyStats) TableName() string {
	return "daily_stats"
}

// Blacklist is a banned ticker. Entries with a past expires_at are
// removed lazily on lookup.
type Blacklist struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Ticker        string         `gorm:"size:10;uniqueIndex;not null" json:"ticker"`
	TickerName    string         `gorm:"size:100" json:"ticker_name,omitempty"`
	Reason        string         `gorm:"type:text;not null" json:"reason"`
	BlacklistType string         `gorm:"size:20;not null" json:"type"`
	AddedAt       time.Time      `json:"added_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	AddedBy       string         `gorm:"size:50;default:auto" json:"added_by"`
	Metadata      datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
}

// TableName specifies the table name for Blacklist
func (Blacklist) TableName() string {
	return "blacklist"
}

// SystemState is a typed key/value row for global flags, notably
// trading_enabled and the kill-switch audit fields.
type SystemState struct {
	Key         string `gorm:"primaryKey;size:50" json:"key"`
	Value       string `gorm:"type:text;not null" json:"value"`
	ValueType   string `gorm:"size:20;default:string" json:"value_type"` // string / int / float / bool / json
	Description string `gorm:"type:text" json:"description,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for SystemState
func (SystemState) TableName() string {
	return "system_state"
}

// Heartbeat tracks executor client liveness, one row per client_id.
type Heartbeat struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientID      string    `gorm:"size:50;uniqueIndex;not null" json:"client_id"`
	LastHeartbeat time.Time `gorm:"not null" json:"last_heartbeat"`
	Status        string    `gorm:"size:20;default:active" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// TableName specifies the table name for Heartbeat
func (Heartbeat) TableName() string {
	return "heartbeat"
}
