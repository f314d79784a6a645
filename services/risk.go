package services

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"kabuto-relay/config"
	"kabuto-relay/database"
	"kabuto-relay/database/positions"
	"kabuto-relay/database/stats"
)

// AutoTriggerActor is recorded as the kill switch activator when a
// risk limit, not a human, threw it.
const AutoTriggerActor = "auto_trigger"

// ReconcileOutcome summarizes what one execution report changed.
type ReconcileOutcome struct {
	Execution   *database.ExecutionLog `json:"execution"`
	Position    *database.Position     `json:"position,omitempty"`
	DailyStats  *database.DailyStats   `json:"daily_stats"`
	RealizedPnL *float64               `json:"realized_pnl,omitempty"`
	KillSwitch  string                 `json:"kill_switch_triggered,omitempty"`
	Blacklisted string                 `json:"blacklisted,omitempty"`
}

// autoBlacklistExpiry is how long a loss-streak ban lasts.
const autoBlacklistExpiry = 30 * 24 * time.Hour

// RiskService reconciles execution reports into positions, the
// execution log and daily stats, and throws the kill switch when a
// hard limit trips. All writes for one report happen in the caller's
// transaction.
type RiskService struct {
	cfg config.RiskControlConfig
	loc *time.Location
}

// NewRiskService creates a new risk service
func NewRiskService(cfg config.RiskControlConfig, loc *time.Location) *RiskService {
	return &RiskService{cfg: cfg, loc: loc}
}

// NewExecutionID builds the execution log identifier:
// EXE_<YYYYMMDD_HHMMSS>_<ticker>.
func NewExecutionID(t time.Time, ticker string) string {
	return fmt.Sprintf("EXE_%s_%s", t.Format("20060102_150405"), ticker)
}

// ReconcileExecution folds one fill into the books: append to the
// execution log, mutate the position, bump daily stats, then evaluate
// the auto kill-switch predicates. tx must be an open transaction so
// a failure leaves no partial state.
func (s *RiskService) ReconcileExecution(tx *gorm.DB, signal *database.Signal, quantity int, price float64, orderID string, executedAt time.Time) (*ReconcileOutcome, error) {
	posRepo := positions.NewRepository(tx)
	statsRepo := stats.NewRepository(tx)

	outcome := &ReconcileOutcome{}

	// Realized PnL is known only for sells, against the position's
	// weighted-average cost before this fill.
	var realizedPnL *float64
	if signal.Action == database.ActionSell {
		pos, err := posRepo.Get(signal.Ticker)
		if err != nil {
			return nil, fmt.Errorf("ReconcileExecution: %w", err)
		}
		if pos != nil {
			qty := quantity
			if qty > pos.Quantity {
				qty = pos.Quantity
			}
			pnl := (price - pos.AvgCost) * float64(qty)
			realizedPnL = &pnl
		} else {
			log.Warn().Str("ticker", signal.Ticker).Str("signal_id", signal.SignalID).
				Msg("Sell execution with no tracked position")
		}
	}
	outcome.RealizedPnL = realizedPnL

	positionEffect := "open"
	if signal.Action == database.ActionSell {
		positionEffect = "close"
	}
	execution := &database.ExecutionLog{
		ExecutionID:    NewExecutionID(executedAt.In(s.loc), signal.Ticker),
		SignalID:       signal.SignalID,
		OrderID:        orderID,
		Action:         signal.Action,
		Ticker:         signal.Ticker,
		Quantity:       quantity,
		Price:          price,
		TotalAmount:    price * float64(quantity),
		PositionEffect: positionEffect,
		RealizedPnL:    realizedPnL,
		ExecutedAt:     executedAt,
	}
	if err := tx.Create(execution).Error; err != nil {
		return nil, fmt.Errorf("ReconcileExecution: %w", err)
	}
	outcome.Execution = execution

	var pos *database.Position
	var err error
	if signal.Action == database.ActionBuy {
		pos, err = posRepo.ApplyBuy(signal.Ticker, signal.SignalID, quantity, price, executedAt)
	} else {
		pos, err = posRepo.ApplySell(signal.Ticker, quantity)
	}
	if err != nil {
		return nil, fmt.Errorf("ReconcileExecution: %w", err)
	}
	outcome.Position = pos

	day, err := statsRepo.RecordFill(executedAt.In(s.loc), signal.Action, realizedPnL, 0)
	if err != nil {
		return nil, fmt.Errorf("ReconcileExecution: %w", err)
	}
	outcome.DailyStats = day

	// A losing exit can push the ticker's own streak over the
	// auto-blacklist threshold.
	if s.cfg.AutoBlacklistLosses > 0 && realizedPnL != nil && *realizedPnL < 0 {
		streak, err := tickerLossStreak(tx, signal.Ticker, s.cfg.AutoBlacklistLosses)
		if err != nil {
			return nil, fmt.Errorf("ReconcileExecution: %w", err)
		}
		if streak >= s.cfg.AutoBlacklistLosses {
			reason := fmt.Sprintf("Auto-blacklisted after %d consecutive losses", streak)
			expires := executedAt.Add(autoBlacklistExpiry)
			if _, err := NewBlacklistService(tx).Add(signal.Ticker, reason,
				database.BlacklistDynamic, "auto", &expires, executedAt); err != nil {
				return nil, fmt.Errorf("ReconcileExecution: %w", err)
			}
			outcome.Blacklisted = reason
		}
	}

	if reason := s.autoKillReason(day); reason != "" {
		killSwitch := NewKillSwitchService(tx)
		if err := killSwitch.Activate(reason, AutoTriggerActor, executedAt); err != nil {
			return nil, fmt.Errorf("ReconcileExecution: %w", err)
		}
		outcome.KillSwitch = reason
	}

	return outcome, nil
}

// tickerLossStreak counts the ticker's most recent consecutive losing
// sell fills, stopping at the first winner. Only the last max fills
// matter, so the scan is capped there.
func tickerLossStreak(tx *gorm.DB, ticker string, max int) (int, error) {
	var fills []database.ExecutionLog
	err := tx.
		Where("ticker = ? AND action = ? AND realized_pnl IS NOT NULL", ticker, database.ActionSell).
		Order("executed_at DESC, id DESC").
		Limit(max).
		Find(&fills).Error
	if err != nil {
		return 0, fmt.Errorf("tickerLossStreak: %w", err)
	}
	streak := 0
	for _, f := range fills {
		if f.RealizedPnL == nil || *f.RealizedPnL >= 0 {
			break
		}
		streak++
	}
	return streak, nil
}

// autoKillReason evaluates the automatic kill-switch predicates
// against today's stats. Empty means no trip.
func (s *RiskService) autoKillReason(day *database.DailyStats) string {
	if s.cfg.MaxConsecutiveLosses > 0 && day.ConsecutiveLosses >= s.cfg.MaxConsecutiveLosses {
		return fmt.Sprintf("consecutive losses reached %d", day.ConsecutiveLosses)
	}
	if s.cfg.MaxDailyLoss < 0 && day.TotalPnL <= s.cfg.MaxDailyLoss {
		return fmt.Sprintf("daily loss %.0f breached limit %.0f", day.TotalPnL, s.cfg.MaxDailyLoss)
	}
	if s.cfg.MaxDailyTrades > 0 && day.TotalTrades >= s.cfg.MaxDailyTrades {
		return fmt.Sprintf("daily trade count reached %d", day.TotalTrades)
	}
	return ""
}
