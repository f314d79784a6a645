package services

import (
	"fmt"
	"regexp"
	"time"

	"kabuto-relay/config"
	"kabuto-relay/database"
	"kabuto-relay/database/positions"
	"kabuto-relay/database/stats"
)

var validTicker = regexp.MustCompile(`^\d{4}$`)

// Validator check names, in evaluation order.
const (
	CheckKillSwitch  = "kill_switch"
	CheckMarketHours = "market_hours"
	CheckParameters  = "parameters"
	CheckDayTrading  = "day_trading"
	CheckDailyLimits = "daily_limits"
	CheckRiskLimits  = "risk_limits"
)

// ValidationResult is the full pre-dispatch verdict. Checks maps each
// evaluated level to "OK" or "BLOCKED: <reason>"; levels after the
// first block are absent.
type ValidationResult struct {
	Allowed bool              `json:"allowed"`
	Reason  string            `json:"reason,omitempty"`
	Checks  map[string]string `json:"checks"`
}

// ValidatorService runs the six-level gauntlet a fetched-for-dispatch
// signal must pass before an executor may act on it. Levels run in
// fixed order, cheapest and most absolute first, and evaluation stops
// at the first block.
type ValidatorService struct {
	killSwitch  *KillSwitchService
	marketHours *MarketHoursService
	dayTrading  *DayTradingService
	blacklist   *BlacklistService
	positions   *positions.Repository
	stats       *stats.Repository
	risk        config.RiskControlConfig
}

// NewValidatorService creates a new validator service
func NewValidatorService(
	killSwitch *KillSwitchService,
	marketHours *MarketHoursService,
	dayTrading *DayTradingService,
	blacklist *BlacklistService,
	positionsRepo *positions.Repository,
	statsRepo *stats.Repository,
	risk config.RiskControlConfig,
) *ValidatorService {
	return &ValidatorService{
		killSwitch:  killSwitch,
		marketHours: marketHours,
		dayTrading:  dayTrading,
		blacklist:   blacklist,
		positions:   positionsRepo,
		stats:       statsRepo,
		risk:        risk,
	}
}

// Validate runs all levels against a signal at dispatch time.
func (v *ValidatorService) Validate(signal *database.Signal, now time.Time) (*ValidationResult, error) {
	result := &ValidationResult{Allowed: true, Checks: make(map[string]string)}

	block := func(name, reason string) {
		result.Checks[name] = "BLOCKED: " + reason
		result.Allowed = false
		result.Reason = reason
	}
	pass := func(name string) {
		result.Checks[name] = "OK"
	}

	// Level 1: kill switch
	enabled, err := v.killSwitch.IsTradingEnabled()
	if err != nil {
		return nil, fmt.Errorf("Validate: %w", err)
	}
	if !enabled {
		block(CheckKillSwitch, "kill_switch_active")
		return result, nil
	}
	pass(CheckKillSwitch)

	// Level 2: market hours. Dispatch requires a safe window even if
	// ingress queued the signal off-hours.
	if !v.marketHours.InSafeWindow(now) {
		block(CheckMarketHours, fmt.Sprintf("outside_trading_hours (session %s)", v.marketHours.SessionAt(now)))
		return result, nil
	}
	pass(CheckMarketHours)

	// Level 3: parameter sanity, re-run against current state
	if reason, err := v.checkParameters(signal, now); err != nil {
		return nil, fmt.Errorf("Validate: %w", err)
	} else if reason != "" {
		block(CheckParameters, reason)
		return result, nil
	}
	pass(CheckParameters)

	// Level 4: day trading restriction
	violation, err := v.dayTrading.CheckReentry(signal.Action, signal.Ticker, now)
	if err != nil {
		return nil, fmt.Errorf("Validate: %w", err)
	}
	if violation {
		block(CheckDayTrading, fmt.Sprintf("same-day re-entry of %s blocked", signal.Ticker))
		return result, nil
	}
	pass(CheckDayTrading)

	// Level 5: daily limits
	if reason, err := v.checkDailyLimits(signal, now); err != nil {
		return nil, fmt.Errorf("Validate: %w", err)
	} else if reason != "" {
		block(CheckDailyLimits, reason)
		return result, nil
	}
	pass(CheckDailyLimits)

	// Level 6: risk limits
	if reason, err := v.checkRiskLimits(signal, now); err != nil {
		return nil, fmt.Errorf("Validate: %w", err)
	} else if reason != "" {
		block(CheckRiskLimits, reason)
		return result, nil
	}
	pass(CheckRiskLimits)

	return result, nil
}

// checkParameters re-runs the ingress sanity rules against current
// state. Blacklist and position are re-checked here because both can
// change between ingress and dispatch.
func (v *ValidatorService) checkParameters(signal *database.Signal, now time.Time) (string, error) {
	if signal.Action != database.ActionBuy && signal.Action != database.ActionSell {
		return fmt.Sprintf("unknown action %q", signal.Action), nil
	}
	if !validTicker.MatchString(signal.Ticker) {
		return fmt.Sprintf("ticker %q is not a 4-digit code", signal.Ticker), nil
	}
	if signal.Quantity < 100 || signal.Quantity > 10000 {
		return fmt.Sprintf("quantity %d outside allowed range [100, 10000]", signal.Quantity), nil
	}
	if signal.Quantity%100 != 0 {
		return fmt.Sprintf("quantity %d is not a round lot (multiple of 100)", signal.Quantity), nil
	}
	if signal.Price != "" && signal.Price != "market" {
		return fmt.Sprintf("price type %q not supported, only market orders dispatch", signal.Price), nil
	}
	if signal.EntryPrice <= 0 {
		return "entry price must be positive", nil
	}

	banned, entry, err := v.blacklist.IsBlacklisted(signal.Ticker, now)
	if err != nil {
		return "", err
	}
	if banned {
		return fmt.Sprintf("ticker_blacklisted (%s)", entry.Reason), nil
	}

	if signal.Action == database.ActionSell {
		pos, err := v.positions.Get(signal.Ticker)
		if err != nil {
			return "", err
		}
		if pos == nil {
			return fmt.Sprintf("no open position in %s", signal.Ticker), nil
		}
		if signal.Quantity > pos.Quantity {
			return fmt.Sprintf("sell quantity %d exceeds held %d", signal.Quantity, pos.Quantity), nil
		}
	}
	return "", nil
}

func (v *ValidatorService) checkDailyLimits(signal *database.Signal, now time.Time) (string, error) {
	day, err := v.stats.Get(now)
	if err != nil {
		return "", err
	}
	if day == nil {
		return "", nil
	}
	if v.risk.MaxDailyTrades > 0 && day.TotalTrades >= v.risk.MaxDailyTrades {
		return fmt.Sprintf("daily trade limit reached (%d/%d)", day.TotalTrades, v.risk.MaxDailyTrades), nil
	}
	if signal.Action == database.ActionBuy && v.risk.MaxDailyEntries > 0 && day.EntryCount >= v.risk.MaxDailyEntries {
		return fmt.Sprintf("daily entry limit reached (%d/%d)", day.EntryCount, v.risk.MaxDailyEntries), nil
	}
	return "", nil
}

// checkRiskLimits projects the exposure a buy would create. No fill
// exists yet, so the projection uses the signal's entry price when
// present and the configured per-share estimate otherwise. Sells only
// reduce exposure and skip this level entirely.
func (v *ValidatorService) checkRiskLimits(signal *database.Signal, now time.Time) (string, error) {
	if signal.Action != database.ActionBuy {
		return "", nil
	}

	if v.risk.MaxDailyLoss < 0 {
		day, err := v.stats.Get(now)
		if err != nil {
			return "", err
		}
		if day != nil && day.TotalPnL <= v.risk.MaxDailyLoss {
			return fmt.Sprintf("daily loss limit reached (%.0f <= %.0f)", day.TotalPnL, v.risk.MaxDailyLoss), nil
		}
	}

	price := signal.EntryPrice
	if price <= 0 {
		price = v.risk.EstimatedPricePerShare
	}
	projected := float64(signal.Quantity) * price

	if v.risk.MaxPositionPerTicker > 0 {
		existing := 0.0
		if pos, err := v.positions.Get(signal.Ticker); err != nil {
			return "", err
		} else if pos != nil {
			existing = float64(pos.Quantity) * pos.AvgCost
		}
		if existing+projected > v.risk.MaxPositionPerTicker {
			return fmt.Sprintf("position limit for %s exceeded (%.0f > %.0f)", signal.Ticker, existing+projected, v.risk.MaxPositionPerTicker), nil
		}
	}

	if v.risk.MaxOpenPositions > 0 {
		n, err := v.positions.Count()
		if err != nil {
			return "", err
		}
		pos, err := v.positions.Get(signal.Ticker)
		if err != nil {
			return "", err
		}
		// Adding to an existing position does not open a new one.
		if pos == nil && n >= int64(v.risk.MaxOpenPositions) {
			return fmt.Sprintf("open position limit reached (%d)", v.risk.MaxOpenPositions), nil
		}
	}

	if v.risk.MaxTotalExposure > 0 {
		total, err := v.positions.TotalExposure()
		if err != nil {
			return "", err
		}
		if total+projected > v.risk.MaxTotalExposure {
			return fmt.Sprintf("total exposure limit exceeded (%.0f > %.0f)", total+projected, v.risk.MaxTotalExposure), nil
		}
	}

	return "", nil
}
