package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"kabuto-relay/config"
)

// Market session labels for the Tokyo Stock Exchange day.
const (
	SessionPreMarket        = "PRE_MARKET"
	SessionMorningAuction   = "MORNING_AUCTION"
	SessionMorningTrading   = "MORNING_TRADING"
	SessionLunchBreak       = "LUNCH_BREAK"
	SessionAfternoonAuction = "AFTERNOON_AUCTION"
	SessionAfternoonTrading = "AFTERNOON_TRADING"
	SessionPostMarket       = "POST_MARKET"
	SessionClosed           = "CLOSED"
)

// Decisions for a signal arriving outside a safe window.
const (
	DecisionAccept = "ACCEPT"
	DecisionQueue  = "QUEUE"
	DecisionReject = "REJECT"
)

// minuteOfDay converts "HH:MM" to minutes since midnight.
func minuteOfDay(hhmm string) (int, error) {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("minuteOfDay: invalid time %q", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("minuteOfDay: %w", err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("minuteOfDay: %w", err)
	}
	return h*60 + m, nil
}

// window is a half-open [start, end) range in minutes since midnight.
type window struct {
	start, end int
}

func (w window) contains(min int) bool {
	return min >= w.start && min < w.end
}

// MarketHoursService answers "is now a good time to trade" for the
// Tokyo exchange: session labels, trading-day calendar and the
// configured safe windows that avoid auctions and the open/close churn.
type MarketHoursService struct {
	loc            *time.Location
	morning        window
	afternoon      window
	offHoursAction string
	extraHolidays  map[string]bool // "YYYY-MM-DD"
}

// NewMarketHoursService builds the service from config. The config is
// validated at load time, so window parse errors here mean a bug.
func NewMarketHoursService(cfg config.MarketHoursConfig) (*MarketHoursService, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("NewMarketHoursService: %w", err)
	}

	parseWindow := func(w config.TradingWindow) (window, error) {
		start, err := minuteOfDay(w.Start)
		if err != nil {
			return window{}, err
		}
		end, err := minuteOfDay(w.End)
		if err != nil {
			return window{}, err
		}
		if end <= start {
			return window{}, fmt.Errorf("window end %q not after start %q", w.End, w.Start)
		}
		return window{start: start, end: end}, nil
	}

	morning, err := parseWindow(cfg.MorningWindow)
	if err != nil {
		return nil, fmt.Errorf("NewMarketHoursService: morning window: %w", err)
	}
	afternoon, err := parseWindow(cfg.AfternoonWindow)
	if err != nil {
		return nil, fmt.Errorf("NewMarketHoursService: afternoon window: %w", err)
	}

	extras := make(map[string]bool, len(cfg.ExtraHolidays))
	for _, d := range cfg.ExtraHolidays {
		extras[d] = true
	}

	return &MarketHoursService{
		loc:            loc,
		morning:        morning,
		afternoon:      afternoon,
		offHoursAction: strings.ToUpper(cfg.OffHoursAction),
		extraHolidays:  extras,
	}, nil
}

// Location returns the exchange timezone.
func (s *MarketHoursService) Location() *time.Location {
	return s.loc
}

// fixedHolidays are the date-fixed Japanese public holidays plus the
// exchange's year-end closure. Movable holidays (Happy Monday system,
// equinoxes) come in through market_hours.extra_holidays.
var fixedHolidays = map[string]string{
	"01-01": "New Year's Day",
	"01-02": "Exchange Holiday",
	"01-03": "Exchange Holiday",
	"02-11": "National Foundation Day",
	"02-23": "Emperor's Birthday",
	"04-29": "Showa Day",
	"05-03": "Constitution Memorial Day",
	"05-04": "Greenery Day",
	"05-05": "Children's Day",
	"08-11": "Mountain Day",
	"11-03": "Culture Day",
	"11-23": "Labour Thanksgiving Day",
	"12-31": "Exchange Holiday",
}

// IsTradingDay reports whether the exchange is open at all on the day
// containing t.
func (s *MarketHoursService) IsTradingDay(t time.Time) bool {
	t = t.In(s.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if _, ok := fixedHolidays[t.Format("01-02")]; ok {
		return false
	}
	return !s.extraHolidays[t.Format("2006-01-02")]
}

// SessionAt labels the exchange session containing t.
func (s *MarketHoursService) SessionAt(t time.Time) string {
	t = t.In(s.loc)
	if !s.IsTradingDay(t) {
		return SessionClosed
	}
	min := t.Hour()*60 + t.Minute()
	switch {
	case min < 8*60:
		return SessionPreMarket
	case min < 9*60:
		return SessionMorningAuction
	case min < 11*60+30:
		return SessionMorningTrading
	case min < 12*60+30:
		return SessionLunchBreak
	case min < 12*60+35:
		return SessionAfternoonAuction
	case min < 15*60:
		return SessionAfternoonTrading
	default:
		return SessionPostMarket
	}
}

// InSafeWindow reports whether t falls inside one of the configured
// safe trading windows on a trading day.
func (s *MarketHoursService) InSafeWindow(t time.Time) bool {
	t = t.In(s.loc)
	if !s.IsTradingDay(t) {
		return false
	}
	min := t.Hour()*60 + t.Minute()
	return s.morning.contains(min) || s.afternoon.contains(min)
}

// Decide maps an arrival time to a decision and a reason. Inside a
// safe window signals are accepted. When the market is closed or done
// for the day the configured off-hours action applies; intraday gaps
// (pre-market, auctions, lunch, outside the safe windows) always
// queue, since a window opens again the same day.
func (s *MarketHoursService) Decide(t time.Time) (decision, reason string) {
	if s.InSafeWindow(t) {
		return DecisionAccept, ""
	}
	session := s.SessionAt(t)
	reason = "market_hours_" + strings.ToLower(session)
	switch session {
	case SessionClosed, SessionPostMarket:
		if s.offHoursAction == "QUEUE" {
			return DecisionQueue, reason
		}
		return DecisionReject, reason
	default:
		return DecisionQueue, reason
	}
}

// NextWindow returns the start of the next safe trading window at or
// after t. Scans forward day by day; with weekends and holidays the
// answer is always within a couple of weeks.
func (s *MarketHoursService) NextWindow(t time.Time) time.Time {
	t = t.In(s.loc)
	for day := 0; day < 21; day++ {
		d := t.AddDate(0, 0, day)
		if !s.IsTradingDay(d) {
			continue
		}
		for _, w := range []window{s.morning, s.afternoon} {
			start := time.Date(d.Year(), d.Month(), d.Day(), w.start/60, w.start%60, 0, 0, s.loc)
			if day == 0 && !start.After(t) {
				// Window already started; usable only if still open.
				end := time.Date(d.Year(), d.Month(), d.Day(), w.end/60, w.end%60, 0, 0, s.loc)
				if t.Before(end) {
					return t
				}
				continue
			}
			return start
		}
	}
	return time.Time{}
}

// MarketStatus is the snapshot returned by the status endpoint.
type MarketStatus struct {
	Session      string    `json:"session"`
	IsTradingDay bool      `json:"is_trading_day"`
	InSafeWindow bool      `json:"in_safe_window"`
	Decision     string    `json:"decision"`
	LocalTime    time.Time `json:"local_time"`
	NextWindow   time.Time `json:"next_window"`
}

// Status bundles the full market-hours view at time t.
func (s *MarketHoursService) Status(t time.Time) MarketStatus {
	t = t.In(s.loc)
	decision, _ := s.Decide(t)
	return MarketStatus{
		Session:      s.SessionAt(t),
		IsTradingDay: s.IsTradingDay(t),
		InSafeWindow: s.InSafeWindow(t),
		Decision:     decision,
		LocalTime:    t,
		NextWindow:   s.NextWindow(t),
	}
}
