package api

import (
	"net/http"
	"time"

	"kabuto-relay/database/positions"
	"kabuto-relay/database/stats"
)

const apiVersion = "1.0.0"

// handleHealth checks both stores and reports healthy/unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "OK"
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		dbStatus = "ERROR: " + err.Error()
	}

	redisStatus := "OK"
	if err := s.store.Ping(r.Context()); err != nil {
		redisStatus = "ERROR: " + err.Error()
	}

	overall := "healthy"
	code := http.StatusOK
	if dbStatus != "OK" || redisStatus != "OK" {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    overall,
		"timestamp": time.Now(),
		"version":   apiVersion,
		"database":  dbStatus,
		"redis":     redisStatus,
	})
}

// handleStatus is the operator dashboard: trading flag, market
// session, today's counters and risk utilization.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	enabled, err := s.killSw.IsTradingEnabled()
	if err != nil {
		writeInternalError(w, err)
		return
	}

	day, err := stats.NewRepository(s.db).Get(now.In(s.market.Location()))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	dailyStats := map[string]interface{}{
		"entry_count":        0,
		"exit_count":         0,
		"total_trades":       0,
		"total_pnl":          0.0,
		"consecutive_losses": 0,
		"error_count":        0,
	}
	if day != nil {
		dailyStats = map[string]interface{}{
			"entry_count":        day.EntryCount,
			"exit_count":         day.ExitCount,
			"total_trades":       day.TotalTrades,
			"total_pnl":          day.TotalPnL,
			"consecutive_losses": day.ConsecutiveLosses,
			"error_count":        day.ErrorCount,
		}
	}

	posRepo := positions.NewRepository(s.db)
	exposure, err := posRepo.TotalExposure()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	openPositions, err := posRepo.Count()
	if err != nil {
		writeInternalError(w, err)
		return
	}

	risk := s.cfg.RiskControl
	utilization := 0.0
	if risk.MaxTotalExposure > 0 {
		utilization = exposure / risk.MaxTotalExposure * 100
	}
	entries, _ := dailyStats["entry_count"].(int)
	riskMetrics := map[string]interface{}{
		"total_exposure":           exposure,
		"max_total_exposure":       risk.MaxTotalExposure,
		"exposure_utilization_pct": utilization,
		"open_positions":           openPositions,
		"max_open_positions":       risk.MaxOpenPositions,
		"daily_entries":            entries,
		"max_daily_entries":        risk.MaxDailyEntries,
	}

	status := "active"
	if !enabled {
		status = "disabled"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"trading_enabled": enabled,
		"market":          s.market.Status(now),
		"daily_stats":     dailyStats,
		"risk_metrics":    riskMetrics,
		"timestamp":       now,
	})
}

// handleRoot is the API landing page.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "kabuto-relay",
		"version": apiVersion,
		"status":  "running",
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"docs": map[string]string{
			"webhook":   "POST /webhook",
			"dispatch":  "GET /api/signals/pending",
			"status":    "GET /status",
			"health":    "GET /health",
			"heartbeat": "POST /heartbeat",
		},
	})
}

// handlePing is the cheapest possible liveness probe.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ping": "pong"})
}
