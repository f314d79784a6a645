package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"kabuto-relay/database"
	"kabuto-relay/database/positions"
	"kabuto-relay/database/stats"
)

type killSwitchRequest struct {
	Password string `json:"password"`
	Enabled  bool   `json:"enabled"`
	Reason   string `json:"reason,omitempty"`
}

// handleKillSwitch toggles the global trading flag. Password in the
// body, matching the executor-side tooling.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid JSON body")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.Security.AdminPassword)) != 1 {
		log.Warn().Str("remote", clientIP(r)).Msg("Kill switch: invalid admin password")
		writeError(w, http.StatusUnauthorized, CodeInvalidPassword, "invalid admin password")
		return
	}

	now := time.Now()
	if req.Enabled {
		if err := s.killSw.Deactivate("admin"); err != nil {
			writeInternalError(w, err)
			return
		}
	} else {
		reason := req.Reason
		if reason == "" {
			reason = "manual activation"
		}
		if err := s.killSw.Activate(reason, "admin", now); err != nil {
			writeInternalError(w, err)
			return
		}
		s.notifier.KillSwitchActivated(r.Context(), reason, "admin")
	}

	message := "Trading enabled"
	if !req.Enabled {
		message = "Trading disabled: kill switch active"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"trading_enabled": req.Enabled,
		"message":         message,
		"timestamp":       now,
	})
}

// handleKillSwitchStatus reads the flag without auth; it leaks nothing
// an executor cannot already infer from a blocked dispatch.
func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.killSw.Status()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	message := "Trading enabled"
	if !status.TradingEnabled {
		message = "Trading disabled: " + status.Reason
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"trading_enabled": status.TradingEnabled,
		"message":         message,
		"reason":          status.Reason,
		"activated_at":    status.ActivatedAt,
		"activated_by":    status.ActivatedBy,
		"timestamp":       time.Now(),
	})
}

// handleListCooldowns lists active cooldown keys with remaining TTLs.
func (s *Server) handleListCooldowns(w http.ResponseWriter, r *http.Request) {
	cooldowns, err := s.cooldown.ListAll(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"cooldowns": cooldowns,
		"count":     len(cooldowns),
	})
}

// handleResetCooldowns clears cooldowns selected by ?action and
// ?ticker query params; missing or "*" means all on that axis.
func (s *Server) handleResetCooldowns(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	ticker := r.URL.Query().Get("ticker")

	removed, err := s.cooldown.Reset(r.Context(), action, ticker)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	log.Info().Str("action", action).Str("ticker", ticker).Int("removed", removed).Msg("Cooldowns reset")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"removed": removed,
	})
}

// handleListHeartbeats reports every known client with a staleness
// verdict at the configured timeout.
func (s *Server) handleListHeartbeats(w http.ResponseWriter, r *http.Request) {
	var heartbeats []database.Heartbeat
	if err := s.db.Find(&heartbeats).Error; err != nil {
		writeInternalError(w, err)
		return
	}

	now := s.now()
	timeout := time.Duration(s.cfg.Heartbeat.TimeoutSeconds) * time.Second

	type view struct {
		ClientID         string `json:"client_id"`
		LastHeartbeat    string `json:"last_heartbeat"`
		Status           string `json:"status"`
		SecondsSinceLast int    `json:"seconds_since_last"`
	}
	views := make([]view, 0, len(heartbeats))
	for _, hb := range heartbeats {
		since := now.Sub(hb.LastHeartbeat)
		status := "active"
		if since >= timeout {
			status = "inactive"
		}
		views = append(views, view{
			ClientID:         hb.ClientID,
			LastHeartbeat:    hb.LastHeartbeat.Format(time.RFC3339),
			Status:           status,
			SecondsSinceLast: int(since / time.Second),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"heartbeats": views,
		"count":      len(views),
	})
}

type blacklistRequest struct {
	Password string `json:"password"`
	Ticker   string `json:"ticker"`
	Reason   string `json:"reason"`
	Type     string `json:"type,omitempty"`
	TTLDays  int    `json:"ttl_days,omitempty"`
}

// handleListBlacklist returns current entries, pruning expired ones.
func (s *Server) handleListBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.blacklist.List(time.Now())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"blacklist": entries,
		"count":     len(entries),
	})
}

// handleAddBlacklist bans a ticker. Password in body like the kill
// switch.
func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid JSON body")
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.Security.AdminPassword)) != 1 {
		writeError(w, http.StatusUnauthorized, CodeInvalidPassword, "invalid admin password")
		return
	}
	if !tickerPattern.MatchString(req.Ticker) || req.Reason == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "ticker (4 digits) and reason are required")
		return
	}

	blacklistType := req.Type
	if blacklistType == "" {
		blacklistType = database.BlacklistPermanent
	}
	switch blacklistType {
	case database.BlacklistPermanent, database.BlacklistTemporary, database.BlacklistDynamic:
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "type must be permanent, temporary or dynamic")
		return
	}

	now := time.Now()
	var expiresAt *time.Time
	if blacklistType == database.BlacklistTemporary {
		if req.TTLDays <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidPayload, "ttl_days must be positive for temporary entries")
			return
		}
		t := now.AddDate(0, 0, req.TTLDays)
		expiresAt = &t
	}

	entry, err := s.blacklist.Add(req.Ticker, req.Reason, blacklistType, "admin", expiresAt, now)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"entry":  entry,
	})
}

// handleRemoveBlacklist lifts a ban. Password via header since DELETE
// bodies are unreliable through proxies.
func (s *Server) handleRemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	ticker := r.PathValue("ticker")
	removed, err := s.blacklist.Remove(ticker)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, CodeSignalNotFound, "ticker not blacklisted")
		return
	}
	log.Info().Str("ticker", ticker).Msg("Blacklist entry removed")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"ticker": ticker,
	})
}

// handleListPositions returns all open positions with exposure.
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	repo := positions.NewRepository(s.db)
	all, err := repo.GetAll()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	total, err := repo.TotalExposure()
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "success",
		"positions":      all,
		"count":          len(all),
		"total_exposure": total,
	})
}

// handleDailyStats returns recent daily counters, newest first.
func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	limit := 30
	rows, err := stats.NewRepository(s.db).History(limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"stats":  rows,
		"count":  len(rows),
	})
}

// handleListSignals is the admin view over signal history.
func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	if !s.requireAPIKey(w, r) {
		return
	}
	q := r.URL.Query()
	state := q.Get("state")
	switch state {
	case "", database.StatePending, database.StateFetched, database.StateExecuted,
		database.StateFailed, database.StateExpired:
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "unknown state "+state)
		return
	}

	signals, err := s.signals.List(state, q.Get("ticker"), 100)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	views := make([]signalView, 0, len(signals))
	for i := range signals {
		views = append(views, toSignalView(&signals[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"signals": views,
		"count":   len(views),
	})
}
