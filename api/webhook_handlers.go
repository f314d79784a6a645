package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"kabuto-relay/database"
	"kabuto-relay/database/positions"
	"kabuto-relay/services"
)

var tickerPattern = regexp.MustCompile(`^\d{4}$`)

// webhookReply is the canonical success body. It is also what gets
// cached for idempotent replay.
type webhookReply struct {
	Status   string    `json:"status"`
	SignalID string    `json:"signal_id"`
	Message  string    `json:"message"`
	Decision string    `json:"decision,omitempty"`
	Time     time.Time `json:"timestamp"`
}

// validatePayload shape-checks the webhook body. Returns a
// human-readable reason, empty when valid.
func validatePayload(p *services.WebhookPayload) string {
	if p.Action != database.ActionBuy && p.Action != database.ActionSell {
		return fmt.Sprintf("action must be buy or sell, got %q", p.Action)
	}
	if !tickerPattern.MatchString(p.Ticker) {
		return fmt.Sprintf("ticker must be a 4-digit code, got %q", p.Ticker)
	}
	if p.Quantity < 100 || p.Quantity > 10000 {
		return fmt.Sprintf("quantity must be between 100 and 10000, got %d", p.Quantity)
	}
	if p.Quantity%100 != 0 {
		return fmt.Sprintf("quantity must be a multiple of 100, got %d", p.Quantity)
	}
	if p.Price != "" && p.Price != "market" && p.Price != "limit" {
		return fmt.Sprintf("price must be market or limit, got %q", p.Price)
	}
	if p.EntryPrice <= 0 {
		return "entry_price must be positive"
	}
	if p.StopLoss != nil && *p.StopLoss <= 0 {
		return "stop_loss must be positive"
	}
	if p.TakeProfit != nil && *p.TakeProfit <= 0 {
		return "take_profit must be positive"
	}
	if p.ATR != nil && *p.ATR <= 0 {
		return "atr must be positive"
	}
	if p.RSI != nil && (*p.RSI < 0 || *p.RSI > 100) {
		return "rsi must be between 0 and 100"
	}
	return ""
}

// handleWebhook is the signal ingress: passphrase, dedup, market
// hours, cooldown, position gate, then persist and reply.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload services.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "invalid JSON body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(payload.Passphrase), []byte(s.cfg.Security.WebhookSecret)) != 1 {
		log.Warn().Str("remote", clientIP(r)).Msg("Webhook with invalid passphrase")
		writeError(w, http.StatusUnauthorized, CodeInvalidPassphrase, "invalid passphrase")
		return
	}

	if reason := validatePayload(&payload); reason != "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, reason)
		return
	}

	now := s.now()
	timestamp := payload.Timestamp
	if timestamp == "" {
		timestamp = now.Format(time.RFC3339)
	}

	// Dedup: replay the original reply to a retried delivery.
	if cached, ok := s.dedup.CachedReply(ctx, timestamp, payload.Ticker, payload.Action); ok {
		log.Info().Str("ticker", payload.Ticker).Msg("Duplicate webhook delivery, replaying reply")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(cached))
		return
	}

	// Market hours gate
	decision, reason := s.market.Decide(now)
	if decision == services.DecisionReject {
		log.Warn().Str("ticker", payload.Ticker).Str("reason", reason).Msg("Signal rejected outside market hours")
		writeErrorDetails(w, http.StatusBadRequest, CodeMarketClosed,
			"signal rejected: "+reason,
			map[string]interface{}{"next_window": s.market.NextWindow(now)})
		return
	}

	// Cooldown gate
	if block := s.cooldown.Check(ctx, payload.Action, payload.Ticker); block != nil {
		log.Warn().Str("ticker", payload.Ticker).Str("reason", block.Reason).Int("retry_after", block.RetryAfter).
			Msg("Signal rejected by cooldown")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", block.RetryAfter))
		writeErrorDetails(w, http.StatusTooManyRequests, CodeCooldownActive,
			fmt.Sprintf("cooldown active: %s, retry after %ds", block.Reason, block.RetryAfter),
			block)
		return
	}

	// Blacklist gate
	if banned, entry, err := s.blacklist.IsBlacklisted(payload.Ticker, now); err != nil {
		writeInternalError(w, err)
		return
	} else if banned {
		log.Warn().Str("ticker", payload.Ticker).Str("reason", entry.Reason).Msg("Signal rejected: blacklisted ticker")
		writeError(w, http.StatusBadRequest, CodeBlacklisted,
			fmt.Sprintf("ticker %s is blacklisted: %s", payload.Ticker, entry.Reason))
		return
	}

	// Position gate: a sell must not exceed the held quantity.
	if payload.Action == database.ActionSell {
		pos, err := positions.NewRepository(s.db).Get(payload.Ticker)
		if err != nil {
			writeInternalError(w, err)
			return
		}
		if pos == nil {
			writeError(w, http.StatusBadRequest, CodeNoPosition,
				fmt.Sprintf("no open position in %s", payload.Ticker))
			return
		}
		if payload.Quantity > pos.Quantity {
			writeError(w, http.StatusBadRequest, CodeNoPosition,
				fmt.Sprintf("sell quantity %d exceeds held %d", payload.Quantity, pos.Quantity))
			return
		}
	}

	// Backlog cap
	if max := s.cfg.Signal.MaxPendingSignals; max > 0 {
		pending, err := s.signals.CountPending()
		if err != nil {
			writeInternalError(w, err)
			return
		}
		if pending >= int64(max) {
			writeError(w, http.StatusServiceUnavailable, CodeBacklogFull,
				fmt.Sprintf("pending signal backlog full (%d)", max))
			return
		}
	}

	signalID := services.NewSignalID(now.In(s.market.Location()), payload.Ticker, payload.Action)
	checksum := services.Checksum(signalID, payload.Action, payload.Ticker,
		payload.Quantity, payload.EntryPrice, payload.StopLoss, payload.TakeProfit)

	price := payload.Price
	if price == "" {
		price = "market"
	}
	signal := &database.Signal{
		SignalID:        signalID,
		Action:          payload.Action,
		Ticker:          payload.Ticker,
		Quantity:        payload.Quantity,
		Price:           price,
		EntryPrice:      payload.EntryPrice,
		StopLoss:        payload.StopLoss,
		TakeProfit:      payload.TakeProfit,
		ATR:             payload.ATR,
		RRRatio:         payload.RRRatio,
		RSI:             payload.RSI,
		State:           database.StatePending,
		Checksum:        checksum,
		PassphraseValid: true,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.SignalTTL()),
	}

	if err := s.signals.Create(signal); err != nil {
		// A concurrent retry of the same delivery can lose the insert
		// race on the primary key; treat the loser as a duplicate.
		if err == gorm.ErrDuplicatedKey {
			if cached, ok := s.dedup.CachedReply(ctx, timestamp, payload.Ticker, payload.Action); ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(cached))
				return
			}
			writeError(w, http.StatusConflict, CodeDuplicateSignal, "signal already exists")
			return
		}
		writeInternalError(w, err)
		return
	}

	s.cooldown.Set(ctx, payload.Action, payload.Ticker)

	log.Info().
		Str("signal_id", signalID).
		Str("action", payload.Action).
		Str("ticker", payload.Ticker).
		Int("quantity", payload.Quantity).
		Float64("entry_price", payload.EntryPrice).
		Str("decision", decision).
		Msg("Signal received")
	s.csvLog.LogSignal(signal, clientIP(r), now)
	s.notifier.SignalReceived(ctx, signalID, payload.Action, payload.Ticker, payload.Quantity)

	message := "Signal received and queued"
	if decision == services.DecisionQueue {
		message = "Signal queued until next trading window"
	}
	reply := webhookReply{
		Status:   "success",
		SignalID: signalID,
		Message:  message,
		Decision: decision,
		Time:     now,
	}

	if body, err := json.Marshal(reply); err == nil {
		s.dedup.MarkProcessed(ctx, timestamp, payload.Ticker, payload.Action, string(body))
	}
	writeJSON(w, http.StatusOK, reply)
}

// handleWebhookTest is the dry-run endpoint for verifying the alert
// wiring: shape and passphrase checks only, no side effects.
func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var payload services.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "invalid JSON body")
		return
	}
	if subtle.ConstantTimeCompare([]byte(payload.Passphrase), []byte(s.cfg.Security.WebhookSecret)) != 1 {
		log.Warn().Str("remote", clientIP(r)).Msg("Test webhook with invalid passphrase")
		writeError(w, http.StatusUnauthorized, CodeInvalidPassphrase, "invalid passphrase")
		return
	}
	if reason := validatePayload(&payload); reason != "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, reason)
		return
	}

	log.Info().Str("action", payload.Action).Str("ticker", payload.Ticker).Msg("Test webhook received")
	writeJSON(w, http.StatusOK, webhookReply{
		Status:   "test_success",
		SignalID: "test_signal_id",
		Message:  "Test webhook received successfully (dry run)",
		Time:     s.now(),
	})
}
