package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"kabuto-relay/database"
	"kabuto-relay/database/signals"
	"kabuto-relay/services"
)

// errNotFetched aborts the executed-report transaction when the CAS on
// the signal state loses.
var errNotFetched = errors.New("signal is not in fetched state")

// signalView is the wire shape of a signal in dispatch responses.
type signalView struct {
	SignalID   string    `json:"signal_id"`
	Action     string    `json:"action"`
	Ticker     string    `json:"ticker"`
	Quantity   int       `json:"quantity"`
	Price      string    `json:"price"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	ATR        *float64  `json:"atr,omitempty"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Checksum   string    `json:"checksum"`
}

func toSignalView(s *database.Signal) signalView {
	return signalView{
		SignalID:   s.SignalID,
		Action:     s.Action,
		Ticker:     s.Ticker,
		Quantity:   s.Quantity,
		Price:      s.Price,
		EntryPrice: s.EntryPrice,
		StopLoss:   s.StopLoss,
		TakeProfit: s.TakeProfit,
		ATR:        s.ATR,
		State:      s.State,
		CreatedAt:  s.CreatedAt,
		ExpiresAt:  s.ExpiresAt,
		Checksum:   s.Checksum,
	}
}

// handlePendingSignals returns validated pending signals for the
// polling execution client. Every candidate runs the six-level
// validator; failures are transitioned to failed and only survivors
// ship. 204 when nothing survives.
func (s *Server) handlePendingSignals(w http.ResponseWriter, r *http.Request) {
	if !s.requireAPIKey(w, r) {
		return
	}
	now := s.now()

	pending, err := s.signals.GetPending(now, 0)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if len(pending) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var validated []signalView
	for i := range pending {
		sig := &pending[i]
		result, err := s.validator.Validate(sig, now)
		if err != nil {
			writeInternalError(w, err)
			return
		}
		if result.Allowed {
			log.Info().Str("signal_id", sig.SignalID).Interface("checks", result.Checks).
				Msg("Signal passed pre-dispatch validation")
			validated = append(validated, toSignalView(sig))
			continue
		}

		log.Warn().Str("signal_id", sig.SignalID).Str("reason", result.Reason).
			Interface("checks", result.Checks).Msg("Signal failed pre-dispatch validation")
		err = s.db.Model(&database.Signal{}).
			Where("signal_id = ? AND state = ?", sig.SignalID, database.StatePending).
			Updates(map[string]interface{}{
				"state":         database.StateFailed,
				"error_message": "Pre-order validation failed: " + result.Reason,
			}).Error
		if err != nil {
			writeInternalError(w, err)
			return
		}
		s.csvLog.UpdateSignalState(sig.SignalID, database.StateFailed)
	}

	if len(validated) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "success",
		"timestamp": now,
		"count":     len(validated),
		"signals":   validated,
	})
}

type ackRequest struct {
	ClientID string `json:"client_id"`
	Checksum string `json:"checksum"`
}

// handleAck marks a signal fetched. Idempotent: re-acking a fetched
// signal succeeds with the original fetched_at.
func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if !s.requireAPIKey(w, r) {
		return
	}
	signalID := r.PathValue("signal_id")

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid JSON body")
		return
	}

	signal, err := s.signals.GetByID(signalID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if signal == nil {
		writeError(w, http.StatusNotFound, CodeSignalNotFound, "signal not found")
		return
	}
	if signal.Checksum != req.Checksum {
		log.Error().Str("signal_id", signalID).Msg("Checksum mismatch on ack")
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "checksum mismatch")
		return
	}

	if signal.State == database.StateFetched {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":          "success",
			"signal_id":       signalID,
			"state":           database.StateFetched,
			"acknowledged_at": signal.FetchedAt,
		})
		return
	}

	now := s.now()
	ok, err := s.signals.MarkFetched(signalID, req.ClientID, now)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, CodeInvalidState,
			"signal is not pending (state "+signal.State+")")
		return
	}

	log.Info().Str("signal_id", signalID).Str("client_id", req.ClientID).Msg("Signal acknowledged")
	s.csvLog.UpdateSignalState(signalID, database.StateFetched)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "success",
		"signal_id":       signalID,
		"state":           database.StateFetched,
		"acknowledged_at": now,
	})
}

type executedRequest struct {
	ClientID          string    `json:"client_id"`
	ExecutionPrice    float64   `json:"execution_price"`
	ExecutionQuantity int       `json:"execution_quantity"`
	OrderID           string    `json:"order_id"`
	ExecutedAt        time.Time `json:"executed_at"`
}

// handleExecuted records a fill: signal transition, execution log,
// position reconcile and daily stats in one transaction, then the
// auto kill-switch check.
func (s *Server) handleExecuted(w http.ResponseWriter, r *http.Request) {
	if !s.requireAPIKey(w, r) {
		return
	}
	signalID := r.PathValue("signal_id")

	var req executedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid JSON body")
		return
	}
	if req.ExecutionPrice <= 0 || req.ExecutionQuantity <= 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "execution_price and execution_quantity must be positive")
		return
	}
	if req.ExecutedAt.IsZero() {
		req.ExecutedAt = s.now()
	}

	signal, err := s.signals.GetByID(signalID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if signal == nil {
		writeError(w, http.StatusNotFound, CodeSignalNotFound, "signal not found")
		return
	}
	if signal.State == database.StateExecuted {
		writeError(w, http.StatusConflict, CodeInvalidState, "signal already executed")
		return
	}

	var outcome *services.ReconcileOutcome
	err = s.db.Transaction(func(tx *gorm.DB) error {
		ok, err := signals.NewRepository(tx).MarkExecuted(signalID, req.ExecutionPrice, req.OrderID, req.ExecutedAt)
		if err != nil {
			return err
		}
		if !ok {
			return errNotFetched
		}
		outcome, err = s.risk.ReconcileExecution(tx, signal, req.ExecutionQuantity, req.ExecutionPrice, req.OrderID, req.ExecutedAt)
		return err
	})
	if errors.Is(err, errNotFetched) {
		writeError(w, http.StatusConflict, CodeInvalidState,
			"signal is not fetched (state "+signal.State+")")
		return
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}

	log.Info().
		Str("signal_id", signalID).
		Str("order_id", req.OrderID).
		Str("ticker", signal.Ticker).
		Float64("execution_price", req.ExecutionPrice).
		Int("quantity", req.ExecutionQuantity).
		Msg("Order executed")
	s.csvLog.UpdateSignalState(signalID, database.StateExecuted)
	s.notifier.SignalExecuted(r.Context(), signalID, signal.Action, signal.Ticker, req.ExecutionQuantity, req.ExecutionPrice)
	if outcome.KillSwitch != "" {
		s.notifier.KillSwitchActivated(r.Context(), outcome.KillSwitch, services.AutoTriggerActor)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "success",
		"signal_id":        signalID,
		"state":            database.StateExecuted,
		"execution_logged": true,
		"execution_id":     outcome.Execution.ExecutionID,
	})
}

type failedRequest struct {
	ClientID string `json:"client_id"`
	Error    string `json:"error"`
}

// handleFailed records an execution failure reported by the client.
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	if !s.requireAPIKey(w, r) {
		return
	}
	signalID := r.PathValue("signal_id")

	var req failedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "invalid JSON body")
		return
	}

	signal, err := s.signals.GetByID(signalID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if signal == nil {
		writeError(w, http.StatusNotFound, CodeSignalNotFound, "signal not found")
		return
	}

	ok, err := s.signals.MarkFailed(signalID, req.Error)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, CodeInvalidState,
			"signal is already terminal (state "+signal.State+")")
		return
	}

	log.Error().Str("signal_id", signalID).Str("error", req.Error).Msg("Signal execution failed")
	s.csvLog.UpdateSignalState(signalID, database.StateFailed)
	s.notifier.SignalFailed(r.Context(), signalID, req.Error)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "failure_recorded",
		"message": "Signal " + signalID + " marked as failed",
	})
}

// handleGetSignal looks one signal up; the client uses it to re-fetch
// after a crash.
func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	if !s.requireAPIKey(w, r) {
		return
	}
	signal, err := s.signals.GetByID(r.PathValue("signal_id"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if signal == nil {
		writeError(w, http.StatusNotFound, CodeSignalNotFound, "signal not found")
		return
	}
	writeJSON(w, http.StatusOK, toSignalView(signal))
}

// handleHeartbeat upserts the calling client's liveness record.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID  string     `json:"client_id"`
		Timestamp *time.Time `json:"timestamp,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidPayload, "client_id is required")
		return
	}
	at := s.now()
	if req.Timestamp != nil {
		at = *req.Timestamp
	}

	hb := database.Heartbeat{ClientID: req.ClientID, LastHeartbeat: at, Status: "active"}
	err := s.db.Where(database.Heartbeat{ClientID: req.ClientID}).
		Assign(map[string]interface{}{"last_heartbeat": at, "status": "active"}).
		FirstOrCreate(&hb).Error
	if err != nil {
		writeInternalError(w, err)
		return
	}

	log.Debug().Str("client_id", req.ClientID).Msg("Heartbeat received")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "Heartbeat acknowledged for " + req.ClientID,
	})
}
