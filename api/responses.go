package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Error codes returned in the error envelope.
const (
	CodeInvalidPassphrase = "INVALID_PASSPHRASE"
	CodeInvalidAPIKey     = "INVALID_API_KEY"
	CodeInvalidPassword   = "INVALID_PASSWORD"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeDuplicateSignal   = "DUPLICATE_SIGNAL"
	CodeMarketClosed      = "MARKET_CLOSED"
	CodeCooldownActive    = "COOLDOWN_ACTIVE"
	CodeNoPosition        = "NO_POSITION"
	CodeBlacklisted       = "TICKER_BLACKLISTED"
	CodeBacklogFull       = "BACKLOG_FULL"
	CodeSignalNotFound    = "SIGNAL_NOT_FOUND"
	CodeInvalidState      = "INVALID_STATE"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeInternalError     = "INTERNAL_SERVER_ERROR"
)

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Status       string      `json:"status"`
	ErrorCode    string      `json:"error_code"`
	ErrorMessage string      `json:"error_message"`
	Details      interface{} `json:"details,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError sends the uniform error envelope.
func writeError(w http.ResponseWriter, code int, errorCode, message string) {
	writeErrorDetails(w, code, errorCode, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, code int, errorCode, message string, details interface{}) {
	writeJSON(w, code, errorEnvelope{
		Status:       "error",
		ErrorCode:    errorCode,
		ErrorMessage: message,
		Details:      details,
		Timestamp:    time.Now().UTC(),
	})
}

// writeInternalError logs the real error and hides it from the client.
func writeInternalError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("Internal error")
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal server error")
}
