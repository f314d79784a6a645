// Package services holds the relay's business rules: signal identity
// and integrity, the ingress gates (dedup, market hours, cooldown,
// position), the pre-dispatch validator, the kill switch and the
// execution reconciler. Services depend on the cache.Store interface
// and the database repositories; HTTP lives in package api.
package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// WebhookPayload is the body posted by the charting platform.
type WebhookPayload struct {
	Passphrase string   `json:"passphrase"`
	Action     string   `json:"action"`
	Ticker     string   `json:"ticker"`
	Quantity   int      `json:"quantity"`
	Price      string   `json:"price,omitempty"`
	EntryPrice float64  `json:"entry_price"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	ATR        *float64 `json:"atr,omitempty"`
	RRRatio    *float64 `json:"rr_ratio,omitempty"`
	RSI        *float64 `json:"rsi,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

// NewSignalID builds the canonical signal identifier:
// sig_<YYYYMMDD_HHMMSS>_<ticker>_<action>.
func NewSignalID(t time.Time, ticker, action string) string {
	return fmt.Sprintf("sig_%s_%s_%s", t.Format("20060102_150405"), ticker, action)
}

// checksumFields is marshalled to produce the checksum input. Field
// order matters: encoding/json emits struct fields in declaration
// order, and the canonical form sorts keys alphabetically, so the
// declarations below must stay sorted by JSON key.
type checksumFields struct {
	Action     string   `json:"action"`
	EntryPrice float64  `json:"entry_price"`
	Quantity   int      `json:"quantity"`
	SignalID   string   `json:"signal_id"`
	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`
	Ticker     string   `json:"ticker"`
}

// Checksum computes the integrity stamp carried by every signal: the
// first 16 hex chars of SHA-256 over the canonical JSON (sorted keys,
// no whitespace, null for absent optionals) of the core trade fields.
// Execution clients recompute it before placing orders.
func Checksum(signalID, action, ticker string, quantity int, entryPrice float64, stopLoss, takeProfit *float64) string {
	b, _ := json.Marshal(checksumFields{
		Action:     action,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		SignalID:   signalID,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Ticker:     ticker,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// IdempotencyKey derives the dedup key for a webhook delivery:
// idempotency:<sha256(timestamp|ticker|action)>. Retried deliveries of
// the same alert hash to the same key.
func IdempotencyKey(timestamp, ticker, action string) string {
	sum := sha256.Sum256([]byte(timestamp + "|" + ticker + "|" + action))
	return "idempotency:" + hex.EncodeToString(sum[:])
}
