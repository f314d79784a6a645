package services

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"kabuto-relay/database"
)

// KillSwitchService controls the global trading_enabled flag in
// system_state. When the switch is active every dispatch path is
// blocked; webhook ingress keeps accepting so no signal history is
// lost.
type KillSwitchService struct {
	db *gorm.DB
}

// NewKillSwitchService creates a new kill switch service
func NewKillSwitchService(db *gorm.DB) *KillSwitchService {
	return &KillSwitchService{db: db}
}

// KillSwitchStatus is the admin view of the switch.
type KillSwitchStatus struct {
	TradingEnabled bool   `json:"trading_enabled"`
	Reason         string `json:"reason,omitempty"`
	ActivatedAt    string `json:"activated_at,omitempty"`
	ActivatedBy    string `json:"activated_by,omitempty"`
}

func (s *KillSwitchService) getState(key string) (string, error) {
	var row database.SystemState
	err := s.db.Where("key = ?", key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getState: %w", err)
	}
	return row.Value, nil
}

func (s *KillSwitchService) setState(key, value, valueType string) error {
	row := database.SystemState{Key: key, Value: value, ValueType: valueType}
	err := s.db.Where(database.SystemState{Key: key}).
		Assign(map[string]interface{}{"value": value, "value_type": valueType}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("setState: %w", err)
	}
	return nil
}

// IsTradingEnabled reports whether dispatch is allowed. A missing row
// counts as enabled; the schema seed creates it on startup.
func (s *KillSwitchService) IsTradingEnabled() (bool, error) {
	v, err := s.getState("trading_enabled")
	if err != nil {
		return false, fmt.Errorf("IsTradingEnabled: %w", err)
	}
	return v != "false", nil
}

// Activate throws the kill switch, recording reason, actor and time.
// Idempotent: activating an active switch just updates the audit
// fields.
func (s *KillSwitchService) Activate(reason, actor string, at time.Time) error {
	if err := s.setState("trading_enabled", "false", "bool"); err != nil {
		return fmt.Errorf("Activate: %w", err)
	}
	if err := s.setState("kill_switch_reason", reason, "string"); err != nil {
		return fmt.Errorf("Activate: %w", err)
	}
	if err := s.setState("kill_switch_activated_at", at.UTC().Format(time.RFC3339), "string"); err != nil {
		return fmt.Errorf("Activate: %w", err)
	}
	if err := s.setState("kill_switch_activated_by", actor, "string"); err != nil {
		return fmt.Errorf("Activate: %w", err)
	}

	log.Warn().Str("reason", reason).Str("actor", actor).Msg("Kill switch ACTIVATED")
	return nil
}

// Deactivate re-enables trading. The previous activation's audit
// fields are cleared.
func (s *KillSwitchService) Deactivate(actor string) error {
	if err := s.setState("trading_enabled", "true", "bool"); err != nil {
		return fmt.Errorf("Deactivate: %w", err)
	}
	for _, key := range []string{"kill_switch_reason", "kill_switch_activated_at", "kill_switch_activated_by"} {
		if err := s.setState(key, "", "string"); err != nil {
			return fmt.Errorf("Deactivate: %w", err)
		}
	}

	log.Warn().Str("actor", actor).Msg("Kill switch deactivated, trading re-enabled")
	return nil
}

// Status returns the full switch state for the admin API.
func (s *KillSwitchService) Status() (*KillSwitchStatus, error) {
	enabled, err := s.IsTradingEnabled()
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	reason, err := s.getState("kill_switch_reason")
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	at, err := s.getState("kill_switch_activated_at")
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	by, err := s.getState("kill_switch_activated_by")
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	return &KillSwitchStatus{
		TradingEnabled: enabled,
		Reason:         reason,
		ActivatedAt:    at,
		ActivatedBy:    by,
	}, nil
}
