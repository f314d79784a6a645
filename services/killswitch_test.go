package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillSwitchDefaultEnabled(t *testing.T) {
	s := NewKillSwitchService(testDB(t))
	enabled, err := s.IsTradingEnabled()
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestKillSwitchActivateDeactivate(t *testing.T) {
	s := NewKillSwitchService(testDB(t))
	at := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Activate("daily loss limit", "admin", at))

	enabled, err := s.IsTradingEnabled()
	require.NoError(t, err)
	assert.False(t, enabled)

	status, err := s.Status()
	require.NoError(t, err)
	assert.False(t, status.TradingEnabled)
	assert.Equal(t, "daily loss limit", status.Reason)
	assert.Equal(t, "admin", status.ActivatedBy)
	assert.Equal(t, "2025-06-16T10:00:00Z", status.ActivatedAt)

	require.NoError(t, s.Deactivate("admin"))

	status, err = s.Status()
	require.NoError(t, err)
	assert.True(t, status.TradingEnabled)
	assert.Empty(t, status.Reason)
	assert.Empty(t, status.ActivatedBy)
}

func TestKillSwitchActivateIdempotent(t *testing.T) {
	s := NewKillSwitchService(testDB(t))

	require.NoError(t, s.Activate("first", "admin", time.Now()))
	require.NoError(t, s.Activate("second", AutoTriggerActor, time.Now()))

	status, err := s.Status()
	require.NoError(t, err)
	assert.False(t, status.TradingEnabled)
	assert.Equal(t, "second", status.Reason)
	assert.Equal(t, AutoTriggerActor, status.ActivatedBy)
}
