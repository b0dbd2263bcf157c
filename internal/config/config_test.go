package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require.NoError(t, Load())

	assert.Equal(t, 5*time.Minute, Cfg.FlushInterval)
	assert.Equal(t, time.Minute, Cfg.MinFlush)
	assert.Equal(t, 3, Cfg.FlushRetries)
	assert.Equal(t, 3*time.Minute, Cfg.ChallengeTimeout)
	assert.Equal(t, 5*time.Second, Cfg.RecoveryStagger)
	assert.Equal(t, ReconnectStartup, Cfg.ReconnectPolicy)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HOURBOOST_FLUSH_INTERVAL", "90s")
	t.Setenv("HOURBOOST_RECONNECT_POLICY", "on-drop")
	t.Setenv("HOURBOOST_AUTH_DISABLED", "true")

	require.NoError(t, Load())
	assert.Equal(t, 90*time.Second, Cfg.FlushInterval)
	assert.Equal(t, ReconnectOnDrop, Cfg.ReconnectPolicy)
	assert.True(t, Cfg.AuthDisabled)
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	s := Settings{ReconnectPolicy: "always", FlushInterval: time.Minute, FlushRetries: 3}
	assert.Error(t, s.Validate())

	s.ReconnectPolicy = ReconnectStartup
	assert.NoError(t, s.Validate())

	s.FlushRetries = 0
	assert.Error(t, s.Validate())
}
