package session

import (
	"time"

	"github.com/gluk-w/hourboost/internal/config"
)

// Config holds the timing and policy knobs shared by every manager in a pool.
type Config struct {
	FlushInterval    time.Duration
	MinFlush         time.Duration
	FlushRetries     int
	FlushRetryDelay  time.Duration
	ChallengeTimeout time.Duration
	RecoveryStagger  time.Duration
	// ReconnectPolicy is config.ReconnectStartup (recover running accounts
	// only when the process starts) or config.ReconnectOnDrop (also
	// reconnect after an unexpected disconnect).
	ReconnectPolicy   string
	MachineNamePrefix string
	LoginsPerMinute   int

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:     5 * time.Minute,
		MinFlush:          time.Minute,
		FlushRetries:      3,
		FlushRetryDelay:   time.Second,
		ChallengeTimeout:  3 * time.Minute,
		RecoveryStagger:   5 * time.Second,
		ReconnectPolicy:   config.ReconnectStartup,
		MachineNamePrefix: "HB",
		LoginsPerMinute:   defaultLoginsPerMin,
		Now:               time.Now,
	}
}

func ConfigFromSettings(s config.Settings) Config {
	return Config{
		FlushInterval:     s.FlushInterval,
		MinFlush:          s.MinFlush,
		FlushRetries:      s.FlushRetries,
		FlushRetryDelay:   s.FlushRetryDelay,
		ChallengeTimeout:  s.ChallengeTimeout,
		RecoveryStagger:   s.RecoveryStagger,
		ReconnectPolicy:   s.ReconnectPolicy,
		MachineNamePrefix: s.MachineNamePrefix,
		LoginsPerMinute:   s.LoginRatePerMinute,
		Now:               time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MinFlush <= 0 {
		c.MinFlush = d.MinFlush
	}
	if c.FlushRetries < 1 {
		c.FlushRetries = d.FlushRetries
	}
	if c.FlushRetryDelay < 0 {
		c.FlushRetryDelay = d.FlushRetryDelay
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = d.ChallengeTimeout
	}
	if c.RecoveryStagger < 0 {
		c.RecoveryStagger = d.RecoveryStagger
	}
	if c.ReconnectPolicy == "" {
		c.ReconnectPolicy = d.ReconnectPolicy
	}
	if c.MachineNamePrefix == "" {
		c.MachineNamePrefix = d.MachineNamePrefix
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
