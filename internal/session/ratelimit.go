// ratelimit.go throttles logins per account.
//
// Two limits apply to every Start:
//
//  1. Sliding window: at most maxPerWindow attempts per minute.
//  2. Consecutive failures: after 5 failed handshakes the account is blocked
//     for 30s, doubling on each further block up to 5 minutes. A successful
//     logon resets the counter and the cooldown.
//
// The platform locks accounts that log in too often, so the limiter sits in
// front of the client rather than after it.

package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	loginWindow           = 1 * time.Minute
	defaultLoginsPerMin   = 10
	loginFailureThreshold = 5
	loginInitialBlock     = 30 * time.Second
	loginMaxBlock         = 5 * time.Minute
)

// RateLimitedError is returned by Start when the limiter rejects a login.
type RateLimitedError struct {
	AccountID  uint
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("login rate limited for account %d: %s (retry after %s)", e.AccountID, e.Reason, e.RetryAfter.Round(time.Second))
}

type loginRateState struct {
	attempts            []time.Time
	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration
}

// RateLimiter tracks login attempts per account. State is in-memory only.
type RateLimiter struct {
	mu           sync.Mutex
	states       map[uint]*loginRateState
	maxPerWindow int
	logger       *zap.Logger

	nowFunc func() time.Time
}

func NewRateLimiter(maxPerMinute int, logger *zap.Logger) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = defaultLoginsPerMin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		states:       make(map[uint]*loginRateState),
		maxPerWindow: maxPerMinute,
		logger:       logger,
		nowFunc:      time.Now,
	}
}

// Caller must hold rl.mu.
func (rl *RateLimiter) getOrCreate(accountID uint) *loginRateState {
	state, ok := rl.states[accountID]
	if !ok {
		state = &loginRateState{}
		rl.states[accountID] = state
	}
	return state
}

// Allow records a login attempt, or returns a *RateLimitedError.
func (rl *RateLimiter) Allow(accountID uint) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(accountID)

	if !state.blockedUntil.IsZero() && now.Before(state.blockedUntil) {
		retryAfter := state.blockedUntil.Sub(now)
		rl.logger.Warn("login blocked",
			zap.Uint("account_id", accountID),
			zap.Duration("retry_after", retryAfter),
			zap.Int("failures", state.consecutiveFailures))
		return &RateLimitedError{
			AccountID:  accountID,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", state.consecutiveFailures),
			RetryAfter: retryAfter,
		}
	}

	cutoff := now.Add(-loginWindow)
	recent := state.attempts[:0]
	for _, t := range state.attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	state.attempts = recent

	if len(state.attempts) >= rl.maxPerWindow {
		retryAfter := state.attempts[0].Add(loginWindow).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		rl.logger.Warn("login rate exceeded",
			zap.Uint("account_id", accountID),
			zap.Int("max", rl.maxPerWindow))
		return &RateLimitedError{
			AccountID:  accountID,
			Reason:     fmt.Sprintf("exceeded %d logins in %s", rl.maxPerWindow, loginWindow),
			RetryAfter: retryAfter,
		}
	}

	state.attempts = append(state.attempts, now)
	return nil
}

func (rl *RateLimiter) RecordSuccess(accountID uint) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[accountID]
	if !ok {
		return
	}
	state.consecutiveFailures = 0
	state.blockedUntil = time.Time{}
	state.blockDuration = 0
}

func (rl *RateLimiter) RecordFailure(accountID uint) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(accountID)
	state.consecutiveFailures++

	if state.consecutiveFailures >= loginFailureThreshold {
		if state.blockDuration == 0 {
			state.blockDuration = loginInitialBlock
		} else {
			state.blockDuration *= 2
			if state.blockDuration > loginMaxBlock {
				state.blockDuration = loginMaxBlock
			}
		}
		state.blockedUntil = now.Add(state.blockDuration)
		rl.logger.Warn("login blocked after repeated failures",
			zap.Uint("account_id", accountID),
			zap.Duration("block", state.blockDuration),
			zap.Int("failures", state.consecutiveFailures))
	}
}

func (rl *RateLimiter) Reset(accountID uint) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.states, accountID)
}

// Snapshot returns the limiter state for one account, for the dashboard.
func (rl *RateLimiter) Snapshot(accountID uint) (consecutiveFailures int, blockedUntil time.Time, attemptsInWindow int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[accountID]
	if !ok {
		return 0, time.Time{}, 0
	}
	cutoff := rl.nowFunc().Add(-loginWindow)
	for _, t := range state.attempts {
		if t.After(cutoff) {
			attemptsInWindow++
		}
	}
	return state.consecutiveFailures, state.blockedUntil, attemptsInWindow
}
