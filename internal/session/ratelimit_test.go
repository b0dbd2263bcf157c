package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRateLimiter(clock *fakeClock) *RateLimiter {
	rl := NewRateLimiter(defaultLoginsPerMin, nil)
	rl.nowFunc = clock.Now
	return rl
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rl := newTestRateLimiter(newFakeClock(time.Now()))
	for i := 0; i < defaultLoginsPerMin; i++ {
		require.NoError(t, rl.Allow(1), "attempt %d", i+1)
	}
}

func TestRateLimiterBlocksWindow(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock)
	for i := 0; i < defaultLoginsPerMin; i++ {
		require.NoError(t, rl.Allow(1))
	}

	err := rl.Allow(1)
	var rle *RateLimitedError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, uint(1), rle.AccountID)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))

	// Other accounts are unaffected.
	assert.NoError(t, rl.Allow(2))

	clock.Advance(loginWindow + time.Second)
	assert.NoError(t, rl.Allow(1))
}

func TestRateLimiterBlocksAfterFailures(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock)

	for i := 0; i < loginFailureThreshold; i++ {
		rl.RecordFailure(1)
	}
	err := rl.Allow(1)
	require.Error(t, err)
	var rle *RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, loginInitialBlock, rle.RetryAfter)

	clock.Advance(loginInitialBlock)
	require.NoError(t, rl.Allow(1))

	// Another failure doubles the block.
	rl.RecordFailure(1)
	failures, until, _ := rl.Snapshot(1)
	assert.Equal(t, loginFailureThreshold+1, failures)
	assert.Equal(t, clock.Now().Add(2*loginInitialBlock), until)
}

func TestRateLimiterBlockIsCapped(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock)
	for i := 0; i < loginFailureThreshold+10; i++ {
		rl.RecordFailure(1)
	}
	_, until, _ := rl.Snapshot(1)
	assert.Equal(t, clock.Now().Add(loginMaxBlock), until)
}

func TestRateLimiterSuccessResets(t *testing.T) {
	clock := newFakeClock(time.Now())
	rl := newTestRateLimiter(clock)
	for i := 0; i < loginFailureThreshold; i++ {
		rl.RecordFailure(1)
	}
	require.Error(t, rl.Allow(1))

	rl.RecordSuccess(1)
	assert.NoError(t, rl.Allow(1))
	failures, until, attempts := rl.Snapshot(1)
	assert.Zero(t, failures)
	assert.True(t, until.IsZero())
	assert.Equal(t, 1, attempts)

	rl.Reset(1)
	failures, _, attempts = rl.Snapshot(1)
	assert.Zero(t, failures)
	assert.Zero(t, attempts)
}

func TestStartRejectedWhileBlocked(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.addAccount("alice", "hunter2")
	for i := 0; i < loginFailureThreshold; i++ {
		env.pool.deps.Limiter.RecordFailure(a.ID)
	}

	var rle *RateLimitedError
	require.ErrorAs(t, env.pool.Start(t.Context(), a.ID), &rle)
	st, ok := env.pool.State(a.ID)
	require.True(t, ok)
	assert.Equal(t, StateIdle, st)
}
