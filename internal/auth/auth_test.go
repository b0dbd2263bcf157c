package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, CheckPassword("correct horse", hash))
	assert.False(t, CheckPassword("wrong", hash))
}

func TestSessionStore(t *testing.T) {
	s := NewSessionStore()
	a, err := s.Create(1)
	require.NoError(t, err)
	b, err := s.Create(2)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)

	uid, ok := s.Get(a)
	require.True(t, ok)
	assert.Equal(t, uint(1), uid)

	s.Delete(a)
	_, ok = s.Get(a)
	assert.False(t, ok)

	assert.Equal(t, 1, s.DeleteByUserID(2))
	_, ok = s.Get(b)
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestSessionIdleTimeoutSlides(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewSessionStore(WithClock(clock.Now), WithIdleTimeout(10*time.Minute))
	id, err := s.Create(1)
	require.NoError(t, err)

	clock.Advance(8 * time.Minute)
	_, ok := s.Get(id)
	require.True(t, ok)
	clock.Advance(8 * time.Minute)
	_, ok = s.Get(id)
	require.True(t, ok, "each request extends the idle window")

	clock.Advance(11 * time.Minute)
	_, ok = s.Get(id)
	assert.False(t, ok)
	assert.Zero(t, s.Len(), "expired session is dropped on lookup")
}

func TestSessionMaxLifetime(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewSessionStore(WithClock(clock.Now), WithIdleTimeout(time.Hour), WithMaxLifetime(90*time.Minute))
	id, err := s.Create(1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		clock.Advance(30 * time.Minute)
		_, ok := s.Get(id)
		require.True(t, ok)
	}
	clock.Advance(time.Minute)
	_, ok := s.Get(id)
	assert.False(t, ok)
}

func TestSessionCleanup(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewSessionStore(WithClock(clock.Now))
	_, err := s.Create(2)
	require.NoError(t, err)
	clock.Advance(IdleTimeout + time.Minute)
	live, err := s.Create(1)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Cleanup())
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get(live)
	assert.True(t, ok)
}
