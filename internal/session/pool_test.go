package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/hourboost/internal/database"
)

func TestRecoverRestartsRunningAccounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	a := env.addAccount("alice", "hunter2")
	b := env.addAccount("bob", "swordfish")
	c := env.addAccount("carol", "letmein")
	require.NoError(t, env.store.SetRunning(ctx, a.ID, true))
	require.NoError(t, env.store.SetRunning(ctx, b.ID, true))

	n, err := env.pool.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	env.waitState(a.ID, StateActive)
	env.waitState(b.ID, StateActive)
	_, tracked := env.pool.State(c.ID)
	assert.False(t, tracked)
	assert.Equal(t, 2, env.notes.Count("Automatically restarting..."))
}

func TestRecoverSkipsLiveSessions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	a := env.addAccount("alice", "hunter2")
	env.startActive(a.ID)

	n, err := env.pool.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Never(t, func() bool {
		return env.notes.Count("Automatically restarting...") > 0
	}, 100*time.Millisecond, tick)
	assert.Equal(t, 1, env.notes.Count("Successfully logged on"))
}

func TestShutdownKeepsRunningFlags(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Now())
	env := newTestEnv(t, func(c *Config) { c.Now = clock.Now })
	a := env.addAccount("alice", "hunter2")
	env.startActive(a.ID)
	clock.Advance(time.Hour)

	require.NoError(t, env.pool.Shutdown(ctx))

	got := env.account(a.ID)
	assert.True(t, got.Running)
	assert.InDelta(t, 1.0, got.TotalHours, 1e-6)
	assert.Empty(t, env.pool.List())
	assert.False(t, env.lb.Online("alice"))
}

func TestShutdownFlushFailureDoesNotCostOtherAccounts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Now())
	env := newTestEnv(t, func(c *Config) { c.Now = clock.Now })
	a := env.addAccount("alice", "hunter2")
	b := env.addAccount("bob", "swordfish")
	env.startActive(a.ID)
	env.startActive(b.ID)
	clock.Advance(time.Hour)

	env.store.mu.Lock()
	env.store.brokenAccount = a.ID
	env.store.usageDelay = 200 * time.Millisecond
	env.store.mu.Unlock()

	err := env.pool.Shutdown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errLocked)

	assert.InDelta(t, 0, env.account(a.ID).TotalHours, 1e-6)
	assert.InDelta(t, 1.0, env.account(b.ID).TotalHours, 1e-6)
	assert.True(t, env.account(b.ID).Running)
}

func TestRemoveDeletesAccount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	a := env.addAccount("alice", "hunter2")
	env.startActive(a.ID)

	require.NoError(t, env.pool.Remove(ctx, a.ID))

	_, tracked := env.pool.State(a.ID)
	assert.False(t, tracked)
	assert.Empty(t, env.pool.Transitions(a.ID))
	assert.False(t, env.lb.Online("alice"))
	_, err := env.store.GetAccount(ctx, a.ID)
	assert.True(t, database.IsNotFound(err))

	assert.ErrorIs(t, env.pool.Remove(ctx, a.ID), ErrAccountNotFound)
}

func TestStopUntrackedClearsRunningFlag(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	a := env.addAccount("alice", "hunter2")
	require.NoError(t, env.store.SetRunning(ctx, a.ID, true))

	require.NoError(t, env.pool.Stop(ctx, a.ID))
	assert.False(t, env.account(a.ID).Running)

	assert.ErrorIs(t, env.pool.Stop(ctx, 9999), ErrAccountNotFound)
}

func TestStartUnknownAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.ErrorIs(t, env.pool.Start(context.Background(), 9999), ErrAccountNotFound)
	assert.Empty(t, env.pool.List())
}

func TestConcurrentStartsCreateOneSession(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.addAccount("alice", "hunter2")

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.pool.Start(context.Background(), a.ID)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, ErrAlreadyActive) || errors.Is(err, ErrTransitionInProgress), "unexpected error %v", err)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, env.pool.List(), 1)
	env.waitState(a.ID, StateActive)
}

func TestRestartAllOnlyTouchesOwner(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	a := env.addAccount("alice", "hunter2")
	b := env.addAccount("bob", "swordfish")
	require.NoError(t, env.store.DB().Model(&database.Account{}).Where("id = ?", b.ID).Update("owner_id", 2).Error)
	env.startActive(a.ID)
	env.startActive(b.ID)

	n, err := env.pool.RestartAll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	env.waitNotice("Automatically restarting...", 1)
	env.waitState(a.ID, StateActive)

	assert.Equal(t, 1, env.notes.Count("**alice** | Restarting..."))
	assert.Equal(t, 0, env.notes.Count("**bob** | Restarting..."))
}

func TestListAndNotices(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.addAccount("alice", "hunter2", withResources(730))
	b := env.addAccount("bob", "swordfish")
	env.startActive(b.ID)
	env.startActive(a.ID)

	list := env.pool.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].AccountID)
	assert.Equal(t, b.ID, list[1].AccountID)
	assert.Equal(t, []uint32{730}, list[0].Resources)
	assert.NotNil(t, list[0].ActiveSince)

	assert.Len(t, env.pool.ListOwner(1), 2)
	assert.Empty(t, env.pool.ListOwner(2))

	notices := env.pool.Notices(a.ID)
	require.NotEmpty(t, notices)
	assert.Equal(t, "**alice** | Successfully logged on as lb:alice. Started playing `730`.", notices[len(notices)-1].Text)

	counts := env.pool.StateCounts()
	assert.Equal(t, 2, counts["active"])
	assert.Equal(t, 0, counts["faulted"])
}

func TestOnStateChangeCallback(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.addAccount("alice", "hunter2")

	var mu sync.Mutex
	var seen []State
	env.pool.OnStateChange(func(id uint, tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		if id == a.ID {
			seen = append(seen, tr.To)
		}
	})

	env.startActive(a.ID)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateAuthenticating, StateActive}, seen)
}
