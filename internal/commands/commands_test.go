package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/accounts"
	"github.com/gluk-w/hourboost/internal/crypto"
	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/platform/loopback"
	"github.com/gluk-w/hourboost/internal/session"
)

type fixture struct {
	t     *testing.T
	store *database.Store
	lb    *loopback.Platform
	pool  *session.Pool
	d     *Dispatcher
	owner uint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	codec, err := crypto.NewCodec(crypto.GenerateKey())
	require.NoError(t, err)

	owner := &database.User{Username: "alice", PasswordHash: "x", TierID: 2}
	require.NoError(t, db.Create(owner).Error)

	store := database.NewStore(db)
	lb := loopback.New()
	cfg := session.DefaultConfig()
	cfg.FlushRetryDelay = time.Millisecond
	pool := session.NewPool(session.Deps{
		Store:   store,
		Codec:   codec,
		Factory: lb.Factory(),
		Logger:  zap.NewNop(),
		Config:  cfg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	svc := accounts.New(store, codec, accounts.Limits{})
	return &fixture{
		t:     t,
		store: store,
		lb:    lb,
		pool:  pool,
		d:     NewDispatcher(svc, pool, zap.NewNop()),
		owner: owner.ID,
	}
}

func (f *fixture) run(line string) string {
	f.t.Helper()
	reply, err := f.d.Execute(context.Background(), f.owner, line)
	require.NoError(f.t, err)
	return reply
}

func (f *fixture) add(handle, password string) *database.Account {
	f.t.Helper()
	f.lb.Register(loopback.Identity{Handle: handle, Password: password})
	assert.Contains(f.t, f.run("boost add "+handle+" "+password), "Successfully added")
	acct, err := f.store.GetOwnedAccount(context.Background(), f.owner, handle)
	require.NoError(f.t, err)
	return acct
}

func (f *fixture) waitState(id uint, want session.State) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		st, ok := f.pool.State(id)
		return ok && st == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownAndMalformedCommands(t *testing.T) {
	f := newFixture(t)

	assert.Contains(t, f.run("dance"), "Unknown command `dance`")
	assert.Contains(t, f.run("boost"), "Usage: `boost <")
	assert.Contains(t, f.run("boost fly"), "Usage: `boost <")
	assert.Contains(t, f.run("boost start"), "Usage: `boost start <handle>`")
	assert.Contains(t, f.run("boost guard gamer"), "Usage: `boost guard <handle> <code>`")

	assert.Equal(t, "Empty command. Try `help`.", f.run("   "))
}

func TestAddAndList(t *testing.T) {
	f := newFixture(t)
	assert.Contains(t, f.run("boost list"), "No accounts yet")

	f.add("gamer", "-starts-with-dash")
	assert.Contains(t, f.run("boost add gamer pw"), "already exists")
	assert.Contains(t, f.run("config games gamer 730,440"), "`730`, `440`")

	out := f.run("boost list")
	assert.Contains(t, out, "#1 `gamer` | idle | 0.0 h | online | games: 730, 440")
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	acct := f.add("gamer", "pw")

	assert.Contains(t, f.run("boost stop gamer"), "is not being boosted")
	assert.Contains(t, f.run("boost start nobody"), "Account `nobody` not found")

	assert.Contains(t, f.run("boost start gamer"), "Started boosting for `gamer`")
	f.waitState(acct.ID, session.StateActive)
	assert.Contains(t, f.run("boost start gamer"), "already boosting")
	assert.Contains(t, f.run("boost list"), "| active |")

	assert.Contains(t, f.run("boost stop gamer"), "Stopped boosting for `gamer`")
	f.waitState(acct.ID, session.StateDisconnected)
}

func TestRestartAll(t *testing.T) {
	f := newFixture(t)
	a := f.add("one", "pw")
	f.add("two", "pw")

	assert.Contains(t, f.run("boost restart"), "Restarted `0` account(s)")
	assert.Contains(t, f.run("boost restart two"), "is not being boosted")

	f.run("boost start one")
	f.waitState(a.ID, session.StateActive)
	assert.Contains(t, f.run("boost restart"), "Restarted `1` account(s)")
	f.waitState(a.ID, session.StateActive)
}

func TestGuardCode(t *testing.T) {
	f := newFixture(t)
	f.lb.Register(loopback.Identity{Handle: "mailer", Password: "pw", EmailCode: "ABCDE", Email: "me@example.com"})
	f.run("boost add mailer pw")
	acct, err := f.store.GetOwnedAccount(context.Background(), f.owner, "mailer")
	require.NoError(t, err)

	assert.Contains(t, f.run("boost guard mailer ABCDE"), "does not require a code")

	f.run("boost start mailer")
	f.waitState(acct.ID, session.StateChallengeRequired)
	assert.Equal(t, "Invalid code, try again.", f.run("boost guard mailer WRONG"))
	assert.Contains(t, f.run("boost guard mailer ABCDE"), "Code submitted")
	f.waitState(acct.ID, session.StateActive)
}

func TestConfigCommands(t *testing.T) {
	f := newFixture(t)
	f.add("gamer", "pw")
	ctx := context.Background()

	out := f.run("config games gamer 730,730,440")
	assert.Contains(t, out, "Ignored duplicates: `730`")
	assert.Contains(t, out, "Start or restart the boost to apply changes.")
	assert.Contains(t, f.run("config games gamer abc"), "Invalid app id format")

	assert.Contains(t, f.run("config online gamer maybe"), "Expected `true` or `false`")
	assert.Contains(t, f.run("config online gamer false"), "appear invisible")
	acct, err := f.store.GetOwnedAccount(ctx, f.owner, "gamer")
	require.NoError(t, err)
	assert.False(t, acct.Online)

	assert.Contains(t, f.run("config seed gamer c2VjcmV0"), "Shared secret set")
	assert.Contains(t, f.run("config seed gamer"), "Shared secret removed")
	acct, err = f.store.GetOwnedAccount(ctx, f.owner, "gamer")
	require.NoError(t, err)
	assert.False(t, acct.HasSharedSecret())
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	acct := f.add("gamer", "pw")
	f.run("boost start gamer")
	f.waitState(acct.ID, session.StateActive)

	assert.Contains(t, f.run("boost remove gamer"), "Removed account `gamer`")
	_, tracked := f.pool.State(acct.ID)
	assert.False(t, tracked)
	assert.Contains(t, f.run("boost games gamer"), "not found")
}

func TestGamesWithoutHours(t *testing.T) {
	f := newFixture(t)
	f.add("gamer", "pw")
	assert.Contains(t, f.run("boost games gamer"), "No hours recorded")
}
