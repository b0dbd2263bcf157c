package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/crypto"
	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/platform/loopback"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errLocked = errors.New("database is locked")

// flakyStore fails the next failUsage AddUsage calls, and every call for
// brokenAccount. Other calls wait usageDelay first.
type flakyStore struct {
	*database.Store

	mu            sync.Mutex
	failUsage     int
	usageCalls    int
	brokenAccount uint
	usageDelay    time.Duration
}

func (f *flakyStore) AddUsage(ctx context.Context, id uint, hours float64, appIDs []uint32) error {
	f.mu.Lock()
	f.usageCalls++
	if f.failUsage > 0 || (f.brokenAccount != 0 && id == f.brokenAccount) {
		if f.failUsage > 0 {
			f.failUsage--
		}
		f.mu.Unlock()
		return errLocked
	}
	delay := f.usageDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return f.Store.AddUsage(ctx, id, hours, appIDs)
}

func (f *flakyStore) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUsage = n
}

func (f *flakyStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usageCalls
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Notify(_, _ uint, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func (r *recordingNotifier) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recordingNotifier) Count(substr string) int {
	n := 0
	for _, m := range r.Messages() {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = nil
}

type testEnv struct {
	t     *testing.T
	store *flakyStore
	codec *crypto.Codec
	lb    *loopback.Platform
	notes *recordingNotifier
	cfg   Config
	pool  *Pool
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	codec, err := crypto.NewCodec(crypto.GenerateKey())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.FlushRetryDelay = time.Millisecond
	cfg.RecoveryStagger = 10 * time.Millisecond
	cfg.ChallengeTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		t:     t,
		store: &flakyStore{Store: database.NewStore(db)},
		codec: codec,
		lb:    loopback.New(),
		notes: &recordingNotifier{},
		cfg:   cfg,
	}
	env.pool = NewPool(Deps{
		Store:    env.store,
		Codec:    codec,
		Factory:  env.lb.Factory(),
		Notifier: env.notes,
		Logger:   zap.NewNop(),
		Config:   cfg,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.pool.Shutdown(ctx)
	})
	return env
}

type accountOpt func(*database.Account, *loopback.Identity)

func withResources(ids ...uint32) accountOpt {
	return func(a *database.Account, _ *loopback.Identity) {
		a.Resources = database.EncodeResourceIDs(ids)
	}
}

func withSharedSecret(secret string, codec *crypto.Codec) accountOpt {
	return func(a *database.Account, id *loopback.Identity) {
		enc, err := codec.Encrypt(secret)
		if err != nil {
			panic(err)
		}
		a.SharedSecret = enc
		id.SharedSecret = secret
	}
}

// withStoredSecret stores a secret on the account that the platform does
// not know about.
func withStoredSecret(secret string, codec *crypto.Codec) accountOpt {
	return func(a *database.Account, _ *loopback.Identity) {
		enc, err := codec.Encrypt(secret)
		if err != nil {
			panic(err)
		}
		a.SharedSecret = enc
	}
}

func withEmailCode(code string) accountOpt {
	return func(_ *database.Account, id *loopback.Identity) {
		id.EmailCode = code
		id.Email = "owner@example.com"
	}
}

func withPlatformPassword(pw string) accountOpt {
	return func(_ *database.Account, id *loopback.Identity) {
		id.Password = pw
	}
}

func (e *testEnv) addAccount(handle, password string, opts ...accountOpt) *database.Account {
	e.t.Helper()
	enc, err := e.codec.Encrypt(password)
	require.NoError(e.t, err)
	acct := &database.Account{Handle: handle, Password: enc, OwnerID: 1, Online: true}
	id := loopback.Identity{Handle: handle, Password: password}
	for _, o := range opts {
		o(acct, &id)
	}
	require.NoError(e.t, e.store.CreateAccount(context.Background(), acct))
	e.lb.Register(id)
	return acct
}

func (e *testEnv) account(id uint) *database.Account {
	e.t.Helper()
	a, err := e.store.GetAccount(context.Background(), id)
	require.NoError(e.t, err)
	return a
}

func (e *testEnv) waitState(id uint, want State) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		st, ok := e.pool.State(id)
		return ok && st == want
	}, waitFor, tick, "account %d never reached %s", id, want)
}

func (e *testEnv) waitNotice(substr string, n int) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return e.notes.Count(substr) >= n
	}, waitFor, tick, "never saw %d notices containing %q: %v", n, substr, e.notes.Messages())
}

// startActive starts the account and waits for the session to come up.
func (e *testEnv) startActive(id uint) {
	e.t.Helper()
	require.NoError(e.t, e.pool.Start(context.Background(), id))
	e.waitState(id, StateActive)
}
