package loopback

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/hourboost/internal/guard"
	"github.com/gluk-w/hourboost/internal/platform"
)

func next(t *testing.T, c *Client) platform.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return platform.Event{}
	}
}

func TestPasswordLogonIssuesToken(t *testing.T) {
	p := New()
	p.Register(Identity{Handle: "alice", Password: "pw"})
	c := p.NewClient("alice")
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, platform.Credentials{Handle: "alice", Password: "pw"}))
	ev := next(t, c)
	require.Equal(t, platform.EventAuthenticated, ev.Kind)
	assert.NotEmpty(t, ev.Token)
	assert.True(t, ev.TokenExpiresAt.After(time.Now()))
	assert.True(t, p.Online("alice"))

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, platform.EventDisconnected, next(t, c).Kind)
	assert.False(t, p.Online("alice"))

	require.NoError(t, c.Connect(ctx, platform.Credentials{Handle: "alice", Token: ev.Token}))
	again := next(t, c)
	require.Equal(t, platform.EventAuthenticated, again.Kind)
	assert.Empty(t, again.Token, "token reuse does not issue a new token")
}

func TestBadPassword(t *testing.T) {
	p := New()
	p.Register(Identity{Handle: "alice", Password: "pw"})
	c := p.NewClient("alice")

	require.NoError(t, c.Connect(context.Background(), platform.Credentials{Password: "nope"}))
	ev := next(t, c)
	assert.Equal(t, platform.EventError, ev.Kind)
	assert.Equal(t, platform.ResultInvalidPassword, ev.Code)
}

func TestRevokedToken(t *testing.T) {
	p := New()
	p.Register(Identity{Handle: "alice", Password: "pw"})
	c := p.NewClient("alice")
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, platform.Credentials{Password: "pw"}))
	tok := next(t, c).Token
	require.NoError(t, c.Disconnect(ctx))
	next(t, c)

	p.RevokeTokens("alice")
	require.NoError(t, c.Connect(ctx, platform.Credentials{Token: tok}))
	ev := next(t, c)
	assert.Equal(t, platform.EventError, ev.Kind)
	assert.Equal(t, platform.ResultAccessDenied, ev.Code)
}

func TestDeviceCodeChallenge(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("0123456789abcdefghij"))
	p := New()
	p.Register(Identity{Handle: "bob", Password: "pw", SharedSecret: secret})
	c := p.NewClient("bob")
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, platform.Credentials{Password: "pw"}))
	ev := next(t, c)
	require.Equal(t, platform.EventChallengeRequired, ev.Kind)
	assert.Equal(t, platform.ChallengeDeviceCode, ev.Challenge)

	err := c.SubmitSecondFactor(ctx, "XXXXX")
	require.Error(t, err)
	assert.Equal(t, platform.ResultTwoFactorCodeMismatch, platform.CodeOf(err))

	code, err := guard.Now(secret)
	require.NoError(t, err)
	require.NoError(t, c.SubmitSecondFactor(ctx, code))
	assert.Equal(t, platform.EventAuthenticated, next(t, c).Kind)
}

func TestEmailCodeChallenge(t *testing.T) {
	p := New()
	p.Register(Identity{Handle: "carol", Password: "pw", EmailCode: "ABCDE", Email: "carol@example.com"})
	c := p.NewClient("carol")
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, platform.Credentials{Password: "pw"}))
	ev := next(t, c)
	require.Equal(t, platform.ChallengeEmailCode, ev.Challenge)
	assert.Equal(t, "ca***@example.com", ev.Detail)

	err := c.SubmitSecondFactor(ctx, "WRONG")
	assert.Equal(t, platform.ResultInvalidLoginAuthCode, platform.CodeOf(err))
	require.NoError(t, c.SubmitSecondFactor(ctx, "ABCDE"))
	assert.Equal(t, platform.EventAuthenticated, next(t, c).Kind)
}

func TestSecondLogonReplacesFirst(t *testing.T) {
	p := New(WithOpenRegistration())
	first, second := p.NewClient("dave"), p.NewClient("dave")
	ctx := context.Background()

	require.NoError(t, first.Connect(ctx, platform.Credentials{Password: "x"}))
	next(t, first)
	require.NoError(t, second.Connect(ctx, platform.Credentials{Password: "x"}))
	next(t, second)

	ev := next(t, first)
	assert.Equal(t, platform.EventError, ev.Kind)
	assert.Equal(t, platform.ResultLogonSessionReplaced, ev.Code)
	assert.True(t, p.Online("dave"))
}

func TestKickAndDeclare(t *testing.T) {
	p := New(WithOpenRegistration())
	c := p.NewClient("erin")
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, platform.Credentials{Password: "x"}))
	next(t, c)
	require.NoError(t, c.DeclareActiveResources(ctx, []uint32{730, 440}))
	require.NoError(t, c.SetPresence(ctx, platform.PresenceOnline))
	assert.Equal(t, []uint32{730, 440}, p.Playing("erin"))

	require.True(t, p.Kick("erin", platform.ResultLoggedInElsewhere))
	ev := next(t, c)
	assert.Equal(t, platform.ResultLoggedInElsewhere, ev.Code)
	assert.False(t, p.Online("erin"))

	assert.NoError(t, c.Disconnect(ctx), "disconnect after a kick is a no-op")
	assert.Error(t, c.SetPresence(ctx, platform.PresenceOnline))
}

func TestCloseStopsEvents(t *testing.T) {
	p := New(WithOpenRegistration())
	c := p.NewClient("frank")
	require.NoError(t, c.Close())
	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.Error(t, c.Connect(context.Background(), platform.Credentials{Password: "x"}))
	assert.NoError(t, c.Close())
}
