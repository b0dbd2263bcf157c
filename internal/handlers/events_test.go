package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/hourboost/internal/middleware"
	"github.com/gluk-w/hourboost/internal/session"
)

func TestEventHubFiltersByOwner(t *testing.T) {
	owners := map[uint]uint{1: 10, 2: 20}
	hub := NewEventHub(func(id uint) uint { return owners[id] })
	mine := hub.subscribe(10, false)
	admin := hub.subscribe(99, true)

	hub.Publish(1, session.Transition{From: session.StateIdle, To: session.StateAuthenticating, Timestamp: time.Now()})
	hub.Publish(2, session.Transition{From: session.StateIdle, To: session.StateAuthenticating, Timestamp: time.Now()})

	require.Len(t, mine.ch, 1)
	ev := <-mine.ch
	assert.Equal(t, uint(1), ev.AccountID)
	assert.Equal(t, uint(10), ev.OwnerID)
	assert.Equal(t, "authenticating", ev.To)
	assert.Len(t, admin.ch, 2)

	hub.unsubscribe(mine)
	hub.unsubscribe(admin)
	assert.Zero(t, hub.Subscribers())
}

func TestEventHubDropsWhenFull(t *testing.T) {
	hub := NewEventHub(nil)
	sub := hub.subscribe(0, true)
	for i := 0; i < subscriberBuffer+3; i++ {
		hub.Publish(1, session.Transition{To: session.StateActive})
	}
	assert.Len(t, sub.ch, subscriberBuffer)
	assert.Equal(t, 3, hub.dropped)
}

func TestStreamEvents(t *testing.T) {
	s := setupTestServer(t)
	alice := s.user("alice", "user")
	acct := s.addAccount(alice, "gamer")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		StreamEvents(w, middleware.WithUserForTest(r, alice))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return Events.Subscribers() == 1 }, waitFor, tick)

	require.NoError(t, Pool.Start(ctx, acct.ID))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev SessionEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, acct.ID, ev.AccountID)
	assert.Equal(t, alice.ID, ev.OwnerID)
	assert.Equal(t, "authenticating", ev.To)
}

func TestStreamEventsChecksOrigin(t *testing.T) {
	s := setupTestServer(t)
	alice := s.user("alice", "user")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		StreamEvents(w, middleware.WithUserForTest(r, alice))
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dial := func(origin string) (*websocket.Conn, *http.Response, error) {
		return websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
	}

	_, resp, err := dial("https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, Events.Subscribers())

	EventOrigins = []string{"dashboard.example"}
	conn, _, err := dial("https://dashboard.example")
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return Events.Subscribers() == 1 }, waitFor, tick)
}
