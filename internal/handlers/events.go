package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/middleware"
	"github.com/gluk-w/hourboost/internal/session"
)

const (
	subscriberBuffer  = 64
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

// SessionEvent is one transition as sent to dashboard clients.
type SessionEvent struct {
	ID        string    `json:"id"`
	AccountID uint      `json:"account_id"`
	OwnerID   uint      `json:"owner_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	ownerID uint
	admin   bool
	ch      chan SessionEvent
}

// EventHub fans session transitions out to websocket subscribers. A slow
// subscriber misses events rather than blocking the sessions.
type EventHub struct {
	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	owners  func(accountID uint) uint
	dropped int
}

// NewEventHub builds a hub; owners resolves an account to its owner.
func NewEventHub(owners func(accountID uint) uint) *EventHub {
	return &EventHub{subs: make(map[*subscriber]struct{}), owners: owners}
}

// Publish is registered with Pool.OnStateChange.
func (h *EventHub) Publish(accountID uint, t session.Transition) {
	ev := SessionEvent{
		ID:        uuid.NewString(),
		AccountID: accountID,
		From:      t.From.String(),
		To:        t.To.String(),
		Reason:    t.Reason,
		Timestamp: t.Timestamp,
	}
	if h.owners != nil {
		ev.OwnerID = h.owners(accountID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.admin && s.ownerID != ev.OwnerID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped++
		}
	}
}

func (h *EventHub) subscribe(ownerID uint, admin bool) *subscriber {
	s := &subscriber{ownerID: ownerID, admin: admin, ch: make(chan SessionEvent, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *EventHub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// StreamEvents upgrades to a websocket and streams the caller's session
// transitions. Admins see every account.
func StreamEvents(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: EventOrigins,
	})
	if err != nil {
		Logger.Warn("failed to accept event stream", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sub := Events.subscribe(user.ID, middleware.IsAdmin(r))
	defer Events.unsubscribe(sub)

	// Reads only serve close frames; the client never sends data.
	ctx := conn.CloseRead(r.Context())

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-sub.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
