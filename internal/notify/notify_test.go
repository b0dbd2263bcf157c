package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Text
	}
	return out
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(8, zap.NewNop(), nil, sink)
	d.Notify(1, 10, "one")
	d.Notify(1, 10, "two")
	d.Close()

	assert.Equal(t, []string{"one", "two"}, sink.texts())
}

func TestDispatcherSinkFailureDoesNotStopOthers(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}
	d := NewDispatcher(8, zap.NewNop(), nil, failing, ok)
	d.Notify(1, 10, "hello")
	d.Close()

	assert.Equal(t, []string{"hello"}, ok.texts())
	assert.Equal(t, []string{"hello"}, failing.texts())
}

func TestNotifyAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(1, zap.NewNop(), nil, sink)
	d.Close()
	d.Notify(1, 10, "late")
	d.Close()
	assert.Empty(t, sink.texts())
}

func TestWebhookSink(t *testing.T) {
	var calls atomic.Int32
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	s.client.RetryWaitMin = 0
	s.client.RetryWaitMax = 0
	require.NoError(t, s.Send(context.Background(), Message{OwnerID: 7, Text: "**alice** | hi"}))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, uint(7), got.OwnerID)
	assert.Equal(t, "**alice** | hi", got.Text)
}

func TestWebhookSinkClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewWebhookSink(srv.URL)
	assert.Error(t, s.Send(context.Background(), Message{OwnerID: 1, Text: "x"}))
}

func TestLoggedTextIsSanitized(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	text := "**bad\nLEVEL=error forged** | Successfully logged on"

	require.NoError(t, LogSink{Logger: logger}.Send(context.Background(), Message{OwnerID: 1, AccountID: 2, Text: text}))

	d := NewDispatcher(1, logger, nil)
	d.Close()
	d.Notify(1, 2, text)

	entries := logs.All()
	require.Len(t, entries, 2)
	for _, e := range entries {
		logged := e.ContextMap()["text"].(string)
		assert.NotContains(t, logged, "\n")
		assert.Equal(t, "**bad LEVEL=error forged** | Successfully logged on", logged)
	}
}
