package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/accounts"
	"github.com/gluk-w/hourboost/internal/auth"
	"github.com/gluk-w/hourboost/internal/commands"
	"github.com/gluk-w/hourboost/internal/crypto"
	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/middleware"
	"github.com/gluk-w/hourboost/internal/platform/loopback"
	"github.com/gluk-w/hourboost/internal/session"
	"github.com/gluk-w/hourboost/internal/statusboard"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testServer struct {
	t  *testing.T
	lb *loopback.Platform
}

// setupTestServer wires the package globals against an in-memory database
// and the loopback platform.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	database.DB = db
	codec, err := crypto.NewCodec(crypto.GenerateKey())
	require.NoError(t, err)

	lb := loopback.New(loopback.WithOpenRegistration())
	cfg := session.DefaultConfig()
	cfg.FlushRetryDelay = time.Millisecond

	Store = database.NewStore(db)
	Pool = session.NewPool(session.Deps{
		Store:   Store,
		Codec:   codec,
		Factory: lb.Factory(),
		Logger:  zap.NewNop(),
		Config:  cfg,
	})
	Accounts = accounts.New(Store, codec, accounts.Limits{})
	Commands = commands.NewDispatcher(Accounts, Pool, zap.NewNop())
	SessionStore = auth.NewSessionStore()
	AppCache = nil
	StatusBoard, err = statusboard.Open(filepath.Join(t.TempDir(), "status.json"))
	require.NoError(t, err)
	EventOrigins = nil
	Events = NewEventHub(func(id uint) uint {
		st, _ := Pool.Status(id)
		return st.OwnerID
	})
	Pool.OnStateChange(Events.Publish)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = Pool.Shutdown(ctx)
		database.DB = nil
	})
	return &testServer{t: t, lb: lb}
}

func (s *testServer) user(name, role string) *database.User {
	s.t.Helper()
	hash, err := auth.HashPassword("secret-" + name)
	require.NoError(s.t, err)
	u := &database.User{Username: name, PasswordHash: hash, Role: role, TierID: 2}
	require.NoError(s.t, database.CreateUser(u))
	u, err = database.GetUserByID(u.ID)
	require.NoError(s.t, err)
	return u
}

type call struct {
	method string
	body   interface{}
	user   *database.User
	params map[string]string
}

func do(t *testing.T, h http.HandlerFunc, c call) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	if c.method == "" {
		c.method = http.MethodGet
	}
	req := httptest.NewRequest(c.method, "/", &body)
	if len(c.params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range c.params {
			rctx.URLParams.Add(k, v)
		}
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}
	if c.user != nil {
		req = middleware.WithUserForTest(req, c.user)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *testServer) addAccount(owner *database.User, handle string) accountResponse {
	s.t.Helper()
	rec := do(s.t, CreateAccount, call{method: http.MethodPost, user: owner, body: map[string]string{"handle": handle, "password": "pw"}})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	var acct accountResponse
	decode(s.t, rec, &acct)
	return acct
}

func idParam(id uint) map[string]string {
	return map[string]string{"id": jsonNumber(id)}
}

func jsonNumber(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func waitState(t *testing.T, id uint, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := Pool.State(id)
		return ok && st == want
	}, waitFor, tick)
}
