package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/accounts"
	"github.com/gluk-w/hourboost/internal/appcache"
	"github.com/gluk-w/hourboost/internal/auth"
	"github.com/gluk-w/hourboost/internal/commands"
	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/session"
	"github.com/gluk-w/hourboost/internal/statusboard"
)

// Set from main.go during init.
var (
	SessionStore *auth.SessionStore
	Pool         *session.Pool
	Store        *database.Store
	Accounts     *accounts.Service
	Commands     *commands.Dispatcher
	AppCache     *appcache.Cache
	StatusBoard  *statusboard.Board
	Events       *EventHub
	// EventOrigins lists the cross-origin hosts allowed on the event stream.
	EventOrigins []string
	Logger       = zap.NewNop()
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func urlID(r *http.Request, key string) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, key), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// writeSessionError maps account and session errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	var ve *accounts.ValidationError
	var rle *session.RateLimitedError
	var ice *session.InvalidCodeError
	var ae *session.AuthError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Message)
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "Too many login attempts, try again later")
	case errors.As(err, &ice):
		writeError(w, http.StatusUnprocessableEntity, "Invalid code, try again")
	case errors.As(err, &ae):
		writeError(w, http.StatusBadGateway, ae.Error())
	case errors.Is(err, accounts.ErrNotFound), errors.Is(err, session.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, session.ErrAlreadyActive):
		writeError(w, http.StatusConflict, "Account is already boosting")
	case errors.Is(err, session.ErrTransitionInProgress):
		writeError(w, http.StatusConflict, "A login or logout is already in progress")
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrNotTracked):
		writeError(w, http.StatusConflict, "Account is not being boosted")
	case errors.Is(err, session.ErrNoPendingChallenge):
		writeError(w, http.StatusConflict, "Account does not require a code")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "Service is shutting down")
	default:
		Logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Internal error: %v", err))
	}
}
