package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gluk-w/hourboost/internal/auth"
	"github.com/gluk-w/hourboost/internal/config"
	"github.com/gluk-w/hourboost/internal/database"
)

type contextKey string

const userContextKey contextKey = "user"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func deny(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// sessionID reads the login session from the cookie, or from a bearer
// token for API clients such as the chat bot.
func sessionID(r *http.Request) string {
	if c, err := r.Cookie(auth.SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// authenticate resolves the request's user. On failure it returns the
// status and detail to send.
func authenticate(r *http.Request, store *auth.SessionStore) (*database.User, int, string) {
	if config.Cfg.AuthDisabled {
		user, err := database.GetFirstAdmin()
		if err != nil {
			return nil, http.StatusInternalServerError, "No admin user found"
		}
		return user, 0, ""
	}

	id := sessionID(r)
	if id == "" {
		return nil, http.StatusUnauthorized, "Authentication required"
	}
	userID, ok := store.Get(id)
	if !ok {
		return nil, http.StatusUnauthorized, "Session expired"
	}
	user, err := database.GetUserByID(userID)
	if err != nil {
		store.Delete(id)
		return nil, http.StatusUnauthorized, "Authentication required"
	}
	if user.Banned {
		store.DeleteByUserID(user.ID)
		return nil, http.StatusForbidden, "Account banned"
	}
	return user, 0, ""
}

func RequireAuth(store *auth.SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, status, detail := authenticate(r, store)
			if user == nil {
				deny(w, status, detail)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r) {
			deny(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func GetUser(r *http.Request) *database.User {
	user, _ := r.Context().Value(userContextKey).(*database.User)
	return user
}

func IsAdmin(r *http.Request) bool {
	user := GetUser(r)
	return user != nil && user.Role == "admin"
}

// CanAccessAccount reports whether the request's user may manage acct.
func CanAccessAccount(r *http.Request, acct *database.Account) bool {
	user := GetUser(r)
	if user == nil || acct == nil {
		return false
	}
	return user.Role == "admin" || acct.OwnerID == user.ID
}
