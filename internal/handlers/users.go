package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/auth"
	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/middleware"
)

type userResponse struct {
	ID        uint   `json:"id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	Tier      string `json:"tier"`
	Banned    bool   `json:"banned"`
	CreatedAt string `json:"created_at"`
}

func ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	result := make([]userResponse, 0, len(users))
	for _, u := range users {
		result = append(result, userResponse{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role,
			Tier:      u.Tier.Name,
			Banned:    u.Banned,
			CreatedAt: formatTimestamp(u.CreatedAt),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

func CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
		TierID   uint   `json:"tier_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	if body.Role == "" {
		body.Role = "user"
	}
	if body.Role != "admin" && body.Role != "user" {
		writeError(w, http.StatusBadRequest, "Role must be 'admin' or 'user'")
		return
	}
	if body.TierID == 0 {
		body.TierID = 1
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}

	user := &database.User{
		Username:     body.Username,
		PasswordHash: hash,
		Role:         body.Role,
		TierID:       body.TierID,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

// removeUserAccounts stops and deletes every account the user owns.
func removeUserAccounts(ctx context.Context, userID uint) (int, error) {
	list, err := Store.ListAccounts(ctx, userID)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, a := range list {
		if err := Pool.Remove(ctx, a.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove account %d: %w", a.ID, err))
		}
	}
	return len(list) - len(errs), errors.Join(errs...)
}

func DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	currentUser := middleware.GetUser(r)
	if currentUser != nil && currentUser.ID == id {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	if _, err := removeUserAccounts(r.Context(), id); err != nil {
		Logger.Error("failed to remove accounts of deleted user", zap.Uint("user_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to remove the user's accounts")
		return
	}
	if err := database.DeleteUser(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}

	// Invalidate all sessions for the deleted user
	SessionStore.DeleteByUserID(id)

	w.WriteHeader(http.StatusNoContent)
}

// BanUser bans or unbans a user. Banning also removes the user's accounts.
func BanUser(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	body := struct {
		Banned *bool `json:"banned"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Banned == nil {
		writeError(w, http.StatusBadRequest, "Field 'banned' is required")
		return
	}

	currentUser := middleware.GetUser(r)
	if currentUser != nil && currentUser.ID == id {
		writeError(w, http.StatusBadRequest, "Cannot ban your own account")
		return
	}
	if _, err := database.GetUserByID(id); err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	removed := 0
	if *body.Banned {
		var err error
		removed, err = removeUserAccounts(r.Context(), id)
		if err != nil {
			Logger.Error("failed to remove accounts of banned user", zap.Uint("user_id", id), zap.Error(err))
		}
		SessionStore.DeleteByUserID(id)
	}
	if err := database.SetUserBanned(id, *body.Banned); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update user")
		return
	}
	Logger.Info("user ban updated", zap.Uint("user_id", id), zap.Bool("banned", *body.Banned), zap.Int("accounts_removed", removed))

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "accounts_removed": removed})
}

func SetUserTier(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}
	var body struct {
		TierID uint `json:"tier_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := database.SetUserTier(id, body.TierID); err != nil {
		if database.IsNotFound(err) {
			writeError(w, http.StatusBadRequest, "Unknown tier")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update tier")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ListTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := database.ListTiers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tiers")
		return
	}
	writeJSON(w, http.StatusOK, tiers)
}
