package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/hourboost/internal/accounts"
	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/middleware"
	"github.com/gluk-w/hourboost/internal/session"
)

type accountResponse struct {
	ID              uint     `json:"id"`
	Handle          string   `json:"handle"`
	OwnerID         uint     `json:"owner_id"`
	Online          bool     `json:"online"`
	Resources       []uint32 `json:"resources"`
	HasSharedSecret bool     `json:"has_shared_secret"`
	Running         bool     `json:"running"`
	TotalHours      float64  `json:"total_hours"`
	Identity        string   `json:"identity"`
	State           string   `json:"state"`
	CreatedAt       string   `json:"created_at"`
}

func toAccountResponse(a *database.Account) accountResponse {
	resp := accountResponse{
		ID:              a.ID,
		Handle:          a.Handle,
		OwnerID:         a.OwnerID,
		Online:          a.Online,
		Resources:       a.ResourceIDs(),
		HasSharedSecret: a.HasSharedSecret(),
		Running:         a.Running,
		TotalHours:      a.TotalHours,
		Identity:        a.Identity,
		State:           session.StateIdle.String(),
		CreatedAt:       formatTimestamp(a.CreatedAt),
	}
	if resp.Resources == nil {
		resp.Resources = []uint32{}
	}
	if st, ok := Pool.Status(a.ID); ok {
		resp.State = st.State.String()
	}
	return resp
}

// loadAccount resolves {id} to an account the caller may manage. It writes
// the error response itself and returns nil on failure.
func loadAccount(w http.ResponseWriter, r *http.Request) *database.Account {
	id, ok := urlID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid account ID")
		return nil
	}
	user := middleware.GetUser(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return nil
	}
	acct, err := Accounts.Get(r.Context(), user.ID, id, middleware.IsAdmin(r))
	if err != nil {
		writeSessionError(w, err)
		return nil
	}
	return acct
}

func ListAccounts(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	var list []database.Account
	var err error
	if middleware.IsAdmin(r) && r.URL.Query().Get("all") == "true" {
		list, err = Store.ListAllAccounts(r.Context())
	} else {
		list, err = Accounts.List(r.Context(), user.ID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts")
		return
	}
	out := make([]accountResponse, 0, len(list))
	for i := range list {
		out = append(out, toAccountResponse(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accounts.AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.OwnerID = middleware.GetUser(r).ID
	acct, err := Accounts.Add(r.Context(), req)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func GetAccount(w http.ResponseWriter, r *http.Request) {
	acct := loadAccount(w, r)
	if acct == nil {
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

func DeleteAccount(w http.ResponseWriter, r *http.Request) {
	acct := loadAccount(w, r)
	if acct == nil {
		return
	}
	if err := Pool.Remove(r.Context(), acct.ID); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateAccountConfig applies any of the optional fields. Changes take effect
// on the next start or restart.
func UpdateAccountConfig(w http.ResponseWriter, r *http.Request) {
	acct := loadAccount(w, r)
	if acct == nil {
		return
	}
	var body struct {
		Resources    *string `json:"resources"`
		Online       *bool   `json:"online"`
		SharedSecret *string `json:"shared_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var duplicates []uint32
	if body.Resources != nil {
		upd, err := Accounts.SetResources(r.Context(), acct, *body.Resources)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		duplicates = upd.Duplicates
	}
	if body.Online != nil {
		if err := Accounts.SetPresence(r.Context(), acct, *body.Online); err != nil {
			writeSessionError(w, err)
			return
		}
	}
	if body.SharedSecret != nil {
		if err := Accounts.SetSharedSecret(r.Context(), acct, *body.SharedSecret); err != nil {
			writeSessionError(w, err)
			return
		}
	}

	if duplicates == nil {
		duplicates = []uint32{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":    toAccountResponse(acct),
		"duplicates": duplicates,
	})
}

func StartAccount(w http.ResponseWriter, r *http.Request) {
	acct := loadAccount(w, r)
	if acct == nil {
		return
	}
	if err := Pool.Start(r.Context(), acct.ID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeAccountSession(w, acct.ID, http.StatusAccepted)
}

func StopAccount(w http.ResponseWriter, r *http.Request) {
	acct := loadAccount(w, r)
	if acct == nil {
		return
	}
	if err := Pool.Stop(r.Context(), acct.ID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeAccountSession(w, acct.ID, http.StatusOK)
}

func RestartAccount(w http.ResponseWriter, r *http.Request) {
	acct := loadAccount(w, r)
	if acct == nil {
		return
	}
	if err := Pool.Restart(r.Context(), acct.ID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeAccountSession(w, acct.ID, http.StatusAccepted)
}

// RestartAllAccounts restarts the caller's active sessions.
func RestartAllAccounts(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	ownerID := user.ID
	if middleware.IsAdmin(r) && r.URL.Query().Get("all") == "true" {
		ownerID = 0
	}
	n, err := Pool.RestartAll(r.Context(), ownerID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"restarted": n})
}

func SubmitGuardCode(w http.ResponseWriter, r *http.Request) {
	acct := loadAccount(w, r)
	if acct == nil {
		return
	}
	var body struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		writeError(w, http.StatusBadRequest, "A code is required")
		return
	}
	if err := Pool.SubmitCode(r.Context(), acct.ID, body.ChallengeID, body.Code); err != nil {
		writeSessionError(w, err)
		return
	}
	writeAccountSession(w, acct.ID, http.StatusOK)
}

// GetAccountSession returns the live status with recent transitions and
// notices.
func GetAccountSession(w http.ResponseWriter, r *http.Request) {
	acct := loadAccount(w, r)
	if acct == nil {
		return
	}
	writeAccountSession(w, acct.ID, http.StatusOK)
}

func writeAccountSession(w http.ResponseWriter, id uint, status int) {
	st, tracked := Pool.Status(id)
	if !tracked {
		st = session.Status{AccountID: id, State: session.StateIdle}
	}
	transitions := Pool.Transitions(id)
	if transitions == nil {
		transitions = []session.Transition{}
	}
	notices := Pool.Notices(id)
	if notices == nil {
		notices = []session.Notice{}
	}
	writeJSON(w, status, map[string]interface{}{
		"tracked":     tracked,
		"status":      st,
		"transitions": transitions,
		"notices":     notices,
	})
}

// ListSessions returns the tracked sessions visible to the caller.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	var list []session.Status
	if middleware.IsAdmin(r) {
		list = Pool.List()
	} else {
		list = Pool.ListOwner(user.ID)
	}
	if list == nil {
		list = []session.Status{}
	}
	writeJSON(w, http.StatusOK, list)
}
