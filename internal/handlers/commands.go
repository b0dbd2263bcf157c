package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/hourboost/internal/middleware"
)

// RunCommand executes one chat command line for the caller.
func RunCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	reply, err := Commands.Execute(r.Context(), middleware.GetUser(r).ID, body.Command)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}
