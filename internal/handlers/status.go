package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/hourboost/internal/statusboard"
)

// GetStatusPage is public: open incidents, recent timeline and an overall
// flag.
func GetStatusPage(w http.ResponseWriter, r *http.Request) {
	incidents := StatusBoard.List(r.URL.Query().Get("all") == "true")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operational": StatusBoard.Operational(),
		"incidents":   incidents,
		"timeline":    StatusBoard.Timeline(50),
	})
}

type incidentBody struct {
	Title   string             `json:"title"`
	Status  statusboard.Status `json:"status"`
	Message string             `json:"message"`
}

func writeBoardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, statusboard.ErrNotFound):
		writeError(w, http.StatusNotFound, "Incident not found")
	case errors.Is(err, statusboard.ErrResolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func CreateIncident(w http.ResponseWriter, r *http.Request) {
	var body incidentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	in, err := StatusBoard.Create(body.Title, body.Status, body.Message)
	if err != nil {
		writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func AddIncidentUpdate(w http.ResponseWriter, r *http.Request) {
	var body incidentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	in, err := StatusBoard.AddUpdate(chi.URLParam(r, "incidentId"), body.Status, body.Message)
	if err != nil {
		writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func ResolveIncident(w http.ResponseWriter, r *http.Request) {
	var body incidentBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	in, err := StatusBoard.Resolve(chi.URLParam(r, "incidentId"), body.Message)
	if err != nil {
		writeBoardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func DeleteIncident(w http.ResponseWriter, r *http.Request) {
	if err := StatusBoard.Delete(chi.URLParam(r, "incidentId")); err != nil {
		writeBoardError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
