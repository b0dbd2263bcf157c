package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/logging"
)

const maxLogLines = 5000

// GetServerLogs returns the tail of the JSON log file. ?level=warn keeps
// only entries at that level.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive number")
			return
		}
		lines = min(n, maxLogLines)
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		Logger.Error("failed to read server logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to read server logs")
		return
	}
	if level := strings.ToLower(r.URL.Query().Get("level")); level != "" {
		content = filterLevel(content, level)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": content, "lines": lines})
}

func filterLevel(content, level string) string {
	needle := `"level":"` + level + `"`
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.Contains(line, needle) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		Logger.Error("failed to clear server logs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to clear server logs")
		return
	}
	Logger.Info("server logs cleared")
	w.WriteHeader(http.StatusNoContent)
}
