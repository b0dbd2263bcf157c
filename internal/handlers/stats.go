package handlers

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/hourboost/internal/appcache"
)

var startedAt = time.Now()

func GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := Store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users":        st.Users,
		"accounts":     st.Accounts,
		"running":      st.Running,
		"global_hours": st.GlobalHours,
		"sessions":     Pool.StateCounts(),
	})
}

type leaderboardEntry struct {
	Rank       int     `json:"rank"`
	AppID      uint32  `json:"app_id"`
	Name       string  `json:"name"`
	ImagePath  string  `json:"image_path,omitempty"`
	TotalHours float64 `json:"total_hours"`
}

// GetLeaderboard lists the most boosted resources with names and images.
// Unknown apps are resolved a few at a time.
func GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	rows, err := Store.Leaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load leaderboard")
		return
	}

	out := make([]leaderboardEntry, len(rows))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(4)
	for i, row := range rows {
		out[i] = leaderboardEntry{Rank: i + 1, AppID: row.AppID, Name: row.Name, TotalHours: row.TotalHours}
		if AppCache == nil {
			continue
		}
		if info, ok := AppCache.Lookup(row.AppID); ok {
			applyInfo(&out[i], info)
			continue
		}
		g.Go(func() error {
			applyInfo(&out[i], AppCache.Info(ctx, row.AppID))
			return nil
		})
	}
	_ = g.Wait()
	writeJSON(w, http.StatusOK, out)
}

func applyInfo(e *leaderboardEntry, info appcache.Info) {
	e.Name = info.Name
	e.ImagePath = info.ImagePath
}

func GetSystemStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int64(time.Since(startedAt).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc":     m.HeapAlloc,
		"heap_sys":       m.HeapSys,
		"gc_cycles":      m.NumGC,
		"go_version":     runtime.Version(),
		"sessions":       Pool.StateCounts(),
	})
}
