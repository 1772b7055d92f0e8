package server

import (
	"net/http"
	"time"

	"github.com/sw2719/multi-chzzk-recorder/db"
)

// HandleHealthz responds to liveness probe requests by checking database
// connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyzStaleAfter is how old the last check-cycle heartbeat may be before
// the loop is considered stalled.
const readyzStaleAfter = 5 * time.Minute

// HandleReadyz reports readiness: the database must answer and the check
// loop must have completed a cycle recently.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready", "failed_check": "database", "error": err.Error(),
		})
		return
	}
	raw, err := db.GetKV(r.Context(), h.deps.DB, "last_cycle_at")
	if err == nil && raw != "" {
		at, parseErr := time.Parse(time.RFC3339, raw)
		if parseErr == nil && time.Since(at) > readyzStaleAfter {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready", "failed_check": "check_loop", "error": "last cycle at " + raw,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports an operational snapshot for the front-end's status
// command: monitored channels with recording state and active download count.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	lastCycle, _ := db.GetKV(r.Context(), h.deps.DB, "last_cycle_at")
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":            time.Since(h.started).Round(time.Second).String(),
		"channels":          h.deps.Supervisor.Snapshot(),
		"active_recordings": h.deps.Supervisor.ActiveRecordings(),
		"active_downloads":  h.deps.Downloads.Active(),
		"subscribers":       h.deps.Events.Subscribers(),
		"last_cycle_at":     lastCycle,
	})
}
