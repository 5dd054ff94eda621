package handler

import (
	"net/http"

	"github.com/alanyoungcy/crossarb/internal/engine"
)

// StatsSource reports engine statistics.
type StatsSource interface {
	Stats() engine.Stats
}

// StatusHandler serves the backend status for dashboards.
type StatusHandler struct {
	mode   string
	venues []string
	eng    StatsSource
}

// NewStatusHandler creates a StatusHandler. eng may be nil in server mode.
func NewStatusHandler(mode string, venues []string, eng StatsSource) *StatusHandler {
	return &StatusHandler{mode: mode, venues: venues, eng: eng}
}

// GetStatus responds with the run mode, the configured venues and whether
// the engine is trading.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":   h.mode,
		"venues": h.venues,
	}
	if h.eng != nil {
		st := h.eng.Stats()
		body["running"] = st.Running
		body["execution_enabled"] = st.Execution
		body["inflight"] = st.InFlight
	}
	writeJSON(w, http.StatusOK, body)
}

// GetStats responds with trading statistics.
// GET /api/stats
func (h *StatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.eng == nil {
		writeError(w, http.StatusNotImplemented, "engine not running in this mode")
		return
	}
	writeJSON(w, http.StatusOK, h.eng.Stats())
}
