package handler

import (
	"net/http"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// BalanceSource exposes the local balance ledger.
type BalanceSource interface {
	Balances() []domain.VenueAccountState
}

// BalanceHandler serves the balance view.
type BalanceHandler struct {
	src BalanceSource
}

// NewBalanceHandler creates a BalanceHandler.
func NewBalanceHandler(src BalanceSource) *BalanceHandler {
	return &BalanceHandler{src: src}
}

// List returns the local view of every venue balance, optionally filtered by
// ?venue=.
// GET /api/balances
func (h *BalanceHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.src == nil {
		writeError(w, http.StatusNotImplemented, "engine not running in this mode")
		return
	}
	venue := r.URL.Query().Get("venue")
	out := []domain.VenueAccountState{}
	for _, b := range h.src.Balances() {
		if venue == "" || b.Venue == venue {
			out = append(out, b)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": out})
}
