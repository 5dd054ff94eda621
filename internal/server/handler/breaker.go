package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// BreakerController reads and overrides circuit breakers.
type BreakerController interface {
	Breakers() []domain.BreakerState
	Breaker(scope string) (domain.BreakerState, bool)
	ForceTrip(ctx context.Context, scope, reason, actor string) error
	ForceReset(ctx context.Context, scope, reason, actor string) error
}

// BreakerHandler serves circuit-breaker endpoints. Scopes contain '/' for
// pairs, so they travel in the query string or body rather than the path.
type BreakerHandler struct {
	ctrl   BreakerController
	logger *slog.Logger
}

// NewBreakerHandler creates a BreakerHandler.
func NewBreakerHandler(ctrl BreakerController, logger *slog.Logger) *BreakerHandler {
	return &BreakerHandler{ctrl: ctrl, logger: logHandler(logger, "breaker")}
}

// BreakerRequest is the JSON body for trip and reset.
type BreakerRequest struct {
	Scope  string `json:"scope"`
	Reason string `json:"reason"`
}

// List returns every breaker, or one when ?scope= is given.
// GET /api/breakers
func (h *BreakerHandler) List(w http.ResponseWriter, r *http.Request) {
	if scope := r.URL.Query().Get("scope"); scope != "" {
		st, ok := h.ctrl.Breaker(scope)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown breaker scope")
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	states := h.ctrl.Breakers()
	if states == nil {
		states = []domain.BreakerState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": states})
}

// Trip force-opens a breaker.
// POST /api/breakers/trip
func (h *BreakerHandler) Trip(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, h.ctrl.ForceTrip)
}

// Reset force-closes a breaker.
// POST /api/breakers/reset
func (h *BreakerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.override(w, r, h.ctrl.ForceReset)
}

func (h *BreakerHandler) override(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, scope, reason, actor string) error) {
	var req BreakerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Scope = strings.TrimSpace(req.Scope)
	if req.Scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "operator"
	}
	if err := fn(r.Context(), req.Scope, req.Reason, actor(r)); err != nil {
		if errors.Is(err, domain.ErrUnknownScope) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "breaker override failed",
			slog.String("scope", req.Scope),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, _ := h.ctrl.Breaker(req.Scope)
	writeJSON(w, http.StatusOK, st)
}
