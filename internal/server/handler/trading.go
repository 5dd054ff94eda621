package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// TradingController starts and stops the engine and toggles execution.
type TradingController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	ExecutionEnabled() bool
	EnableExecution(ctx context.Context, actor string)
	DisableExecution(ctx context.Context, actor string)
}

// TradingHandler serves the trading control endpoints. When ctrl is nil
// (server mode), requests return 501.
type TradingHandler struct {
	ctrl TradingController
	// base outlives the request so a started engine keeps running.
	base   context.Context
	logger *slog.Logger
}

// NewTradingHandler creates a TradingHandler. base is the process context the
// engine runs under; ctrl may be nil.
func NewTradingHandler(base context.Context, ctrl TradingController, logger *slog.Logger) *TradingHandler {
	return &TradingHandler{ctrl: ctrl, base: base, logger: logHandler(logger, "trading")}
}

func (h *TradingHandler) unavailable(w http.ResponseWriter) bool {
	if h.ctrl == nil {
		writeError(w, http.StatusNotImplemented, "engine not running in this mode")
		return true
	}
	return false
}

// Start begins scanning and executing.
// POST /api/trading/start
func (h *TradingHandler) Start(w http.ResponseWriter, r *http.Request) {
	if h.unavailable(w) {
		return
	}
	if h.ctrl.Running() {
		writeJSON(w, http.StatusOK, map[string]any{"running": true})
		return
	}
	if err := h.ctrl.Start(h.base); err != nil {
		h.logger.ErrorContext(r.Context(), "start trading failed", slog.String("error", err.Error()))
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.logger.WarnContext(r.Context(), "trading started", slog.String("actor", actor(r)))
	writeJSON(w, http.StatusOK, map[string]any{"running": true})
}

// Stop drains in-flight trades and stops the engine. The drain is bounded by
// the engine's shutdown grace, not by the request.
// POST /api/trading/stop
func (h *TradingHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if h.unavailable(w) {
		return
	}
	err := h.ctrl.Stop(context.WithoutCancel(r.Context()))
	if err != nil && !errors.Is(err, domain.ErrEngineStopped) {
		h.logger.ErrorContext(r.Context(), "stop trading failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.WarnContext(r.Context(), "trading stopped", slog.String("actor", actor(r)))
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

// EnableExecution resumes order placement.
// POST /api/execution/enable
func (h *TradingHandler) EnableExecution(w http.ResponseWriter, r *http.Request) {
	if h.unavailable(w) {
		return
	}
	h.ctrl.EnableExecution(r.Context(), actor(r))
	writeJSON(w, http.StatusOK, map[string]any{"execution_enabled": h.ctrl.ExecutionEnabled()})
}

// DisableExecution pauses order placement; detection continues.
// POST /api/execution/disable
func (h *TradingHandler) DisableExecution(w http.ResponseWriter, r *http.Request) {
	if h.unavailable(w) {
		return
	}
	h.ctrl.DisableExecution(r.Context(), actor(r))
	writeJSON(w, http.StatusOK, map[string]any{"execution_enabled": h.ctrl.ExecutionEnabled()})
}
