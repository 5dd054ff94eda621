package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// TradeSource exposes the engine's in-memory trade views.
type TradeSource interface {
	RecentTrades(limit int) []domain.Trade
	InFlight() []domain.Trade
	Stranded() []domain.Trade
}

// TradeReader reads persisted trades.
type TradeReader interface {
	GetByID(ctx context.Context, id string) (domain.Trade, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Trade, error)
}

// TradeHandler serves trade endpoints. Either dependency may be nil: the
// engine views need a running engine and the history needs a database.
type TradeHandler struct {
	live   TradeSource
	store  TradeReader
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(live TradeSource, store TradeReader, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{live: live, store: store, logger: logHandler(logger, "trade")}
}

type tradesResponse struct {
	Trades []domain.Trade `json:"trades"`
	Source string         `json:"source"`
}

func respondTrades(w http.ResponseWriter, trades []domain.Trade, source string) {
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, tradesResponse{Trades: trades, Source: source})
}

// Recent returns finished trades, newest first. The engine's memory is used
// unless ?source=db is given or no engine is running here.
// GET /api/trades/recent?limit=50&source=db
func (h *TradeHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	if h.live != nil && r.URL.Query().Get("source") != "db" {
		respondTrades(w, h.live.RecentTrades(limit), "memory")
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "trade history not available")
		return
	}
	trades, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list recent trades failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	respondTrades(w, trades, "db")
}

// InFlight returns trades currently executing.
// GET /api/trades/inflight
func (h *TradeHandler) InFlight(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		writeError(w, http.StatusNotImplemented, "engine not running in this mode")
		return
	}
	respondTrades(w, h.live.InFlight(), "memory")
}

// Stranded returns trades holding inventory that still needs unwinding.
// GET /api/trades/stranded
func (h *TradeHandler) Stranded(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		writeError(w, http.StatusNotImplemented, "engine not running in this mode")
		return
	}
	respondTrades(w, h.live.Stranded(), "memory")
}

// Get returns one trade, checking live trades before the database.
// GET /api/trades/{id}
func (h *TradeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.live != nil {
		for _, group := range [][]domain.Trade{h.live.InFlight(), h.live.Stranded(), h.live.RecentTrades(0)} {
			for _, t := range group {
				if t.ID == id {
					writeJSON(w, http.StatusOK, t)
					return
				}
			}
		}
	}
	if h.store == nil {
		writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	t, err := h.store.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "trade not found")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "get trade failed",
			slog.String("trade_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get trade")
	default:
		writeJSON(w, http.StatusOK, t)
	}
}
