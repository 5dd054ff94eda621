package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

// ArchiveStore lists and runs trade archives.
type ArchiveStore interface {
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
	Objects(ctx context.Context) ([]domain.BlobInfo, error)
	Load(ctx context.Context, path string) ([]domain.Trade, error)
}

// ArchiveHandler serves the cold-storage archive endpoints.
type ArchiveHandler struct {
	archive   ArchiveStore
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. Trades completed more than
// retention ago are archived by Run.
func NewArchiveHandler(archive ArchiveStore, retention time.Duration, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archive: archive, retention: retention, now: time.Now, logger: logHandler(logger, "archive")}
}

// List returns every archive object.
// GET /api/archives
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	objs, err := h.archive.Objects(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to list archives")
		return
	}
	if objs == nil {
		objs = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objs})
}

// Get returns the trades stored in one archive object.
// GET /api/archives/object?path=archive/trades/...
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, "archive/") {
		writeError(w, http.StatusBadRequest, "path must name an archive object")
		return
	}
	trades, err := h.archive.Load(r.Context(), path)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "load archive failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to load archive")
		return
	}
	respondTrades(w, trades, "archive")
}

// Run archives trades completed before the retention horizon.
// POST /api/archives/run
func (h *ArchiveHandler) Run(w http.ResponseWriter, r *http.Request) {
	before := h.now().Add(-h.retention)
	n, err := h.archive.ArchiveTrades(r.Context(), before)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "archive run failed",
			slog.Int64("archived", n),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadGateway, map[string]any{"archived": n, "error": err.Error()})
		return
	}
	h.logger.InfoContext(r.Context(), "archive run",
		slog.Int64("archived", n),
		slog.String("actor", actor(r)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"archived": n, "before": before.UTC()})
}
