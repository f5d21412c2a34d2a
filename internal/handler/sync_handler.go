package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"consignment-sync-server/internal/service"
	"consignment-sync-server/pkg/response"
)

type SyncHandler struct {
	sync   *service.SyncService
	logger *slog.Logger
}

func NewSyncHandler(sync *service.SyncService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{sync: sync, logger: logger}
}

// RefreshStale runs one refresh pass over stale products. ?limit caps the
// pass; zero or absent uses the configured batch size.
func (h *SyncHandler) RefreshStale(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	report, err := h.sync.RefreshStale(r.Context(), limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, report)
}
