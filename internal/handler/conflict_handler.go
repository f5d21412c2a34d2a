package handler

import (
	"log/slog"
	"net/http"

	"consignment-sync-server/internal/domain"
	"consignment-sync-server/internal/middleware"
	"consignment-sync-server/internal/service"
	"consignment-sync-server/pkg/response"

	"github.com/gorilla/mux"
)

type ConflictHandler struct {
	conflicts  *service.ConflictService
	resolution *service.ResolutionService
	logger     *slog.Logger
}

func NewConflictHandler(conflicts *service.ConflictService, resolution *service.ResolutionService, logger *slog.Logger) *ConflictHandler {
	return &ConflictHandler{
		conflicts:  conflicts,
		resolution: resolution,
		logger:     logger,
	}
}

type resolveConflictRequest struct {
	Resolution domain.Resolution `json:"resolution"`
	Notes      string            `json:"notes" validate:"max=2000"`
}

type ignoreConflictRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ConflictFilter{
		Status:    domain.ConflictStatus(q.Get("status")),
		Type:      domain.ConflictType(q.Get("type")),
		System:    domain.ExternalSystem(q.Get("system")),
		ProductID: q.Get("product_id"),
	}
	switch {
	case filter.Status != "" && filter.Status != domain.ConflictStatusPending &&
		filter.Status != domain.ConflictStatusResolved && filter.Status != domain.ConflictStatusIgnored:
		response.BadRequest(w, "unknown status "+string(filter.Status))
		return
	case filter.Type != "" && !filter.Type.Valid():
		response.BadRequest(w, "unknown type "+string(filter.Type))
		return
	case filter.System != "" && !filter.System.Valid():
		response.BadRequest(w, "unknown system "+string(filter.System))
		return
	}

	conflicts, err := h.conflicts.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, conflicts)
}

func (h *ConflictHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.conflicts.GetSummary(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, summary)
}

func (h *ConflictHandler) Get(w http.ResponseWriter, r *http.Request) {
	conflict, err := h.conflicts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, conflict)
}

// Resolve applies the chosen resolution. The side effect runs before the
// conflict is marked decided, so a failed push leaves it pending.
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveConflictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if err := domain.ValidateStruct(req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conflict, err := h.resolution.Apply(r.Context(), mux.Vars(r)["id"], req.Resolution, middleware.GetOperatorID(r), req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, conflict)
}

func (h *ConflictHandler) Ignore(w http.ResponseWriter, r *http.Request) {
	var req ignoreConflictRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}
	if err := domain.ValidateStruct(req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	conflict, err := h.conflicts.Ignore(r.Context(), mux.Vars(r)["id"], middleware.GetOperatorID(r), req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	response.Success(w, conflict)
}
