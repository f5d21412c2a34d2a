package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"consignment-sync-server/internal/domain"
	"consignment-sync-server/pkg/response"
)

// writeError maps a service error onto a status code and error code.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var vce *domain.VersionConflictError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, domain.ErrConflictNotPending):
		response.ErrorWithCode(w, http.StatusConflict, response.CodeConflictNotPending, err.Error())
	case errors.As(err, &vce):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":          false,
			"code":             response.CodeVersionConflict,
			"error":            err.Error(),
			"object_id":        vce.ObjectID,
			"expected_version": vce.Expected,
			"actual_version":   vce.Actual,
		})
	case errors.Is(err, domain.ErrValidation):
		response.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrExternalAPI):
		logger.Warn("external api failure", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		response.ErrorWithCode(w, http.StatusBadGateway, response.CodeExternalAPI, err.Error())
	case errors.Is(err, domain.ErrConfiguration):
		logger.Error("configuration error", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		response.ErrorWithCode(w, http.StatusServiceUnavailable, response.CodeConfiguration, err.Error())
	case errors.Is(err, domain.ErrInvariantViolation):
		logger.Error("invariant violated", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		response.ErrorWithCode(w, http.StatusInternalServerError, response.CodeInvariantViolation, "internal consistency error")
	default:
		logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		response.InternalError(w, "internal server error")
	}
}

// decodeJSON reads a JSON body, refusing unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Reason: "invalid request payload: " + err.Error()}
	}
	return nil
}

const maxBodyBytes = 1 << 20
