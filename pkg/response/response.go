package response

import (
	"encoding/json"
	"net/http"
)

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Error codes let clients branch on the kind of failure instead of its text.
const (
	CodeNotFound           = "not_found"
	CodeVersionConflict    = "version_conflict"
	CodeConflictNotPending = "conflict_not_pending"
	CodeValidation         = "validation_error"
	CodeExternalAPI        = "external_api_error"
	CodeConfiguration      = "configuration_error"
	CodeInvariantViolation = "invariant_violation"
	CodeUnauthorized       = "unauthorized"
	CodeInternal           = "internal_error"
)

func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: statusCode < 400,
		Data:    data,
	})
}

func Success(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Error(w http.ResponseWriter, statusCode int, err string) {
	ErrorWithCode(w, statusCode, "", err)
}

func ErrorWithCode(w http.ResponseWriter, statusCode int, code, err string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   err,
		Code:    code,
	})
}

func BadRequest(w http.ResponseWriter, err string) {
	ErrorWithCode(w, http.StatusBadRequest, CodeValidation, err)
}

func Unauthorized(w http.ResponseWriter, err string) {
	ErrorWithCode(w, http.StatusUnauthorized, CodeUnauthorized, err)
}

func NotFound(w http.ResponseWriter, err string) {
	ErrorWithCode(w, http.StatusNotFound, CodeNotFound, err)
}

func InternalError(w http.ResponseWriter, err string) {
	ErrorWithCode(w, http.StatusInternalServerError, CodeInternal, err)
}
