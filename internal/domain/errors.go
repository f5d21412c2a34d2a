package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrVersionConflict    = errors.New("catalog version conflict")
	ErrExternalAPI        = errors.New("external api error")
	ErrConfiguration      = errors.New("configuration error")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrValidation         = errors.New("validation failed")
	ErrConflictNotPending = errors.New("conflict is not pending")
)

// NotFoundError is returned by writes that target a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// VersionConflictError means the external catalog moved past the version the
// caller read. The caller must re-fetch, re-decide and retry.
type VersionConflictError struct {
	ObjectID string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	if e.Actual == 0 {
		return fmt.Sprintf("catalog object %s: expected version %d is no longer current", e.ObjectID, e.Expected)
	}
	return fmt.Sprintf("catalog object %s: expected version %d, found %d", e.ObjectID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// ProviderErrorDetail is one error entry reported by the external provider.
type ProviderErrorDetail struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Field    string `json:"field,omitempty"`
}

// ExternalAPIError aggregates every error the provider reported for one call.
type ExternalAPIError struct {
	Op         string
	StatusCode int
	Details    []ProviderErrorDetail
}

func (e *ExternalAPIError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		msg := d.Code
		if d.Detail != "" {
			msg += ": " + d.Detail
		}
		if d.Field != "" {
			msg += " (field " + d.Field + ")"
		}
		parts = append(parts, msg)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s: provider returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, strings.Join(parts, "; "))
}

func (e *ExternalAPIError) Is(target error) bool {
	return target == ErrExternalAPI
}

// HasCode reports whether any provider detail carries the given code.
func (e *ExternalAPIError) HasCode(code string) bool {
	for _, d := range e.Details {
		if d.Code == code {
			return true
		}
	}
	return false
}

type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// InvariantViolation reports a provider response that does not have the
// expected shape. It is fatal and must not be retried.
type InvariantViolation struct {
	Op     string
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Reason)
}

func (e *InvariantViolation) Is(target error) bool {
	return target == ErrInvariantViolation
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
