// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fabrikhq/decision-core/pkg/deployment"
	"github.com/fabrikhq/decision-core/pkg/resilience"
	"github.com/fabrikhq/decision-core/pkg/trust"
	"github.com/fabrikhq/decision-core/services/api/internal/judgment"
	"github.com/fabrikhq/decision-core/services/api/internal/orchestrator"
	"github.com/fabrikhq/decision-core/services/api/internal/service"
)

// ErrorCategory classifies an error response for clients.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryPermission ErrorCategory = "permission"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategoryService    ErrorCategory = "service"
	CategoryDatabase   ErrorCategory = "database"
	CategoryAgent      ErrorCategory = "agent"
	CategoryInternal   ErrorCategory = "internal"
	CategoryNetwork    ErrorCategory = "network"
	CategoryTimeout    ErrorCategory = "timeout"
)

// ErrorBody is the wire format for error responses.
type ErrorBody struct {
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion,omitempty"`
	Retryable  bool          `json:"retryable"`
}

// ErrorResponse wraps an ErrorBody with optional detail.
type ErrorResponse struct {
	Error  ErrorBody `json:"error"`
	Detail string    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(category ErrorCategory) int {
	switch category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuth:
		return http.StatusUnauthorized
	case CategoryPermission:
		return http.StatusForbidden
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	case CategoryService, CategoryNetwork:
		return http.StatusBadGateway
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeCategory(w http.ResponseWriter, category ErrorCategory, message, suggestion string, retryable bool) {
	writeJSON(w, statusFor(category), ErrorResponse{Error: ErrorBody{
		Category:   category,
		Message:    message,
		Suggestion: suggestion,
		Retryable:  retryable,
	}})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeCategory(w, CategoryValidation, message, "", false)
}

// writeError maps a domain error onto the error envelope. Internal errors
// never leak their message to the client.
func writeError(w http.ResponseWriter, err error) {
	var breakerOpen *resilience.BreakerOpenError

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeCategory(w, CategoryTimeout, "request timed out", "retry with a smaller payload or later", true)

	case errors.Is(err, judgment.ErrEmptyInput):
		writeCategory(w, CategoryValidation, "input_data must be a non-empty JSON document", "", false)

	case errors.Is(err, judgment.ErrRulesetNotFound),
		errors.Is(err, judgment.ErrVersionNotFound),
		errors.Is(err, judgment.ErrExecutionNotFound),
		errors.Is(err, deployment.ErrNotFound),
		errors.Is(err, deployment.ErrRulesetNotFound),
		errors.Is(err, trust.ErrRulesetNotFound),
		errors.Is(err, service.ErrNotFound):
		writeCategory(w, CategoryNotFound, err.Error(), "", false)

	case errors.Is(err, deployment.ErrConflict):
		writeCategory(w, CategoryConflict, err.Error(),
			"complete or roll back the existing deployment first", false)

	// Invalid transitions are state conflicts: the loser of two concurrent
	// promotes lands here after the status re-check under the row lock.
	case errors.Is(err, deployment.ErrInvalidTransition):
		writeCategory(w, CategoryConflict, err.Error(),
			"refresh the deployment and retry from its current state", false)

	case errors.Is(err, trust.ErrSameLevel):
		writeCategory(w, CategoryConflict, err.Error(), "", false)

	case errors.Is(err, deployment.ErrInvalidTraffic),
		errors.Is(err, deployment.ErrInvalidVersion),
		errors.Is(err, service.ErrValidation):
		writeCategory(w, CategoryValidation, err.Error(), "", false)

	case errors.Is(err, service.ErrInvalidScript):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: ErrorBody{
			Category:   CategoryValidation,
			Message:    err.Error(),
			Suggestion: "fix the reported script errors and resubmit",
		}})

	case errors.Is(err, orchestrator.ErrRateLimited):
		writeCategory(w, CategoryRateLimit, "too many requests", "slow down and retry", true)

	case errors.As(err, &breakerOpen):
		writeCategory(w, CategoryService, "evaluator temporarily unavailable",
			"the circuit breaker is open; retry shortly", true)

	default:
		writeCategory(w, CategoryInternal, "internal server error", "", false)
	}
}
