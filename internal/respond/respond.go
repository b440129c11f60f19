// Package respond writes the JSON envelopes every endpoint returns and owns
// the single translation from domain errors to HTTP statuses.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/carenet/escrow/internal/models"
)

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type envelope struct {
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// OK wraps result in a success envelope.
func OK(w http.ResponseWriter, status int, result any) {
	JSON(w, status, envelope{OK: true, Result: result})
}

func Fail(w http.ResponseWriter, status int, code, message string, retryable bool) {
	JSON(w, status, envelope{Error: &ErrorBody{Code: code, Message: message, Retryable: retryable}})
}

// Error writes err with the status its sentinel maps to. Unknown errors
// become a generic 500 and must be logged by the caller.
func Error(w http.ResponseWriter, err error) int {
	status, code, msg := Map(err)
	retryable := models.IsRetryable(err)
	if retryable {
		w.Header().Set("Retry-After", strconv.Itoa(int(providerRetryAfter/time.Second)))
	}
	Fail(w, status, code, msg, retryable)
	return status
}

const providerRetryAfter = 30 * time.Second

// Map returns the status, code and client-safe message for err.
func Map(err error) (int, string, string) {
	var te *models.TransitionError
	switch {
	case errors.Is(err, models.ErrSignatureInvalid):
		return http.StatusUnauthorized, "SIGNATURE_INVALID", "invalid signature"
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error()
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "insufficient permissions"
	case errors.Is(err, models.ErrEscrowNotFound):
		return http.StatusNotFound, "ESCROW_NOT_FOUND", "escrow not found"
	case errors.Is(err, models.ErrTransactionNotFound):
		return http.StatusNotFound, "TRANSACTION_NOT_FOUND", err.Error()
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.As(err, &te):
		return http.StatusConflict, "INVALID_TRANSITION", te.Error()
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error()
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusConflict, "INSUFFICIENT_BALANCE", err.Error()
	case errors.Is(err, models.ErrIdempotencyConflict):
		return http.StatusConflict, "IDEMPOTENCY_CONFLICT", "idempotency key was used for a different request"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "CONFLICT", "concurrent modification, retry"
	case errors.Is(err, models.ErrProviderUnreachable):
		return http.StatusServiceUnavailable, "PROVIDER_UNREACHABLE", "payment provider unavailable, retry later"
	case errors.Is(err, models.ErrProviderRejected):
		return http.StatusUnprocessableEntity, "PROVIDER_REJECTED", err.Error()
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "too many requests"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
