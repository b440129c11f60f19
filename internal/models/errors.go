package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation can be used with errors.Is to detect user-fixable input errors.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidAmount is a validation error for non-positive or malformed amounts.
	ErrInvalidAmount = fmt.Errorf("%w: invalid amount", ErrValidation)

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	ErrNotFound            = errors.New("not found")
	ErrEscrowNotFound      = fmt.Errorf("escrow %w", ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)

	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrInsufficientBalance = errors.New("insufficient escrow balance")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different request")
	// ErrConflict signals a lost optimistic-version race in the store.
	ErrConflict = errors.New("concurrent modification")

	ErrProviderUnreachable = errors.New("payment provider unreachable")
	ErrProviderRejected    = errors.New("payment provider rejected request")

	ErrSignatureInvalid = errors.New("invalid signature")
	ErrRateLimited      = errors.New("rate limited")
)

// IsRetryable reports whether err is transient and worth retrying with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnreachable)
}

// TransitionError records the rejected edge of the state machine.
type TransitionError struct {
	From EscrowState
	To   EscrowState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
