package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EscrowState is the lifecycle state of an escrow hold.
type EscrowState string

const (
	EscrowCreated           EscrowState = "CREATED"
	EscrowHeld              EscrowState = "HELD"
	EscrowReleased          EscrowState = "RELEASED"
	EscrowRefunded          EscrowState = "REFUNDED"
	EscrowPartiallyRefunded EscrowState = "PARTIALLY_REFUNDED"
	EscrowDisputed          EscrowState = "DISPUTED"
)

// DefaultCurrency is applied when a checkout does not name one.
const DefaultCurrency = "BDT"

// Terminal reports whether no further transitions are accepted from s.
// PARTIALLY_REFUNDED stays open for further refunds.
func (s EscrowState) Terminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowDisputed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s EscrowState) Valid() bool {
	switch s {
	case EscrowCreated, EscrowHeld, EscrowReleased, EscrowRefunded, EscrowPartiallyRefunded, EscrowDisputed:
		return true
	}
	return false
}

type Escrow struct {
	ID                  uuid.UUID       `json:"id"`
	JobRef              string          `json:"jobRef"`
	Amount              decimal.Decimal `json:"amount"`
	RefundedAmount      decimal.Decimal `json:"refundedAmount"`
	Currency            string          `json:"currency"`
	State               EscrowState     `json:"state"`
	Holder              string          `json:"holder"`
	Provider            string          `json:"provider,omitempty"`
	ProviderRef         *string         `json:"providerRef,omitempty"`
	TransactionID       *uuid.UUID      `json:"transactionId,omitempty"`
	NeedsReconciliation bool            `json:"needsReconciliation"`
	ReconcileNote       string          `json:"reconcileNote,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"createdAt"`
	LastTransitionAt    time.Time       `json:"lastTransitionAt"`
}

// Remaining is the amount still refundable.
func (e *Escrow) Remaining() decimal.Decimal {
	return e.Amount.Sub(e.RefundedAmount)
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (e *Escrow) Clone() *Escrow {
	cp := *e
	if e.ProviderRef != nil {
		ref := *e.ProviderRef
		cp.ProviderRef = &ref
	}
	if e.TransactionID != nil {
		id := *e.TransactionID
		cp.TransactionID = &id
	}
	return &cp
}

// RefundOutcome is the persisted result of one idempotent refund application.
type RefundOutcome struct {
	EscrowID       uuid.UUID       `json:"escrowId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Amount         decimal.Decimal `json:"amount"`
	RefundedTotal  decimal.Decimal `json:"refundedTotal"`
	Remaining      decimal.Decimal `json:"remaining"`
	State          EscrowState     `json:"state"`
	Reason         string          `json:"reason,omitempty"`
	// ProviderRefundID is the gateway's refund transaction id when the refund
	// went through, or was reported by, a provider.
	ProviderRefundID string    `json:"providerRefundId,omitempty"`
	AppliedAt        time.Time `json:"appliedAt"`
	Replayed         bool      `json:"replayed"`
}

// EscrowFilter narrows admin listings.
type EscrowFilter struct {
	State               EscrowState
	Holder              string
	NeedsReconciliation bool
	Limit               int
}
