package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxStatus is the provider-neutral payment status every adapter normalizes to.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
	TxFailed    TxStatus = "FAILED"
	TxRefunded  TxStatus = "REFUNDED"
)

type Transaction struct {
	ID           uuid.UUID       `json:"id"`
	Provider     string          `json:"provider"`
	ProviderTxID string          `json:"providerTxId"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       TxStatus        `json:"status"`
	RawStatus    string          `json:"rawStatus,omitempty"`
	EscrowID     *uuid.UUID      `json:"escrowId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Rank orders statuses along the payment lifecycle. A stored status is never
// replaced by one of lower rank; FAILED and REFUNDED are both final.
func (s TxStatus) Rank() int {
	switch s {
	case TxConfirmed:
		return 1
	case TxFailed, TxRefunded:
		return 2
	default:
		return 0
	}
}
