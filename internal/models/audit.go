package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Audit actions.
const (
	AuditCreate        = "escrow.create"
	AuditAttach        = "escrow.attach_checkout"
	AuditHold          = "escrow.hold"
	AuditRelease       = "escrow.release"
	AuditRefund        = "escrow.refund"
	AuditDispute       = "escrow.dispute"
	AuditFlag          = "escrow.flag_reconciliation"
	AuditWebhook       = "webhook.process"
	AuditRefundRequest = "refund.request"
)

// Audit outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
	OutcomeReplayed = "replayed"
	OutcomeRecorded = "recorded"
)

type AuditEntry struct {
	ID         uuid.UUID         `json:"id"`
	EscrowID   *uuid.UUID        `json:"escrowId,omitempty"`
	Action     string            `json:"action"`
	Outcome    string            `json:"outcome"`
	Actor      string            `json:"actor"`
	FromState  EscrowState       `json:"fromState,omitempty"`
	ToState    EscrowState       `json:"toState,omitempty"`
	Amount     *decimal.Decimal  `json:"amount,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}
