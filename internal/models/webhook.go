package models

import (
	"time"

	"github.com/google/uuid"
)

// Webhook dispositions reported back to the provider.
const (
	WebhookApplied  = "applied"
	WebhookIgnored  = "ignored"
	WebhookRecorded = "recorded"
	WebhookFlagged  = "flagged"
)

type WebhookEvent struct {
	ID             uuid.UUID      `json:"id"`
	Provider       string         `json:"provider"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Signature      string         `json:"-"`
	RawPayload     []byte         `json:"-"`
	ReceivedAt     time.Time      `json:"receivedAt"`
	Verified       bool           `json:"verified"`
	EscrowID       *uuid.UUID     `json:"escrowId,omitempty"`
	Outcome        WebhookOutcome `json:"outcome"`
}

// WebhookOutcome is stored with the event and returned verbatim on replay.
type WebhookOutcome struct {
	Disposition   string      `json:"disposition"`
	ProviderTxID  string      `json:"providerTxId"`
	Status        TxStatus    `json:"status"`
	TransactionID uuid.UUID   `json:"transactionId"`
	EscrowID      *uuid.UUID  `json:"escrowId,omitempty"`
	EscrowState   EscrowState `json:"escrowState,omitempty"`
	Detail        string      `json:"detail,omitempty"`
	Replayed      bool        `json:"replayed"`
}
