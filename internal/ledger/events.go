package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/models"
)

// ProviderEvent is a verified, normalized provider notification.
type ProviderEvent struct {
	Provider     string
	ProviderTxID string
	// PaymentRef is the provider's checkout/payment id, matched against Escrow.ProviderRef.
	PaymentRef string
	// Reference is the merchant reference sent at checkout (the escrow id).
	Reference string
	Status    models.TxStatus
	RawStatus string
	Amount    *decimal.Decimal
	Currency  string
	Dispute   bool
	// RefundID is the provider's refund transaction id on REFUNDED reports.
	// Each distinct id is a separate refund of Amount.
	RefundID string
}

// ApplyProviderEvent records a webhook and applies the transition it implies.
// The webhook's idempotency key is checked under the same lock as the
// transition, so a redelivery returns the stored outcome and changes nothing.
func (s *Service) ApplyProviderEvent(ctx context.Context, ev *models.WebhookEvent, pe ProviderEvent) (*models.WebhookOutcome, error) {
	if ev.IdempotencyKey == "" || pe.ProviderTxID == "" {
		return nil, fmt.Errorf("%w: webhook event requires a transaction id", models.ErrValidation)
	}
	if prior, err := s.store.GetWebhookEvent(ctx, ev.Provider, ev.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		return replayed(prior), nil
	}

	escrowID, err := s.resolveEscrow(ctx, pe)
	if err != nil {
		return nil, err
	}
	lockKey := "tx:" + pe.Provider + ":" + pe.ProviderTxID
	if escrowID != nil {
		lockKey = escrowID.String()
	}

	var out *models.WebhookOutcome
	err = s.withLock(ctx, lockKey, func() error {
		for attempt := 1; ; attempt++ {
			o, c, err := s.planProviderEvent(ctx, ev, pe, escrowID)
			if err != nil || c == nil {
				out = o
				return err
			}
			err = s.store.Commit(ctx, c)
			if errors.Is(err, models.ErrConflict) && attempt < maxCommitAttempts {
				continue
			}
			if err == nil {
				out = o
			}
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("webhook applied",
		"provider", pe.Provider, "provider_tx_id", pe.ProviderTxID,
		"status", pe.Status, "disposition", out.Disposition, "replayed", out.Replayed)
	return out, nil
}

func (s *Service) planProviderEvent(ctx context.Context, ev *models.WebhookEvent, pe ProviderEvent, escrowID *uuid.UUID) (*models.WebhookOutcome, *Change, error) {
	if prior, err := s.store.GetWebhookEvent(ctx, ev.Provider, ev.IdempotencyKey); err != nil {
		return nil, nil, err
	} else if prior != nil {
		return replayed(prior), nil, nil
	}
	existing, err := s.lookupTransaction(ctx, pe.Provider, pe.ProviderTxID)
	if err != nil {
		return nil, nil, err
	}
	tx := &models.Transaction{
		Provider:     pe.Provider,
		ProviderTxID: pe.ProviderTxID,
		Status:       pe.Status,
		RawStatus:    pe.RawStatus,
		Currency:     pe.Currency,
	}
	if pe.Amount != nil {
		tx.Amount = *pe.Amount
	}

	c := &Change{}
	o := &models.WebhookOutcome{ProviderTxID: pe.ProviderTxID, Status: pe.Status}

	if escrowID == nil {
		c.Transaction = s.transactionRecord(tx, existing, nil)
		o.Disposition = models.WebhookRecorded
		o.Detail = "no matching escrow"
		c.Audit = append(c.Audit, &models.AuditEntry{
			Action: models.AuditWebhook, Outcome: models.OutcomeRecorded, Actor: "provider:" + pe.Provider,
			Detail: o.Detail, Metadata: map[string]string{"providerTxId": pe.ProviderTxID, "status": string(pe.Status)},
		})
	} else {
		e, err := s.store.GetEscrow(ctx, *escrowID)
		if err != nil {
			return nil, nil, err
		}
		o.EscrowID = &e.ID
		var applied *models.RefundOutcome
		if pe.Status == models.TxRefunded && pe.RefundID != "" {
			if applied, err = s.store.GetRefundByProviderID(ctx, e.ID, pe.RefundID); err != nil {
				return nil, nil, err
			}
		}
		s.planEscrowEvent(e, tx, existing, applied, pe, c, o)
		if c.Transaction == nil {
			c.Transaction = s.transactionRecord(tx, existing, &e.ID)
		}
		o.EscrowState = e.State
		if c.Escrow != nil {
			o.EscrowState = c.Escrow.State
		}
	}
	o.TransactionID = c.Transaction.ID

	rec := *ev
	rec.Verified = true
	rec.EscrowID = o.EscrowID
	rec.Outcome = *o
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = s.now()
	}
	c.Webhook = &rec
	return o, c, nil
}

// planEscrowEvent folds the transition implied by pe into c. Refused
// transitions are recorded in c's audit entries and reported as ignored; a
// report that contradicts money the ledger already moved is also flagged.
// applied is the refund already recorded under pe.RefundID, if any.
func (s *Service) planEscrowEvent(e *models.Escrow, tx, existing *models.Transaction, applied *models.RefundOutcome, pe ProviderEvent, c *Change, o *models.WebhookOutcome) {
	actor := "provider:" + pe.Provider
	ignore := func(to models.EscrowState, err error) {
		o.Disposition = models.WebhookIgnored
		o.Detail = err.Error()
		c.Audit = append(c.Audit, &models.AuditEntry{
			EscrowID: &e.ID, Action: models.AuditWebhook, Outcome: models.OutcomeRejected, Actor: actor,
			FromState: e.State, ToState: to, Detail: err.Error(),
			Metadata: map[string]string{"providerTxId": pe.ProviderTxID, "status": string(pe.Status)},
		})
	}
	flag := func(note string) {
		c.merge(s.planFlag(e, note))
		o.Disposition = models.WebhookFlagged
		o.Detail = note
	}

	switch {
	case pe.Dispute:
		dc, err := s.planDispute(e, actor, "provider dispute: "+pe.RawStatus)
		if err != nil {
			ignore(models.EscrowDisputed, err)
			return
		}
		c.merge(dc)
		o.Disposition = models.WebhookApplied
		if dc == nil {
			o.Disposition = models.WebhookIgnored
			o.Detail = "already disputed"
		}

	case pe.Status == models.TxConfirmed:
		if existing != nil && existing.Status.Rank() > models.TxConfirmed.Rank() {
			flag(fmt.Sprintf("provider confirmed a payment it reported %s", existing.Status))
			return
		}
		if pe.Amount != nil && !pe.Amount.Equal(e.Amount) {
			flag(fmt.Sprintf("provider confirmed %s but escrow holds %s", pe.Amount, e.Amount))
			return
		}
		if pe.Currency != "" && pe.Currency != e.Currency {
			flag(fmt.Sprintf("provider currency %s does not match escrow currency %s", pe.Currency, e.Currency))
			return
		}
		if tx.Amount.IsZero() {
			tx.Amount = e.Amount
		}
		hc, err := s.planHold(e, tx, existing, actor)
		if err != nil {
			ignore(models.EscrowHeld, err)
			return
		}
		if hc == nil {
			o.Disposition = models.WebhookIgnored
			o.Detail = "already held by this transaction"
			return
		}
		c.merge(hc)
		o.Disposition = models.WebhookApplied

	case pe.Status == models.TxRefunded:
		if applied != nil {
			o.Disposition = models.WebhookRecorded
			o.Detail = "refund " + pe.RefundID + " already applied"
			c.Audit = append(c.Audit, &models.AuditEntry{
				EscrowID: &e.ID, Action: models.AuditRefund, Outcome: models.OutcomeReplayed, Actor: actor,
				FromState: e.State, ToState: e.State, Amount: &applied.Amount,
				Metadata: map[string]string{"providerRefundId": pe.RefundID, "idempotencyKey": applied.IdempotencyKey},
			})
			return
		}
		outcome, rc, err := s.planRefund(e, pe.Amount, providerRefundKey(e, pe), "provider reported refund", actor)
		switch {
		case errors.Is(err, models.ErrInsufficientBalance):
			flag("provider refund exceeds remaining balance")
		case errors.Is(err, models.ErrInvalidTransition):
			ignore(models.EscrowRefunded, err)
			flag(fmt.Sprintf("provider reported a refund on a %s escrow", e.State))
		case err != nil:
			ignore(models.EscrowRefunded, err)
		default:
			outcome.ProviderRefundID = pe.RefundID
			c.merge(rc)
			o.Disposition = models.WebhookApplied
		}

	case pe.Status == models.TxFailed && failsHeldPayment(e, existing):
		ignore(e.State, fmt.Errorf("provider reported %s for a %s escrow", pe.Status, e.State))
		flag(fmt.Sprintf("provider reported %s after the payment was confirmed", pe.Status))

	default:
		o.Disposition = models.WebhookRecorded
		c.Audit = append(c.Audit, &models.AuditEntry{
			EscrowID: &e.ID, Action: models.AuditWebhook, Outcome: models.OutcomeRecorded, Actor: actor,
			FromState: e.State, ToState: e.State,
			Metadata: map[string]string{"providerTxId": pe.ProviderTxID, "status": string(pe.Status)},
		})
	}
}

// failsHeldPayment reports whether a FAILED report concerns the payment that
// already moved e past CREATED.
func failsHeldPayment(e *models.Escrow, existing *models.Transaction) bool {
	if e.State == models.EscrowCreated {
		return false
	}
	if e.TransactionID == nil {
		return true
	}
	return existing != nil && existing.ID == *e.TransactionID
}

// providerRefundKey names a provider-reported refund in the ledger. With a
// refund id every refund is distinct; without one the amount and the balance
// it applies to tell successive partial refunds apart.
func providerRefundKey(e *models.Escrow, pe ProviderEvent) string {
	base := "webhook:" + pe.Provider + ":" + pe.ProviderTxID
	if pe.RefundID != "" {
		return base + ":" + pe.RefundID
	}
	amount := "full"
	if pe.Amount != nil {
		amount = pe.Amount.String()
	}
	return base + ":" + amount + "@" + e.RefundedAmount.String()
}

// resolveEscrow finds the escrow a notification refers to, or nil when the
// transaction arrived ahead of (or without) one.
func (s *Service) resolveEscrow(ctx context.Context, pe ProviderEvent) (*uuid.UUID, error) {
	if id, err := uuid.Parse(pe.Reference); err == nil {
		if _, err := s.store.GetEscrow(ctx, id); err == nil {
			return &id, nil
		} else if !errors.Is(err, models.ErrEscrowNotFound) {
			return nil, err
		}
	}
	if pe.PaymentRef != "" {
		e, err := s.store.GetEscrowByProviderRef(ctx, pe.Provider, pe.PaymentRef)
		if err == nil {
			return &e.ID, nil
		}
		if !errors.Is(err, models.ErrEscrowNotFound) {
			return nil, err
		}
	}
	t, err := s.lookupTransaction(ctx, pe.Provider, pe.ProviderTxID)
	if err != nil {
		return nil, err
	}
	if t != nil && t.EscrowID != nil {
		return t.EscrowID, nil
	}
	return nil, nil
}

func replayed(prior *models.WebhookEvent) *models.WebhookOutcome {
	o := prior.Outcome
	o.Replayed = true
	return &o
}
