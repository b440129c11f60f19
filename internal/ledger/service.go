package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/audit"
	"github.com/carenet/escrow/internal/models"
)

const maxCommitAttempts = 3

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// maxAmount is the exclusive upper bound of a NUMERIC(18,2) column.
var maxAmount = decimal.New(1, 16)

// ValidAmount reports whether d is a positive amount storable without rounding.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(2)) && d.LessThan(maxAmount)
}

// Service owns the escrow state machine. All writes to escrows, transactions,
// refund outcomes and webhook events go through it.
//
// Operations on one escrow id are serialized by an in-process keyed lock and,
// across instances, by the store's version check with bounded retry.
type Service struct {
	store  Store
	audit  audit.Log
	locks  *keyedMutex
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, auditLog audit.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		audit:  auditLog,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateEscrowInput struct {
	JobRef   string
	Amount   decimal.Decimal
	Currency string
	Holder   string
}

// CreateEscrow records a new escrow in CREATED.
func (s *Service) CreateEscrow(ctx context.Context, in CreateEscrowInput) (*models.Escrow, error) {
	if !ValidAmount(in.Amount) {
		return nil, models.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = models.DefaultCurrency
	}
	if !currencyPattern.MatchString(currency) {
		return nil, fmt.Errorf("%w: currency must be a 3-letter ISO code", models.ErrValidation)
	}
	now := s.now()
	e := &models.Escrow{
		ID:               uuid.New(),
		JobRef:           strings.TrimSpace(in.JobRef),
		Amount:           in.Amount,
		RefundedAmount:   decimal.Zero,
		Currency:         currency,
		State:            models.EscrowCreated,
		Holder:           in.Holder,
		Version:          1,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if e.JobRef == "" {
		e.JobRef = e.ID.String()
	}
	amount := e.Amount
	err := s.store.Commit(ctx, &Change{
		Escrow: e,
		Insert: true,
		Audit: []*models.AuditEntry{{
			EscrowID: &e.ID, Action: models.AuditCreate, Outcome: models.OutcomeApplied,
			Actor: in.Holder, ToState: models.EscrowCreated, Amount: &amount,
			Metadata: map[string]string{"jobRef": e.JobRef, "currency": currency},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}
	s.logger.Info("escrow created", "escrow_id", e.ID, "amount", e.Amount.String(), "currency", currency)
	return e.Clone(), nil
}

// AttachCheckout links a CREATED escrow to the provider's checkout/payment id.
// An escrow the same payment already confirmed (its callback can beat the
// attach) gets the reference recorded without a state change.
func (s *Service) AttachCheckout(ctx context.Context, id uuid.UUID, provider, providerRef string) (*models.Escrow, error) {
	if provider == "" || providerRef == "" {
		return nil, fmt.Errorf("%w: provider and provider reference are required", models.ErrValidation)
	}
	var out *models.Escrow
	err := s.mutate(ctx, id, func(e *models.Escrow) (*Change, error) {
		if e.ProviderRef != nil {
			if e.Provider == provider && *e.ProviderRef == providerRef {
				out = e
				return nil, nil
			}
			return nil, s.reject(ctx, e, models.AuditAttach, e.State, "system", fmt.Errorf("%w: checkout already attached", models.ErrInvalidTransition))
		}
		if e.State != models.EscrowCreated {
			held, err := s.heldBy(ctx, e, provider, providerRef)
			if err != nil {
				return nil, err
			}
			if !held {
				return nil, s.reject(ctx, e, models.AuditAttach, e.State, "system", &models.TransitionError{From: e.State, To: e.State})
			}
		}
		next := e.Clone()
		next.Provider = provider
		next.ProviderRef = &providerRef
		out = next
		c := s.update(e, next, &models.AuditEntry{
			Action: models.AuditAttach, Outcome: models.OutcomeApplied, Actor: "system",
			Metadata: map[string]string{"provider": provider, "providerRef": providerRef},
		})
		next.LastTransitionAt = e.LastTransitionAt
		return c, nil
	})
	return out, err
}

// MarkHeld moves CREATED → HELD, attaching the confirming transaction. A repeat
// call with the transaction already attached returns the escrow unchanged.
func (s *Service) MarkHeld(ctx context.Context, id uuid.UUID, tx *models.Transaction) (*models.Escrow, error) {
	if tx == nil || tx.Provider == "" || tx.ProviderTxID == "" {
		return nil, fmt.Errorf("%w: confirming transaction requires provider and provider transaction id", models.ErrValidation)
	}
	if tx.Status == "" {
		tx.Status = models.TxConfirmed
	}
	if tx.Status != models.TxConfirmed {
		return nil, fmt.Errorf("%w: transaction status %s does not confirm a hold", models.ErrValidation, tx.Status)
	}
	var out *models.Escrow
	err := s.mutate(ctx, id, func(e *models.Escrow) (*Change, error) {
		existing, err := s.lookupTransaction(ctx, tx.Provider, tx.ProviderTxID)
		if err != nil {
			return nil, err
		}
		c, err := s.planHold(e, tx, existing, "system")
		if err != nil {
			return nil, s.reject(ctx, e, models.AuditHold, models.EscrowHeld, "system", err)
		}
		if c == nil {
			out = e
			return nil, nil
		}
		out = c.Escrow
		return c, nil
	})
	if err == nil {
		s.logger.Info("escrow held", "escrow_id", id, "provider", tx.Provider, "provider_tx_id", tx.ProviderTxID)
	}
	return out, err
}

type RefundInput struct {
	EscrowID       uuid.UUID
	Amount         *decimal.Decimal
	IdempotencyKey string
	Reason         string
	Actor          string
	// ProviderRefundID is set when the money already moved at the gateway.
	ProviderRefundID string
}

// ApplyRefund refunds Amount (or the full remaining balance when nil). A key
// that was already applied returns the stored outcome without side effects.
func (s *Service) ApplyRefund(ctx context.Context, in RefundInput) (*models.RefundOutcome, error) {
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", models.ErrValidation)
	}
	if in.Amount != nil && !ValidAmount(*in.Amount) {
		return nil, models.ErrInvalidAmount
	}
	var out *models.RefundOutcome
	err := s.mutate(ctx, in.EscrowID, func(e *models.Escrow) (*Change, error) {
		prior, err := s.store.GetRefund(ctx, e.ID, key)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if in.Amount != nil && !in.Amount.Equal(prior.Amount) {
				return nil, s.reject(ctx, e, models.AuditRefund, prior.State, in.Actor, models.ErrIdempotencyConflict)
			}
			prior.Replayed = true
			out = prior
			s.record(ctx, &models.AuditEntry{
				EscrowID: &e.ID, Action: models.AuditRefund, Outcome: models.OutcomeReplayed, Actor: in.Actor,
				FromState: e.State, ToState: e.State, Amount: &prior.Amount,
				Metadata: map[string]string{"idempotencyKey": key},
			})
			return nil, nil
		}
		if in.ProviderRefundID != "" {
			applied, err := s.store.GetRefundByProviderID(ctx, e.ID, in.ProviderRefundID)
			if err != nil {
				return nil, err
			}
			if applied != nil {
				// The provider's callback recorded this refund first. Bind the
				// caller's key to it; the balance already reflects it.
				alias := *applied
				alias.IdempotencyKey = key
				out = &alias
				return &Change{Refund: &alias, Audit: []*models.AuditEntry{{
					EscrowID: &e.ID, Action: models.AuditRefund, Outcome: models.OutcomeReplayed, Actor: in.Actor,
					FromState: e.State, ToState: e.State, Amount: &alias.Amount,
					Metadata: map[string]string{"idempotencyKey": key, "providerRefundId": in.ProviderRefundID},
				}}}, nil
			}
		}
		outcome, c, err := s.planRefund(e, in.Amount, key, in.Reason, in.Actor)
		if err != nil {
			return nil, s.reject(ctx, e, models.AuditRefund, models.EscrowRefunded, in.Actor, err)
		}
		if in.ProviderRefundID != "" {
			outcome.ProviderRefundID = in.ProviderRefundID
			c.Audit[0].Metadata["providerRefundId"] = in.ProviderRefundID
		}
		out = outcome
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Replayed {
		s.logger.Info("escrow refunded", "escrow_id", in.EscrowID, "amount", out.Amount.String(), "state", out.State)
	}
	return out, nil
}

// MarkDisputed freezes a non-terminal escrow. Resolution happens elsewhere.
func (s *Service) MarkDisputed(ctx context.Context, id uuid.UUID, actor, reason string) (*models.Escrow, error) {
	var out *models.Escrow
	err := s.mutate(ctx, id, func(e *models.Escrow) (*Change, error) {
		c, err := s.planDispute(e, actor, reason)
		if err != nil {
			return nil, s.reject(ctx, e, models.AuditDispute, models.EscrowDisputed, actor, err)
		}
		if c == nil {
			out = e
			return nil, nil
		}
		out = c.Escrow
		return c, nil
	})
	return out, err
}

// Release pays out a HELD escrow.
func (s *Service) Release(ctx context.Context, id uuid.UUID, actor string) (*models.Escrow, error) {
	var out *models.Escrow
	err := s.mutate(ctx, id, func(e *models.Escrow) (*Change, error) {
		if e.State == models.EscrowReleased {
			out = e
			return nil, nil
		}
		if e.State != models.EscrowHeld {
			return nil, s.reject(ctx, e, models.AuditRelease, models.EscrowReleased, actor, &models.TransitionError{From: e.State, To: models.EscrowReleased})
		}
		next := e.Clone()
		next.State = models.EscrowReleased
		out = next
		amount := e.Amount
		return s.update(e, next, &models.AuditEntry{
			Action: models.AuditRelease, Outcome: models.OutcomeApplied, Actor: actor, Amount: &amount,
		}), nil
	})
	return out, err
}

// FlagForReconciliation marks an escrow for manual review without changing its state.
func (s *Service) FlagForReconciliation(ctx context.Context, id uuid.UUID, note string) (*models.Escrow, error) {
	var out *models.Escrow
	err := s.mutate(ctx, id, func(e *models.Escrow) (*Change, error) {
		c := s.planFlag(e, note)
		out = c.Escrow
		return c, nil
	})
	if err == nil {
		s.logger.Warn("escrow flagged for reconciliation", "escrow_id", id, "note", note)
	}
	return out, err
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

// GetRefund returns the outcome recorded under key, or nil.
func (s *Service) GetRefund(ctx context.Context, escrowID uuid.UUID, key string) (*models.RefundOutcome, error) {
	return s.store.GetRefund(ctx, escrowID, strings.TrimSpace(key))
}

func (s *Service) List(ctx context.Context, f models.EscrowFilter) ([]*models.Escrow, error) {
	return s.store.ListEscrows(ctx, f)
}

func (s *Service) ListTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	return s.store.ListTransactions(ctx, limit)
}

// History returns the audit trail for one escrow, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*models.AuditEntry, error) {
	if _, err := s.store.GetEscrow(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ListByEscrow(ctx, id)
}

// ---------------------------------------------------------------------------
// Transition planning. Planners never write; they return the Change to commit,
// nil for a no-op, or a rejection error.
// ---------------------------------------------------------------------------

func (s *Service) planHold(e *models.Escrow, tx, existing *models.Transaction, actor string) (*Change, error) {
	if e.State == models.EscrowHeld && e.TransactionID != nil && existing != nil && *e.TransactionID == existing.ID {
		return nil, nil
	}
	if e.State != models.EscrowCreated {
		return nil, &models.TransitionError{From: e.State, To: models.EscrowHeld}
	}
	if existing != nil && existing.EscrowID != nil && *existing.EscrowID != e.ID {
		return nil, fmt.Errorf("%w: transaction belongs to escrow %s", models.ErrInvalidTransition, existing.EscrowID)
	}
	rec := s.transactionRecord(tx, existing, &e.ID)

	next := e.Clone()
	next.State = models.EscrowHeld
	next.TransactionID = &rec.ID
	if next.Provider == "" {
		next.Provider = rec.Provider
	}
	amount := rec.Amount
	c := s.update(e, next, &models.AuditEntry{
		Action: models.AuditHold, Outcome: models.OutcomeApplied, Actor: actor, Amount: &amount,
		Metadata: map[string]string{"provider": rec.Provider, "providerTxId": rec.ProviderTxID},
	})
	c.Transaction = rec
	return c, nil
}

func (s *Service) planRefund(e *models.Escrow, amount *decimal.Decimal, key, reason, actor string) (*models.RefundOutcome, *Change, error) {
	if e.State != models.EscrowHeld && e.State != models.EscrowPartiallyRefunded {
		return nil, nil, &models.TransitionError{From: e.State, To: models.EscrowRefunded}
	}
	refund := e.Remaining()
	if amount != nil {
		refund = *amount
	}
	if !ValidAmount(refund) {
		return nil, nil, models.ErrInvalidAmount
	}
	total := e.RefundedAmount.Add(refund)
	if total.GreaterThan(e.Amount) {
		return nil, nil, fmt.Errorf("%w: requested %s, remaining %s", models.ErrInsufficientBalance, refund, e.Remaining())
	}

	next := e.Clone()
	next.RefundedAmount = total
	next.State = models.EscrowPartiallyRefunded
	if total.Equal(e.Amount) {
		next.State = models.EscrowRefunded
	}
	c := s.update(e, next, &models.AuditEntry{
		Action: models.AuditRefund, Outcome: models.OutcomeApplied, Actor: actor, Amount: &refund, Detail: reason,
		Metadata: map[string]string{"idempotencyKey": key, "refundedTotal": total.String()},
	})
	outcome := &models.RefundOutcome{
		EscrowID:       e.ID,
		IdempotencyKey: key,
		Amount:         refund,
		RefundedTotal:  total,
		Remaining:      next.Remaining(),
		State:          next.State,
		Reason:         reason,
		AppliedAt:      next.LastTransitionAt,
	}
	c.Refund = outcome
	return outcome, c, nil
}

func (s *Service) planDispute(e *models.Escrow, actor, reason string) (*Change, error) {
	if e.State == models.EscrowDisputed {
		return nil, nil
	}
	if e.State.Terminal() {
		return nil, &models.TransitionError{From: e.State, To: models.EscrowDisputed}
	}
	next := e.Clone()
	next.State = models.EscrowDisputed
	return s.update(e, next, &models.AuditEntry{
		Action: models.AuditDispute, Outcome: models.OutcomeApplied, Actor: actor, Detail: reason,
	}), nil
}

func (s *Service) planFlag(e *models.Escrow, note string) *Change {
	next := e.Clone()
	next.NeedsReconciliation = true
	next.ReconcileNote = note
	c := s.update(e, next, &models.AuditEntry{
		Action: models.AuditFlag, Outcome: models.OutcomeApplied, Actor: "system", Detail: note,
	})
	// Flagging is not a state transition.
	next.LastTransitionAt = e.LastTransitionAt
	return c
}

// update builds the versioned write for cur → next plus its audit entry.
func (s *Service) update(cur, next *models.Escrow, entry *models.AuditEntry) *Change {
	next.Version = cur.Version + 1
	next.LastTransitionAt = s.now()
	entry.EscrowID = &next.ID
	entry.FromState = cur.State
	entry.ToState = next.State
	return &Change{Escrow: next, ExpectVersion: cur.Version, Audit: []*models.AuditEntry{entry}}
}

func (s *Service) transactionRecord(tx, existing *models.Transaction, escrowID *uuid.UUID) *models.Transaction {
	now := s.now()
	rec := *tx
	rec.UpdatedAt = now
	if rec.Currency == "" {
		rec.Currency = models.DefaultCurrency
	}
	if existing != nil {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		if rec.Amount.IsZero() {
			rec.Amount = existing.Amount
		}
		if rec.Status.Rank() < existing.Status.Rank() {
			rec.Status = existing.Status
			rec.RawStatus = existing.RawStatus
		}
	} else {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.CreatedAt = now
	}
	if escrowID != nil {
		id := *escrowID
		rec.EscrowID = &id
	} else if existing != nil {
		rec.EscrowID = existing.EscrowID
	}
	return &rec
}

// heldBy reports whether e is held by the provider transaction providerRef.
func (s *Service) heldBy(ctx context.Context, e *models.Escrow, provider, providerRef string) (bool, error) {
	if e.TransactionID == nil || (e.Provider != "" && e.Provider != provider) {
		return false, nil
	}
	t, err := s.lookupTransaction(ctx, provider, providerRef)
	if err != nil || t == nil {
		return false, err
	}
	return t.ID == *e.TransactionID, nil
}

func (s *Service) lookupTransaction(ctx context.Context, provider, providerTxID string) (*models.Transaction, error) {
	t, err := s.store.GetTransaction(ctx, provider, providerTxID)
	if errors.Is(err, models.ErrTransactionNotFound) {
		return nil, nil
	}
	return t, err
}

// ---------------------------------------------------------------------------
// Locking and commit
// ---------------------------------------------------------------------------

// mutate runs fn against a fresh copy of the escrow under its lock and commits
// the returned Change, reloading and retrying when the version check loses.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(e *models.Escrow) (*Change, error)) error {
	return s.withLock(ctx, id.String(), func() error {
		for attempt := 1; ; attempt++ {
			e, err := s.store.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			c, err := fn(e)
			if err != nil || c == nil || c.empty() {
				return err
			}
			err = s.store.Commit(ctx, c)
			if errors.Is(err, models.ErrConflict) && attempt < maxCommitAttempts {
				s.logger.Warn("ledger commit conflict, retrying", "escrow_id", id, "attempt", attempt)
				continue
			}
			return err
		}
	})
}

func (s *Service) withLock(ctx context.Context, key string, fn func() error) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// reject audits a refused transition and hands err back to the caller.
func (s *Service) reject(ctx context.Context, e *models.Escrow, action string, to models.EscrowState, actor string, err error) error {
	s.record(ctx, &models.AuditEntry{
		EscrowID: &e.ID, Action: action, Outcome: models.OutcomeRejected, Actor: actor,
		FromState: e.State, ToState: to, Detail: err.Error(),
	})
	return err
}

func (s *Service) record(ctx context.Context, entry *models.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed", "action", entry.Action, "error", err)
	}
}
