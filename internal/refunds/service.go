package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/audit"
	"github.com/carenet/escrow/internal/ledger"
	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/providers"
)

// Ledger is the slice of the escrow ledger the orchestrator drives.
type Ledger interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	GetRefund(ctx context.Context, escrowID uuid.UUID, key string) (*models.RefundOutcome, error)
	ApplyRefund(ctx context.Context, in ledger.RefundInput) (*models.RefundOutcome, error)
	FlagForReconciliation(ctx context.Context, id uuid.UUID, note string) (*models.Escrow, error)
}

// Providers resolves adapters by name.
type Providers interface {
	Get(name string) (providers.Adapter, error)
}

// Request is one refund attempt. It is JSON-encodable so a retry job can carry it.
type Request struct {
	Principal      *models.Principal `json:"principal"`
	EscrowID       uuid.UUID         `json:"escrowId"`
	Amount         *decimal.Decimal  `json:"amount,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Reason         string            `json:"reason,omitempty"`
	// Provider and TransactionID, when both set, are checked against the
	// provider and the escrow before anything moves.
	Provider      string `json:"provider,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

type Result struct {
	Outcome             *models.RefundOutcome          `json:"outcome"`
	ProviderTransaction *providers.ProviderTransaction `json:"providerTransaction,omitempty"`
	ProviderRefund      *providers.Refund              `json:"providerRefund,omitempty"`
}

// Service coordinates authorization, provider verification, the gateway
// refund and the ledger. It holds no state of its own; ledger errors are
// returned as is and never retried here.
//
// Escrows paid through a provider are refunded at the gateway first, outside
// any ledger lock, and the ledger records the provider's refund id so the
// provider's own refund callback replays instead of counting twice.
type Service struct {
	ledger    Ledger
	providers Providers
	audit     audit.Log
	logger    *slog.Logger
}

func NewService(l Ledger, p Providers, auditLog audit.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, providers: p, audit: auditLog, logger: logger}
}

func (s *Service) Refund(ctx context.Context, req Request) (*Result, error) {
	actor := ""
	if req.Principal != nil {
		actor = req.Principal.ID
	}
	if !req.Principal.Can(models.PermManagePayments) {
		s.record(ctx, req, actor, models.ErrForbidden)
		return nil, fmt.Errorf("%w: %s may not refund", models.ErrForbidden, describe(actor))
	}
	if req.EscrowID == uuid.Nil {
		return nil, fmt.Errorf("%w: escrowId is required", models.ErrValidation)
	}

	e, err := s.ledger.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}

	var ptx *providers.ProviderTransaction
	if req.Provider != "" && req.TransactionID != "" {
		adapter, err := s.providers.Get(req.Provider)
		if err != nil {
			return nil, err
		}
		ptx, err = adapter.GetTransaction(ctx, req.TransactionID)
		switch {
		case errors.Is(err, models.ErrProviderUnreachable):
			s.logger.Warn("refund provider check unreachable",
				"escrow_id", req.EscrowID, "provider", req.Provider, "error", err)
			return nil, err
		case errors.Is(err, models.ErrTransactionNotFound), errors.Is(err, models.ErrProviderRejected):
			notFound := fmt.Errorf("%w: %s transaction %s", models.ErrTransactionNotFound, req.Provider, req.TransactionID)
			s.record(ctx, req, actor, notFound)
			return nil, notFound
		case err != nil:
			return nil, fmt.Errorf("refund provider check: %w", err)
		}
		if !belongsTo(ptx, req.Provider, e) {
			mismatch := fmt.Errorf("%w: %s transaction %s does not belong to escrow %s", models.ErrValidation, req.Provider, req.TransactionID, e.ID)
			s.record(ctx, req, actor, mismatch)
			return nil, mismatch
		}
	}

	in := ledger.RefundInput{
		EscrowID:       req.EscrowID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
		Actor:          actor,
	}
	var refund *providers.Refund
	if e.Provider != "" && e.ProviderRef != nil {
		prior, err := s.ledger.GetRefund(ctx, e.ID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior == nil {
			refund, err = s.refundAtProvider(ctx, e, req, actor)
			if err != nil {
				return nil, err
			}
			in.Amount = &refund.Amount
			in.ProviderRefundID = refund.RefundID
		}
	}

	outcome, err := s.ledger.ApplyRefund(ctx, in)
	if err != nil {
		if refund != nil {
			note := fmt.Sprintf("provider refund %s of %s not recorded: %v", refund.RefundID, refund.Amount, err)
			s.logger.Error("provider refund not recorded in ledger", "escrow_id", e.ID, "refund_id", refund.RefundID, "error", err)
			if _, ferr := s.ledger.FlagForReconciliation(ctx, e.ID, note); ferr != nil {
				s.logger.Error("flag escrow failed", "escrow_id", e.ID, "error", ferr)
			}
		}
		return nil, err
	}
	return &Result{Outcome: outcome, ProviderTransaction: ptx, ProviderRefund: refund}, nil
}

// refundAtProvider checks the refund against the escrow as last read, then
// asks the escrow's provider to return the money. The ledger re-checks under
// its lock afterwards.
func (s *Service) refundAtProvider(ctx context.Context, e *models.Escrow, req Request, actor string) (*providers.Refund, error) {
	if e.State != models.EscrowHeld && e.State != models.EscrowPartiallyRefunded {
		err := &models.TransitionError{From: e.State, To: models.EscrowRefunded}
		s.record(ctx, req, actor, err)
		return nil, err
	}
	amount := e.Remaining()
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !ledger.ValidAmount(amount) {
		return nil, models.ErrInvalidAmount
	}
	if amount.GreaterThan(e.Remaining()) {
		err := fmt.Errorf("%w: requested %s, remaining %s", models.ErrInsufficientBalance, amount, e.Remaining())
		s.record(ctx, req, actor, err)
		return nil, err
	}
	adapter, err := s.providers.Get(e.Provider)
	if err != nil {
		return nil, err
	}
	r, err := adapter.Refund(ctx, providers.RefundRequest{
		PaymentID: *e.ProviderRef,
		Amount:    amount,
		Reason:    req.Reason,
		Key:       e.ID.String() + ":" + req.IdempotencyKey,
	})
	if err != nil {
		s.logger.Warn("provider refund failed", "escrow_id", e.ID, "provider", e.Provider, "error", err)
		if !models.IsRetryable(err) {
			s.record(ctx, req, actor, err)
		}
		return nil, fmt.Errorf("%s refund: %w", e.Provider, err)
	}
	s.logger.Info("provider refund issued", "escrow_id", e.ID, "provider", e.Provider, "refund_id", r.RefundID, "amount", r.Amount.String())
	return r, nil
}

// belongsTo reports whether the provider's transaction is the payment behind e.
func belongsTo(ptx *providers.ProviderTransaction, provider string, e *models.Escrow) bool {
	if e.Provider != "" && e.Provider != provider {
		return false
	}
	if ptx.Amount.IsPositive() && !ptx.Amount.Equal(e.Amount) {
		return false
	}
	if e.ProviderRef != nil && ptx.PaymentID == *e.ProviderRef {
		return true
	}
	return ptx.Reference == e.ID.String()
}

// record audits a refund refused before it reached the ledger.
func (s *Service) record(ctx context.Context, req Request, actor string, cause error) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditEntry{
		Action:   models.AuditRefundRequest,
		Outcome:  models.OutcomeRejected,
		Actor:    actor,
		Amount:   req.Amount,
		Detail:   cause.Error(),
		Metadata: map[string]string{"idempotencyKey": req.IdempotencyKey},
	}
	if req.EscrowID != uuid.Nil {
		id := req.EscrowID
		entry.EscrowID = &id
	}
	if req.Provider != "" {
		entry.Metadata["provider"] = req.Provider
		entry.Metadata["transactionId"] = req.TransactionID
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error("audit append failed", "action", entry.Action, "error", err)
	}
}

func describe(actor string) string {
	if actor == "" {
		return "anonymous caller"
	}
	return "principal " + actor
}
