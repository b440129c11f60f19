package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/ledger"
	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/providers"
)

// Ledger is the part of the escrow ledger checkout needs.
type Ledger interface {
	CreateEscrow(ctx context.Context, in ledger.CreateEscrowInput) (*models.Escrow, error)
	AttachCheckout(ctx context.Context, id uuid.UUID, provider, providerRef string) (*models.Escrow, error)
	FlagForReconciliation(ctx context.Context, id uuid.UUID, note string) (*models.Escrow, error)
}

type Providers interface {
	Get(name string) (providers.Adapter, error)
}

// Enqueuer schedules a provider-side status check for a fresh checkout, so an
// escrow whose webhook never arrives is still confirmed.
type Enqueuer interface {
	EnqueueVerify(ctx context.Context, escrowID uuid.UUID, provider, paymentID string) error
}

type Request struct {
	Principal *models.Principal
	Amount    decimal.Decimal
	Currency  string
	Reference string
	Provider  string
}

type Result struct {
	EscrowID    uuid.UUID `json:"escrowId"`
	Provider    string    `json:"provider"`
	PaymentID   string    `json:"paymentId"`
	CheckoutURL string    `json:"checkoutUrl"`
}

type Service struct {
	ledger          Ledger
	providers       Providers
	enqueuer        Enqueuer
	defaultProvider string
	logger          *slog.Logger
}

// NewService wires checkout. enqueuer may be nil, in which case holds rely on
// webhooks alone.
func NewService(l Ledger, p Providers, enqueuer Enqueuer, defaultProvider string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, providers: p, enqueuer: enqueuer, defaultProvider: defaultProvider, logger: logger}
}

// Start creates a CREATED escrow, opens a provider checkout referencing it and
// links the two. The escrow id is sent to the provider as the merchant
// reference so webhooks can be matched back.
func (s *Service) Start(ctx context.Context, req Request) (*Result, error) {
	if !req.Principal.Can(models.PermInitiatePayments) {
		return nil, fmt.Errorf("%w: principal may not initiate payments", models.ErrForbidden)
	}
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	if name == "" {
		name = s.defaultProvider
	}
	adapter, err := s.providers.Get(name)
	if err != nil {
		return nil, err
	}

	e, err := s.ledger.CreateEscrow(ctx, ledger.CreateEscrowInput{
		JobRef:   req.Reference,
		Amount:   req.Amount,
		Currency: req.Currency,
		Holder:   req.Principal.ID,
	})
	if err != nil {
		return nil, err
	}

	co, err := adapter.CreateCheckout(ctx, e.Amount, e.Currency, e.ID.String())
	if err != nil {
		s.logger.Error("provider checkout failed", "escrow_id", e.ID, "provider", name, "error", err)
		if _, ferr := s.ledger.FlagForReconciliation(ctx, e.ID, "checkout failed: "+err.Error()); ferr != nil {
			s.logger.Error("flag escrow failed", "escrow_id", e.ID, "error", ferr)
		}
		return nil, err
	}
	if _, err := s.ledger.AttachCheckout(ctx, e.ID, name, co.PaymentID); err != nil {
		return nil, fmt.Errorf("attach checkout: %w", err)
	}

	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueVerify(ctx, e.ID, name, co.PaymentID); err != nil {
			s.logger.Error("enqueue payment verification failed", "escrow_id", e.ID, "error", err)
		}
	}
	s.logger.Info("checkout started", "escrow_id", e.ID, "provider", name, "payment_id", co.PaymentID)
	return &Result{EscrowID: e.ID, Provider: name, PaymentID: co.PaymentID, CheckoutURL: co.CheckoutURL}, nil
}
