package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carenet/escrow/internal/ledger"
	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/providers"
	"github.com/carenet/escrow/internal/signature"
)

// Ledger applies verified provider events.
type Ledger interface {
	ApplyProviderEvent(ctx context.Context, ev *models.WebhookEvent, pe ledger.ProviderEvent) (*models.WebhookOutcome, error)
}

// Parsers resolves the webhook parser for a provider.
type Parsers interface {
	Parser(name string) (providers.WebhookParser, error)
}

// Delivery is one inbound callback exactly as received.
type Delivery struct {
	Provider  string
	Body      []byte
	Signature string
	Timestamp string
}

// Processor verifies, validates and applies provider callbacks. Nothing is
// parsed or persisted until the signature over the raw body checks out.
type Processor struct {
	verifier *signature.Verifier
	schemas  *Schemas
	parsers  Parsers
	ledger   Ledger
	logger   *slog.Logger
}

func NewProcessor(v *signature.Verifier, s *Schemas, p Parsers, l Ledger, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{verifier: v, schemas: s, parsers: p, ledger: l, logger: logger}
}

func (p *Processor) Process(ctx context.Context, d Delivery) (*models.WebhookOutcome, error) {
	parser, err := p.parsers.Parser(d.Provider)
	if err != nil {
		return nil, err
	}

	res := p.verifier.Verify(d.Provider, d.Body, d.Signature, d.Timestamp)
	if !res.Valid {
		p.logger.Warn("webhook signature rejected", "provider", d.Provider, "body_bytes", len(d.Body))
		return nil, models.ErrSignatureInvalid
	}

	if p.schemas != nil {
		if err := p.schemas.Validate(d.Provider, res.RawBody); err != nil {
			return nil, err
		}
	}
	n, err := parser.ParseWebhook(res.RawBody)
	if err != nil {
		return nil, err
	}

	ev := &models.WebhookEvent{
		ID:             uuid.New(),
		Provider:       d.Provider,
		IdempotencyKey: EventKey(n),
		Signature:      d.Signature,
		RawPayload:     res.RawBody,
		ReceivedAt:     time.Now().UTC(),
		Verified:       true,
	}
	out, err := p.ledger.ApplyProviderEvent(ctx, ev, ledger.ProviderEvent{
		Provider:     d.Provider,
		ProviderTxID: n.PaymentID,
		PaymentRef:   n.PaymentID,
		Reference:    n.Reference,
		Status:       n.Status,
		RawStatus:    n.RawStatus,
		Amount:       n.Amount,
		Currency:     n.Currency,
		Dispute:      n.Dispute,
		RefundID:     n.RefundID,
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s webhook %s: %w", d.Provider, ev.IdempotencyKey, err)
	}
	return out, nil
}

// EventKey identifies a delivery for deduplication: the same payment reported
// in the same status is the same event however often it is sent. Refunds are
// told apart by refund id, or by amount when the provider sends none, so a
// second partial refund is not mistaken for a redelivery of the first.
func EventKey(n *providers.Notification) string {
	if n.Dispute {
		return n.PaymentID + ":dispute"
	}
	key := n.PaymentID + ":" + strings.ToUpper(string(n.Status))
	if n.Status != models.TxRefunded {
		return key
	}
	switch {
	case n.RefundID != "":
		return key + ":" + n.RefundID
	case n.Amount != nil:
		return key + ":" + n.Amount.String()
	}
	return key
}
