package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/carenet/escrow/internal/models"
)

// Store persists ledger records. Only Service writes through it.
//
// Lookups for optional records (refund outcomes, webhook events) return
// nil, nil when absent. Escrow and transaction lookups return
// models.ErrEscrowNotFound / models.ErrTransactionNotFound.
type Store interface {
	GetEscrow(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	GetEscrowByProviderRef(ctx context.Context, provider, ref string) (*models.Escrow, error)
	ListEscrows(ctx context.Context, f models.EscrowFilter) ([]*models.Escrow, error)
	GetTransaction(ctx context.Context, provider, providerTxID string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, limit int) ([]*models.Transaction, error)
	GetRefund(ctx context.Context, escrowID uuid.UUID, key string) (*models.RefundOutcome, error)
	// GetRefundByProviderID finds a refund by the gateway's refund transaction id.
	GetRefundByProviderID(ctx context.Context, escrowID uuid.UUID, providerRefundID string) (*models.RefundOutcome, error)
	GetWebhookEvent(ctx context.Context, provider, key string) (*models.WebhookEvent, error)

	// Commit applies every record in c atomically or none of them. A stale
	// ExpectVersion or a duplicate refund/webhook key yields models.ErrConflict.
	Commit(ctx context.Context, c *Change) error
}

// Change is one all-or-nothing ledger write.
type Change struct {
	// Escrow is inserted when Insert is set, otherwise updated if its stored
	// version still equals ExpectVersion.
	Escrow        *models.Escrow
	Insert        bool
	ExpectVersion int64

	// Transaction is upserted on (provider, provider tx id). On conflict the
	// stored id wins and is written back into Transaction.ID; the stored
	// status is kept when the new one ranks lower.
	Transaction *models.Transaction

	Refund  *models.RefundOutcome
	Webhook *models.WebhookEvent
	Audit   []*models.AuditEntry
}

func (c *Change) empty() bool {
	return c.Escrow == nil && c.Transaction == nil && c.Refund == nil && c.Webhook == nil && len(c.Audit) == 0
}

// merge folds o into c. o's escrow supersedes c's.
func (c *Change) merge(o *Change) {
	if o == nil {
		return
	}
	if o.Escrow != nil {
		if c.Escrow == nil {
			c.ExpectVersion = o.ExpectVersion
		}
		c.Escrow = o.Escrow
	}
	if o.Transaction != nil {
		c.Transaction = o.Transaction
	}
	if o.Refund != nil {
		c.Refund = o.Refund
	}
	if o.Webhook != nil {
		c.Webhook = o.Webhook
	}
	c.Audit = append(c.Audit, o.Audit...)
}
