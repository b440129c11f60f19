package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/carenet/escrow/internal/audit"
	"github.com/carenet/escrow/internal/models"
)

// MemoryStore keeps ledger records in process. It backs the memory storage
// driver and the tests; a single mutex makes every Commit atomic.
type MemoryStore struct {
	mu       sync.Mutex
	escrows  map[uuid.UUID]*models.Escrow
	txs      map[string]*models.Transaction
	refunds  map[string]*models.RefundOutcome
	webhooks map[string]*models.WebhookEvent
	audit    *audit.Memory
	commits  int
}

// NewMemoryStore returns an empty store. Audit entries carried by commits are
// appended to auditLog when it is non-nil.
func NewMemoryStore(auditLog *audit.Memory) *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[uuid.UUID]*models.Escrow),
		txs:      make(map[string]*models.Transaction),
		refunds:  make(map[string]*models.RefundOutcome),
		webhooks: make(map[string]*models.WebhookEvent),
		audit:    auditLog,
	}
}

var _ Store = (*MemoryStore)(nil)

func txKey(provider, providerTxID string) string { return provider + "\x00" + providerTxID }

func refundKey(escrowID uuid.UUID, key string) string { return escrowID.String() + "\x00" + key }

func (m *MemoryStore) GetEscrow(_ context.Context, id uuid.UUID) (*models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, models.ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) GetEscrowByProviderRef(_ context.Context, provider, ref string) (*models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.escrows {
		if e.Provider == provider && e.ProviderRef != nil && *e.ProviderRef == ref {
			return e.Clone(), nil
		}
	}
	return nil, models.ErrEscrowNotFound
}

func (m *MemoryStore) ListEscrows(_ context.Context, f models.EscrowFilter) ([]*models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Escrow, 0, len(m.escrows))
	for _, e := range m.escrows {
		if f.State != "" && e.State != f.State {
			continue
		}
		if f.Holder != "" && e.Holder != f.Holder {
			continue
		}
		if f.NeedsReconciliation && !e.NeedsReconciliation {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, provider, providerTxID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txKey(provider, providerTxID)]
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Transaction, 0, len(m.txs))
	for _, t := range m.txs {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetRefund(_ context.Context, escrowID uuid.UUID, key string) (*models.RefundOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.refunds[refundKey(escrowID, key)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetRefundByProviderID(_ context.Context, escrowID uuid.UUID, providerRefundID string) (*models.RefundOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.RefundOutcome
	for _, r := range m.refunds {
		if r.EscrowID != escrowID || r.ProviderRefundID == "" || r.ProviderRefundID != providerRefundID {
			continue
		}
		if found == nil || r.AppliedAt.Before(found.AppliedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) GetWebhookEvent(_ context.Context, provider, key string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.webhooks[txKey(provider, key)]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) Commit(ctx context.Context, c *Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything before touching state so a failed commit leaves no trace.
	if c.Escrow != nil {
		cur, exists := m.escrows[c.Escrow.ID]
		switch {
		case c.Insert && exists:
			return models.ErrConflict
		case !c.Insert && !exists:
			return models.ErrEscrowNotFound
		case !c.Insert && cur.Version != c.ExpectVersion:
			return models.ErrConflict
		}
	}
	if c.Refund != nil {
		if _, dup := m.refunds[refundKey(c.Refund.EscrowID, c.Refund.IdempotencyKey)]; dup {
			return models.ErrConflict
		}
	}
	if c.Webhook != nil {
		if _, dup := m.webhooks[txKey(c.Webhook.Provider, c.Webhook.IdempotencyKey)]; dup {
			return models.ErrConflict
		}
	}

	if c.Transaction != nil {
		k := txKey(c.Transaction.Provider, c.Transaction.ProviderTxID)
		if cur, ok := m.txs[k]; ok && c.Transaction.Status.Rank() < cur.Status.Rank() {
			c.Transaction.Status = cur.Status
			c.Transaction.RawStatus = cur.RawStatus
		}
		if cur, ok := m.txs[k]; ok && cur.ID != c.Transaction.ID {
			provisional := c.Transaction.ID
			c.Transaction.ID = cur.ID
			c.Transaction.CreatedAt = cur.CreatedAt
			if c.Transaction.EscrowID == nil {
				c.Transaction.EscrowID = cur.EscrowID
			}
			if c.Escrow != nil && c.Escrow.TransactionID != nil && *c.Escrow.TransactionID == provisional {
				id := cur.ID
				c.Escrow.TransactionID = &id
			}
		}
		cp := *c.Transaction
		m.txs[k] = &cp
	}
	if c.Escrow != nil {
		m.escrows[c.Escrow.ID] = c.Escrow.Clone()
	}
	if c.Refund != nil {
		cp := *c.Refund
		m.refunds[refundKey(c.Refund.EscrowID, c.Refund.IdempotencyKey)] = &cp
	}
	if c.Webhook != nil {
		cp := *c.Webhook
		m.webhooks[txKey(c.Webhook.Provider, c.Webhook.IdempotencyKey)] = &cp
	}
	if m.audit != nil {
		for _, e := range c.Audit {
			if err := m.audit.Append(ctx, e); err != nil {
				return err
			}
		}
	}
	m.commits++
	return nil
}

// Commits reports how many changes were applied.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// TransactionCount reports the number of distinct transactions.
func (m *MemoryStore) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}
