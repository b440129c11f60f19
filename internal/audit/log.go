package audit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carenet/escrow/internal/models"
)

// Log is the append-only reconciliation trail. Entries are never updated.
type Log interface {
	Append(ctx context.Context, e *models.AuditEntry) error
	ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]*models.AuditEntry, error)
	List(ctx context.Context, limit int) ([]*models.AuditEntry, error)
}

// Stamp fills ID and OccurredAt when unset.
func Stamp(e *models.AuditEntry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
}

// Memory keeps entries in process. Used by the memory storage driver and tests.
type Memory struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{}
}

var _ Log = (*Memory)(nil)

func (m *Memory) Append(_ context.Context, e *models.AuditEntry) error {
	Stamp(e)
	cp := *e
	m.mu.Lock()
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListByEscrow(_ context.Context, escrowID uuid.UUID) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditEntry
	for _, e := range m.entries {
		if e.EscrowID != nil && *e.EscrowID == escrowID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// List returns the newest entries first.
func (m *Memory) List(_ context.Context, limit int) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.AuditEntry, 0, len(m.entries))
	for _, e := range slices.Backward(m.entries) {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
