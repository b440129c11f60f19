package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/models"
)

// Repository is the Postgres-backed audit log.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Log = (*Repository)(nil)

const insertEntrySQL = `
	INSERT INTO audit_log (id, escrow_id, action, outcome, actor, from_state, to_state, amount, detail, metadata, occurred_at)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11)
`

func (r *Repository) Append(ctx context.Context, e *models.AuditEntry) error {
	Stamp(e)
	_, err := r.pool.Exec(ctx, insertEntrySQL, entryArgs(e)...)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// AppendTx writes the entry inside the caller's transaction so it commits
// together with the state change it describes.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, e *models.AuditEntry) error {
	Stamp(e)
	_, err := tx.Exec(ctx, insertEntrySQL, entryArgs(e)...)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func entryArgs(e *models.AuditEntry) []any {
	var amount decimal.NullDecimal
	if e.Amount != nil {
		amount = decimal.NewNullDecimal(*e.Amount)
	}
	return []any{e.ID, e.EscrowID, e.Action, e.Outcome, e.Actor, string(e.FromState), string(e.ToState), amount, e.Detail, e.Metadata, e.OccurredAt}
}

const selectEntrySQL = `
	SELECT id, escrow_id, action, outcome, actor, COALESCE(from_state, ''), COALESCE(to_state, ''), amount, detail, metadata, occurred_at
	FROM audit_log
`

func (r *Repository) ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]*models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, selectEntrySQL+` WHERE escrow_id = $1 ORDER BY occurred_at, id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (r *Repository) List(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, selectEntrySQL+` ORDER BY occurred_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	for rows.Next() {
		var (
			e                  models.AuditEntry
			fromState, toState string
			amount             decimal.NullDecimal
		)
		if err := rows.Scan(&e.ID, &e.EscrowID, &e.Action, &e.Outcome, &e.Actor, &fromState, &toState, &amount, &e.Detail, &e.Metadata, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.FromState = models.EscrowState(fromState)
		e.ToState = models.EscrowState(toState)
		if amount.Valid {
			a := amount.Decimal
			e.Amount = &a
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
