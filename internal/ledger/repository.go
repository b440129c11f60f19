package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carenet/escrow/internal/audit"
	"github.com/carenet/escrow/internal/models"
)

// Repository is the Postgres Store. Each Commit runs in one transaction; the
// escrow row is updated only if its version still matches.
type Repository struct {
	pool  *pgxpool.Pool
	audit *audit.Repository
}

func NewRepository(pool *pgxpool.Pool, auditRepo *audit.Repository) *Repository {
	return &Repository{pool: pool, audit: auditRepo}
}

var _ Store = (*Repository)(nil)

const escrowColumns = `id, job_ref, amount, refunded_amount, currency, state, holder, provider, provider_ref,
	transaction_id, needs_reconciliation, reconcile_note, version, created_at, last_transition_at`

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var e models.Escrow
	var state string
	err := row.Scan(&e.ID, &e.JobRef, &e.Amount, &e.RefundedAmount, &e.Currency, &state, &e.Holder, &e.Provider,
		&e.ProviderRef, &e.TransactionID, &e.NeedsReconciliation, &e.ReconcileNote, &e.Version, &e.CreatedAt, &e.LastTransitionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	e.State = models.EscrowState(state)
	return &e, nil
}

func (r *Repository) GetEscrow(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (r *Repository) GetEscrowByProviderRef(ctx context.Context, provider, ref string) (*models.Escrow, error) {
	return scanEscrow(r.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE provider = $1 AND provider_ref = $2`, provider, ref))
}

func (r *Repository) ListEscrows(ctx context.Context, f models.EscrowFilter) ([]*models.Escrow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE ($1 = '' OR state = $1) AND ($2 = '' OR holder = $2) AND (NOT $3 OR needs_reconciliation)
		ORDER BY created_at DESC
		LIMIT $4
	`, string(f.State), f.Holder, f.NeedsReconciliation, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const txColumns = `id, provider, provider_tx_id, amount, currency, status, raw_status, escrow_id, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var status string
	err := row.Scan(&t.ID, &t.Provider, &t.ProviderTxID, &t.Amount, &t.Currency, &status, &t.RawStatus, &t.EscrowID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = models.TxStatus(status)
	return &t, nil
}

func (r *Repository) GetTransaction(ctx context.Context, provider, providerTxID string) (*models.Transaction, error) {
	return scanTransaction(r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE provider = $1 AND provider_tx_id = $2`, provider, providerTxID))
}

func (r *Repository) ListTransactions(ctx context.Context, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+txColumns+` FROM transactions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const refundColumns = `escrow_id, idempotency_key, amount, refunded_total, remaining, state, reason, provider_refund_id, applied_at`

func scanRefund(row pgx.Row) (*models.RefundOutcome, error) {
	var o models.RefundOutcome
	var state string
	err := row.Scan(&o.EscrowID, &o.IdempotencyKey, &o.Amount, &o.RefundedTotal, &o.Remaining, &state, &o.Reason, &o.ProviderRefundID, &o.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.State = models.EscrowState(state)
	return &o, nil
}

func (r *Repository) GetRefund(ctx context.Context, escrowID uuid.UUID, key string) (*models.RefundOutcome, error) {
	return scanRefund(r.pool.QueryRow(ctx, `SELECT `+refundColumns+` FROM refund_outcomes WHERE escrow_id = $1 AND idempotency_key = $2`, escrowID, key))
}

func (r *Repository) GetRefundByProviderID(ctx context.Context, escrowID uuid.UUID, providerRefundID string) (*models.RefundOutcome, error) {
	return scanRefund(r.pool.QueryRow(ctx, `
		SELECT `+refundColumns+` FROM refund_outcomes
		WHERE escrow_id = $1 AND provider_refund_id = $2
		ORDER BY applied_at LIMIT 1
	`, escrowID, providerRefundID))
}

func (r *Repository) GetWebhookEvent(ctx context.Context, provider, key string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := r.pool.QueryRow(ctx, `
		SELECT id, provider, idempotency_key, signature, raw_payload, received_at, verified, escrow_id, outcome
		FROM webhook_events WHERE provider = $1 AND idempotency_key = $2
	`, provider, key).Scan(&ev.ID, &ev.Provider, &ev.IdempotencyKey, &ev.Signature, &ev.RawPayload, &ev.ReceivedAt, &ev.Verified, &ev.EscrowID, &ev.Outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Commit writes c in a single transaction. The transaction upsert runs first so
// the escrow can reference the stored transaction id.
func (r *Repository) Commit(ctx context.Context, c *Change) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if c.Transaction != nil {
		if err := upsertTransaction(ctx, tx, c); err != nil {
			return fmt.Errorf("upsert transaction: %w", err)
		}
	}
	if c.Escrow != nil {
		if err := writeEscrow(ctx, tx, c); err != nil {
			return err
		}
	}
	if c.Refund != nil {
		o := c.Refund
		tag, err := tx.Exec(ctx, `
			INSERT INTO refund_outcomes (`+refundColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (escrow_id, idempotency_key) DO NOTHING
		`, o.EscrowID, o.IdempotencyKey, o.Amount, o.RefundedTotal, o.Remaining, string(o.State), o.Reason, o.ProviderRefundID, o.AppliedAt)
		if err != nil {
			return fmt.Errorf("insert refund outcome: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrConflict
		}
	}
	if c.Webhook != nil {
		ev := c.Webhook
		tag, err := tx.Exec(ctx, `
			INSERT INTO webhook_events (id, provider, idempotency_key, signature, raw_payload, received_at, verified, escrow_id, outcome)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (provider, idempotency_key) DO NOTHING
		`, ev.ID, ev.Provider, ev.IdempotencyKey, ev.Signature, ev.RawPayload, ev.ReceivedAt, ev.Verified, ev.EscrowID, ev.Outcome)
		if err != nil {
			return fmt.Errorf("insert webhook event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return models.ErrConflict
		}
	}
	for _, entry := range c.Audit {
		if err := r.audit.AppendTx(ctx, tx, entry); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// txRank mirrors models.TxStatus.Rank so a late, lower-ranked report never
// overwrites the stored status.
func txRank(col string) string {
	return `CASE ` + col + ` WHEN 'PENDING' THEN 0 WHEN 'CONFIRMED' THEN 1 ELSE 2 END`
}

func upsertTransaction(ctx context.Context, tx pgx.Tx, c *Change) error {
	t := c.Transaction
	provisional := t.ID
	forward := txRank("EXCLUDED.status") + ` >= ` + txRank("transactions.status")
	var status string
	err := tx.QueryRow(ctx, `
		INSERT INTO transactions (id, provider, provider_tx_id, amount, currency, status, raw_status, escrow_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (provider, provider_tx_id) DO UPDATE SET
			status = CASE WHEN `+forward+` THEN EXCLUDED.status ELSE transactions.status END,
			raw_status = CASE WHEN `+forward+` THEN EXCLUDED.raw_status ELSE transactions.raw_status END,
			amount = CASE WHEN EXCLUDED.amount = 0 THEN transactions.amount ELSE EXCLUDED.amount END,
			escrow_id = COALESCE(EXCLUDED.escrow_id, transactions.escrow_id),
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, escrow_id, status, raw_status
	`, t.ID, t.Provider, t.ProviderTxID, t.Amount, t.Currency, string(t.Status), t.RawStatus, t.EscrowID, t.CreatedAt, t.UpdatedAt).
		Scan(&t.ID, &t.CreatedAt, &t.EscrowID, &status, &t.RawStatus)
	if err != nil {
		return err
	}
	t.Status = models.TxStatus(status)
	if t.ID != provisional && c.Escrow != nil && c.Escrow.TransactionID != nil && *c.Escrow.TransactionID == provisional {
		id := t.ID
		c.Escrow.TransactionID = &id
	}
	return nil
}

func writeEscrow(ctx context.Context, tx pgx.Tx, c *Change) error {
	e := c.Escrow
	if c.Insert {
		_, err := tx.Exec(ctx, `
			INSERT INTO escrows (`+escrowColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, e.ID, e.JobRef, e.Amount, e.RefundedAmount, e.Currency, string(e.State), e.Holder, e.Provider, e.ProviderRef,
			e.TransactionID, e.NeedsReconciliation, e.ReconcileNote, e.Version, e.CreatedAt, e.LastTransitionAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert escrow: %w", err)
		}
		return nil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE escrows SET
			refunded_amount = $2, state = $3, provider = $4, provider_ref = $5, transaction_id = $6,
			needs_reconciliation = $7, reconcile_note = $8, version = $9, last_transition_at = $10
		WHERE id = $1 AND version = $11
	`, e.ID, e.RefundedAmount, string(e.State), e.Provider, e.ProviderRef, e.TransactionID,
		e.NeedsReconciliation, e.ReconcileNote, e.Version, e.LastTransitionAt, c.ExpectVersion)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrConflict
	}
	return nil
}
