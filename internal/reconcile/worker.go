package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/providers"
	"github.com/carenet/escrow/internal/refunds"
)

// VerifyPaymentArgs asks the provider for a checkout's status and holds the
// escrow once the payment is confirmed.
type VerifyPaymentArgs struct {
	EscrowID  uuid.UUID `json:"escrow_id"`
	Provider  string    `json:"provider"`
	PaymentID string    `json:"payment_id"`
}

func (VerifyPaymentArgs) Kind() string { return "verify_payment" }

// RefundRetryArgs replays a refund that failed on a provider outage. The
// idempotency key inside Request makes the replay safe.
type RefundRetryArgs struct {
	Request refunds.Request `json:"request"`
}

func (RefundRetryArgs) Kind() string { return "refund_retry" }

// Ledger is the ledger surface the workers drive.
type Ledger interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	MarkHeld(ctx context.Context, id uuid.UUID, tx *models.Transaction) (*models.Escrow, error)
	FlagForReconciliation(ctx context.Context, id uuid.UUID, note string) (*models.Escrow, error)
}

type Providers interface {
	Get(name string) (providers.Adapter, error)
}

type Refunder interface {
	Refund(ctx context.Context, req refunds.Request) (*refunds.Result, error)
}

// ---------------------------------------------------------------------------
// verify_payment
// ---------------------------------------------------------------------------

type VerifyConfig struct {
	// PollInterval is how long a PENDING payment is snoozed before the next check.
	PollInterval time.Duration
	// PendingTimeout bounds how long an escrow may wait in CREATED for its payment.
	PendingTimeout time.Duration
}

type VerifyPaymentWorker struct {
	river.WorkerDefaults[VerifyPaymentArgs]
	ledger    Ledger
	providers Providers
	cfg       VerifyConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewVerifyPaymentWorker(l Ledger, p Providers, cfg VerifyConfig, logger *slog.Logger) *VerifyPaymentWorker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VerifyPaymentWorker{ledger: l, providers: p, cfg: cfg, logger: logger, now: time.Now}
}

func (w *VerifyPaymentWorker) Timeout(*river.Job[VerifyPaymentArgs]) time.Duration {
	return 30 * time.Second
}

func (w *VerifyPaymentWorker) Work(ctx context.Context, job *river.Job[VerifyPaymentArgs]) error {
	d, err := w.verify(ctx, job.Args, job.Attempt >= job.MaxAttempts)
	switch d {
	case snooze:
		return river.JobSnooze(w.cfg.PollInterval)
	case cancel:
		return river.JobCancel(err)
	}
	return err
}

// decision is what a worker wants River to do with the job.
type decision int

const (
	done decision = iota
	retry
	snooze
	cancel
)

func (w *VerifyPaymentWorker) verify(ctx context.Context, args VerifyPaymentArgs, lastAttempt bool) (decision, error) {
	e, err := w.ledger.Get(ctx, args.EscrowID)
	if errors.Is(err, models.ErrEscrowNotFound) {
		return cancel, err
	}
	if err != nil {
		return retry, err
	}
	if e.State != models.EscrowCreated {
		// A webhook got there first.
		return done, nil
	}

	adapter, err := w.providers.Get(args.Provider)
	if err != nil {
		return cancel, err
	}
	ptx, err := adapter.GetTransaction(ctx, args.PaymentID)
	switch {
	case models.IsRetryable(err):
		if lastAttempt {
			w.flag(ctx, e.ID, "provider unreachable while verifying payment "+args.PaymentID)
		}
		return retry, err
	case err != nil:
		w.flag(ctx, e.ID, fmt.Sprintf("payment %s could not be verified: %v", args.PaymentID, err))
		return cancel, err
	}

	switch ptx.Status {
	case models.TxPending:
		if w.now().Sub(e.CreatedAt) > w.cfg.PendingTimeout {
			w.flag(ctx, e.ID, "payment "+args.PaymentID+" still pending after "+w.cfg.PendingTimeout.String())
			return cancel, fmt.Errorf("payment %s pending too long", args.PaymentID)
		}
		return snooze, nil
	case models.TxConfirmed:
	default:
		w.flag(ctx, e.ID, fmt.Sprintf("provider reports payment %s as %s", args.PaymentID, ptx.RawStatus))
		return cancel, fmt.Errorf("payment %s %s", args.PaymentID, ptx.Status)
	}

	if !ptx.Amount.IsZero() && !ptx.Amount.Equal(e.Amount) {
		w.flag(ctx, e.ID, fmt.Sprintf("provider confirmed %s but escrow holds %s", ptx.Amount, e.Amount))
		return cancel, fmt.Errorf("payment %s amount mismatch", args.PaymentID)
	}
	_, err = w.ledger.MarkHeld(ctx, e.ID, &models.Transaction{
		Provider:     args.Provider,
		ProviderTxID: ptx.PaymentID,
		Amount:       ptx.Amount,
		Currency:     ptx.Currency,
		Status:       models.TxConfirmed,
		RawStatus:    ptx.RawStatus,
	})
	switch {
	case errors.Is(err, models.ErrInvalidTransition):
		return cancel, err
	case err != nil:
		return retry, err
	}
	w.logger.Info("payment verified", "escrow_id", e.ID, "provider", args.Provider, "payment_id", args.PaymentID)
	return done, nil
}

func (w *VerifyPaymentWorker) flag(ctx context.Context, id uuid.UUID, note string) {
	if _, err := w.ledger.FlagForReconciliation(ctx, id, note); err != nil {
		w.logger.Error("flag escrow failed", "escrow_id", id, "error", err)
	}
}

// ---------------------------------------------------------------------------
// refund_retry
// ---------------------------------------------------------------------------

type RefundRetryWorker struct {
	river.WorkerDefaults[RefundRetryArgs]
	refunds Refunder
	ledger  Ledger
	logger  *slog.Logger
}

func NewRefundRetryWorker(r Refunder, l Ledger, logger *slog.Logger) *RefundRetryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundRetryWorker{refunds: r, ledger: l, logger: logger}
}

func (w *RefundRetryWorker) Work(ctx context.Context, job *river.Job[RefundRetryArgs]) error {
	d, err := w.retry(ctx, job.Args, job.Attempt >= job.MaxAttempts)
	if d == cancel {
		return river.JobCancel(err)
	}
	return err
}

func (w *RefundRetryWorker) retry(ctx context.Context, args RefundRetryArgs, lastAttempt bool) (decision, error) {
	req := args.Request
	res, err := w.refunds.Refund(ctx, req)
	switch {
	case models.IsRetryable(err):
		if lastAttempt {
			note := "refund " + req.IdempotencyKey + " abandoned: provider unreachable"
			if _, ferr := w.ledger.FlagForReconciliation(ctx, req.EscrowID, note); ferr != nil {
				w.logger.Error("flag escrow failed", "escrow_id", req.EscrowID, "error", ferr)
			}
		}
		return retry, err
	case err != nil:
		w.logger.Warn("queued refund rejected", "escrow_id", req.EscrowID, "idempotency_key", req.IdempotencyKey, "error", err)
		return cancel, err
	}
	w.logger.Info("queued refund applied",
		"escrow_id", req.EscrowID, "idempotency_key", req.IdempotencyKey,
		"state", res.Outcome.State, "replayed", res.Outcome.Replayed)
	return done, nil
}
