package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/carenet/escrow/internal/refunds"
)

// Inserter is the enqueue half of a river client.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Enqueuer schedules reconciliation jobs.
type Enqueuer struct {
	inserter    Inserter
	maxAttempts int
	firstCheck  time.Duration
	logger      *slog.Logger
}

func NewEnqueuer(inserter Inserter, maxAttempts int, firstCheck time.Duration, logger *slog.Logger) *Enqueuer {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enqueuer{inserter: inserter, maxAttempts: maxAttempts, firstCheck: firstCheck, logger: logger}
}

// EnqueueVerify schedules a status check for a checkout. One job per payment.
func (e *Enqueuer) EnqueueVerify(ctx context.Context, escrowID uuid.UUID, provider, paymentID string) error {
	opts := &river.InsertOpts{
		MaxAttempts: e.maxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
	if e.firstCheck > 0 {
		opts.ScheduledAt = time.Now().Add(e.firstCheck)
	}
	res, err := e.inserter.Insert(ctx, VerifyPaymentArgs{EscrowID: escrowID, Provider: provider, PaymentID: paymentID}, opts)
	if err != nil {
		return fmt.Errorf("enqueue verify_payment: %w", err)
	}
	e.logger.Info("verify_payment enqueued", "escrow_id", escrowID, "job_id", res.Job.ID, "duplicate", res.UniqueSkippedAsDuplicate)
	return nil
}

// EnqueueRefundRetry queues a refund that hit a provider outage.
func (e *Enqueuer) EnqueueRefundRetry(ctx context.Context, req refunds.Request) error {
	res, err := e.inserter.Insert(ctx, RefundRetryArgs{Request: req}, &river.InsertOpts{
		MaxAttempts: e.maxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	})
	if err != nil {
		return fmt.Errorf("enqueue refund_retry: %w", err)
	}
	e.logger.Info("refund_retry enqueued", "escrow_id", req.EscrowID, "job_id", res.Job.ID, "duplicate", res.UniqueSkippedAsDuplicate)
	return nil
}

// Workers registers both reconciliation workers.
func Workers(verify *VerifyPaymentWorker, refund *RefundRetryWorker) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, verify)
	river.AddWorker(workers, refund)
	return workers
}

// NewClient builds the river client that runs the reconciliation queue.
func NewClient(pool *pgxpool.Pool, workers *river.Workers, maxWorkers int, logger *slog.Logger) (*river.Client[pgx.Tx], error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: logger,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
}
