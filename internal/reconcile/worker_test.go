package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/audit"
	"github.com/carenet/escrow/internal/ledger"
	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/providers"
	"github.com/carenet/escrow/internal/refunds"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type fixture struct {
	ledger  *ledger.Service
	sandbox *providers.Sandbox
	reg     *providers.Registry
	worker  *VerifyPaymentWorker
}

func newFixture() *fixture {
	log := audit.NewMemory()
	led := ledger.NewService(ledger.NewMemoryStore(log), log, nil)
	sbx := providers.NewSandbox("")
	reg := providers.NewRegistry(sbx)
	return &fixture{
		ledger:  led,
		sandbox: sbx,
		reg:     reg,
		worker:  NewVerifyPaymentWorker(led, reg, VerifyConfig{PollInterval: time.Second, PendingTimeout: time.Hour}, nil),
	}
}

// checkout opens an escrow with an attached sandbox payment.
func (f *fixture) checkout(t *testing.T, amount int64) VerifyPaymentArgs {
	t.Helper()
	ctx := context.Background()
	e, err := f.ledger.CreateEscrow(ctx, ledger.CreateEscrowInput{Amount: decimal.NewFromInt(amount), Holder: "u"})
	if err != nil {
		t.Fatal(err)
	}
	co, err := f.sandbox.CreateCheckout(ctx, e.Amount, e.Currency, e.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.AttachCheckout(ctx, e.ID, "sandbox", co.PaymentID); err != nil {
		t.Fatal(err)
	}
	return VerifyPaymentArgs{EscrowID: e.ID, Provider: "sandbox", PaymentID: co.PaymentID}
}

func (f *fixture) escrow(t *testing.T, id uuid.UUID) *models.Escrow {
	t.Helper()
	e, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func verifyJob(args VerifyPaymentArgs, attempt int) *river.Job[VerifyPaymentArgs] {
	return &river.Job[VerifyPaymentArgs]{JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: 3}, Args: args}
}

// ---------------------------------------------------------------------------
// verify_payment
// ---------------------------------------------------------------------------

func TestVerify_ConfirmedHolds(t *testing.T) {
	f := newFixture()
	args := f.checkout(t, 300)
	_ = f.sandbox.Settle(args.PaymentID, models.TxConfirmed)

	if err := f.worker.Work(context.Background(), verifyJob(args, 1)); err != nil {
		t.Fatalf("work: %v", err)
	}
	e := f.escrow(t, args.EscrowID)
	if e.State != models.EscrowHeld || e.TransactionID == nil {
		t.Errorf("escrow = %s tx %v", e.State, e.TransactionID)
	}

	// Second run is a no-op once held.
	d, err := f.worker.verify(context.Background(), args, false)
	if d != done || err != nil {
		t.Errorf("rerun = %v, %v", d, err)
	}
}

func TestVerify_PendingSnoozes(t *testing.T) {
	f := newFixture()
	args := f.checkout(t, 300)
	d, err := f.worker.verify(context.Background(), args, false)
	if d != snooze || err != nil {
		t.Fatalf("decision = %v, %v; want snooze", d, err)
	}
	if err := f.worker.Work(context.Background(), verifyJob(args, 1)); err == nil {
		t.Error("Work should return a snooze error for pending payments")
	}
	if f.escrow(t, args.EscrowID).NeedsReconciliation {
		t.Error("pending payment flagged too early")
	}
}

func TestVerify_PendingTooLongFlags(t *testing.T) {
	f := newFixture()
	args := f.checkout(t, 300)
	f.worker.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	d, _ := f.worker.verify(context.Background(), args, false)
	if d != cancel {
		t.Fatalf("decision = %v, want cancel", d)
	}
	if !f.escrow(t, args.EscrowID).NeedsReconciliation {
		t.Error("stale pending escrow not flagged")
	}
}

func TestVerify_FailedPaymentFlagsAndCancels(t *testing.T) {
	f := newFixture()
	args := f.checkout(t, 300)
	_ = f.sandbox.Settle(args.PaymentID, models.TxFailed)
	d, err := f.worker.verify(context.Background(), args, false)
	if d != cancel || err == nil {
		t.Fatalf("decision = %v, %v; want cancel", d, err)
	}
	e := f.escrow(t, args.EscrowID)
	if e.State != models.EscrowCreated || !e.NeedsReconciliation {
		t.Errorf("escrow = %s flagged=%v", e.State, e.NeedsReconciliation)
	}
}

func TestVerify_UnknownPaymentCancels(t *testing.T) {
	f := newFixture()
	args := f.checkout(t, 300)
	args.PaymentID = "SBX-GONE"
	d, err := f.worker.verify(context.Background(), args, false)
	if d != cancel || !errors.Is(err, models.ErrTransactionNotFound) {
		t.Fatalf("decision = %v, %v", d, err)
	}
}

func TestVerify_UnreachableRetriesThenFlags(t *testing.T) {
	f := newFixture()
	args := f.checkout(t, 300)
	f.sandbox.SetUnreachable(true)

	d, err := f.worker.verify(context.Background(), args, false)
	if d != retry || !models.IsRetryable(err) {
		t.Fatalf("decision = %v, %v; want retry", d, err)
	}
	if f.escrow(t, args.EscrowID).NeedsReconciliation {
		t.Fatal("flagged before attempts were exhausted")
	}

	err = f.worker.Work(context.Background(), verifyJob(args, 3))
	if !errors.Is(err, models.ErrProviderUnreachable) {
		t.Fatalf("last attempt err = %v", err)
	}
	e := f.escrow(t, args.EscrowID)
	if e.State != models.EscrowCreated || !e.NeedsReconciliation {
		t.Errorf("escrow = %s flagged=%v", e.State, e.NeedsReconciliation)
	}
}

func TestVerify_MissingEscrowCancels(t *testing.T) {
	f := newFixture()
	d, err := f.worker.verify(context.Background(), VerifyPaymentArgs{EscrowID: uuid.New(), Provider: "sandbox", PaymentID: "x"}, false)
	if d != cancel || !errors.Is(err, models.ErrEscrowNotFound) {
		t.Fatalf("decision = %v, %v", d, err)
	}
}

// ---------------------------------------------------------------------------
// refund_retry
// ---------------------------------------------------------------------------

type scriptedRefunder struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (r *scriptedRefunder) Refund(_ context.Context, req refunds.Request) (*refunds.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &refunds.Result{Outcome: &models.RefundOutcome{EscrowID: req.EscrowID, State: models.EscrowRefunded}}, nil
}

func TestRefundRetry(t *testing.T) {
	f := newFixture()
	args := f.checkout(t, 100)
	req := refunds.Request{EscrowID: args.EscrowID, IdempotencyKey: "rk-1"}

	tests := []struct {
		name        string
		err         error
		lastAttempt bool
		want        decision
		flagged     bool
	}{
		{"success", nil, false, done, false},
		{"transient", models.ErrProviderUnreachable, false, retry, false},
		{"permanent", models.ErrInsufficientBalance, false, cancel, false},
		{"exhausted", models.ErrProviderUnreachable, true, retry, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewRefundRetryWorker(&scriptedRefunder{errs: []error{tt.err}}, f.ledger, nil)
			d, err := w.retry(context.Background(), RefundRetryArgs{Request: req}, tt.lastAttempt)
			if d != tt.want || !errors.Is(err, tt.err) {
				t.Fatalf("decision = %v, %v; want %v", d, err, tt.want)
			}
			if got := f.escrow(t, args.EscrowID).NeedsReconciliation; got != tt.flagged {
				t.Errorf("flagged = %v, want %v", got, tt.flagged)
			}
		})
	}
}

func TestRefundRetry_ReplaysThroughOrchestrator(t *testing.T) {
	f := newFixture()
	args := f.checkout(t, 100)
	_ = f.sandbox.Settle(args.PaymentID, models.TxConfirmed)
	if _, err := f.worker.verify(context.Background(), args, false); err != nil {
		t.Fatal(err)
	}
	orch := refunds.NewService(f.ledger, f.reg, nil, nil)
	manager := &models.Principal{ID: "ops", Permissions: []string{models.PermManagePayments}}
	w := NewRefundRetryWorker(orch, f.ledger, nil)
	job := &river.Job[RefundRetryArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 3},
		Args:   RefundRetryArgs{Request: refunds.Request{Principal: manager, EscrowID: args.EscrowID, IdempotencyKey: "rk-2", Provider: "sandbox", TransactionID: args.PaymentID}},
	}
	for range 2 {
		if err := w.Work(context.Background(), job); err != nil {
			t.Fatalf("work: %v", err)
		}
	}
	e := f.escrow(t, args.EscrowID)
	if e.State != models.EscrowRefunded || !e.RefundedAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("escrow = %s refunded %s", e.State, e.RefundedAmount)
	}
}

// ---------------------------------------------------------------------------
// Enqueuer
// ---------------------------------------------------------------------------

type fakeInserter struct {
	mu   sync.Mutex
	args []river.JobArgs
	opts []*river.InsertOpts
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, args)
	f.opts = append(f.opts, opts)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(len(f.args)), Kind: args.Kind()}}, nil
}

func TestEnqueuer(t *testing.T) {
	ins := &fakeInserter{}
	q := NewEnqueuer(ins, 0, 30*time.Second, nil)
	id := uuid.New()
	if err := q.EnqueueVerify(context.Background(), id, "sandbox", "SBX-1"); err != nil {
		t.Fatal(err)
	}
	if err := q.EnqueueRefundRetry(context.Background(), refunds.Request{EscrowID: id, IdempotencyKey: "k"}); err != nil {
		t.Fatal(err)
	}
	if len(ins.args) != 2 || ins.args[0].Kind() != "verify_payment" || ins.args[1].Kind() != "refund_retry" {
		t.Fatalf("inserted = %+v", ins.args)
	}
	if ins.opts[0].MaxAttempts != 8 || ins.opts[0].ScheduledAt.IsZero() || !ins.opts[0].UniqueOpts.ByArgs {
		t.Errorf("verify opts = %+v", ins.opts[0])
	}
	if got := ins.args[0].(VerifyPaymentArgs); got.EscrowID != id || got.PaymentID != "SBX-1" {
		t.Errorf("verify args = %+v", got)
	}
}
