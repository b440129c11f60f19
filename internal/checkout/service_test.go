package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/audit"
	"github.com/carenet/escrow/internal/ledger"
	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/providers"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type verifyCall struct {
	escrowID  uuid.UUID
	provider  string
	paymentID string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []verifyCall
	err   error
}

func (f *fakeEnqueuer) EnqueueVerify(_ context.Context, escrowID uuid.UUID, provider, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verifyCall{escrowID, provider, paymentID})
	return f.err
}

var customer = &models.Principal{ID: "cust-1", Permissions: []string{models.PermInitiatePayments}}

func newCheckout() (*Service, *ledger.Service, *providers.Sandbox, *fakeEnqueuer) {
	log := audit.NewMemory()
	led := ledger.NewService(ledger.NewMemoryStore(log), log, nil)
	sbx := providers.NewSandbox("https://sandbox.test/pay")
	q := &fakeEnqueuer{}
	return NewService(led, providers.NewRegistry(sbx), q, "sandbox", nil), led, sbx, q
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStart_CreatesAttachesAndSchedules(t *testing.T) {
	svc, led, sbx, q := newCheckout()
	ctx := context.Background()

	res, err := svc.Start(ctx, Request{Principal: customer, Amount: decimal.NewFromInt(750), Reference: "order-9"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	e, err := led.Get(ctx, res.EscrowID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.State != models.EscrowCreated || e.Currency != "BDT" || e.JobRef != "order-9" || e.Holder != "cust-1" {
		t.Errorf("escrow = %+v", e)
	}
	if e.ProviderRef == nil || *e.ProviderRef != res.PaymentID || e.Provider != "sandbox" {
		t.Errorf("checkout not attached: %+v", e)
	}
	ptx, err := sbx.GetTransaction(ctx, res.PaymentID)
	if err != nil || ptx.Reference != e.ID.String() {
		t.Errorf("provider reference = %+v, %v", ptx, err)
	}
	if len(q.calls) != 1 || q.calls[0] != (verifyCall{e.ID, "sandbox", res.PaymentID}) {
		t.Errorf("enqueued = %+v", q.calls)
	}
}

func TestStart_Validation(t *testing.T) {
	svc, _, _, q := newCheckout()
	ctx := context.Background()
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no permission", Request{Principal: &models.Principal{ID: "x"}, Amount: decimal.NewFromInt(1)}, models.ErrForbidden},
		{"zero amount", Request{Principal: customer}, models.ErrInvalidAmount},
		{"negative amount", Request{Principal: customer, Amount: decimal.NewFromInt(-5)}, models.ErrValidation},
		{"bad currency", Request{Principal: customer, Amount: decimal.NewFromInt(5), Currency: "TAKA"}, models.ErrValidation},
		{"unknown provider", Request{Principal: customer, Amount: decimal.NewFromInt(5), Provider: "paypal"}, models.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Start(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if len(q.calls) != 0 {
		t.Errorf("enqueued on failure: %+v", q.calls)
	}
}

func TestStart_ProviderDownFlagsEscrow(t *testing.T) {
	svc, led, sbx, _ := newCheckout()
	ctx := context.Background()
	sbx.SetUnreachable(true)

	_, err := svc.Start(ctx, Request{Principal: customer, Amount: decimal.NewFromInt(10)})
	if !errors.Is(err, models.ErrProviderUnreachable) {
		t.Fatalf("err = %v, want ErrProviderUnreachable", err)
	}
	flagged, err := led.List(ctx, models.EscrowFilter{NeedsReconciliation: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(flagged) != 1 || flagged[0].State != models.EscrowCreated {
		t.Errorf("flagged = %+v", flagged)
	}
}

func TestStart_EnqueueFailureIsNotFatal(t *testing.T) {
	svc, _, _, q := newCheckout()
	q.err = errors.New("queue down")
	if _, err := svc.Start(context.Background(), Request{Principal: customer, Amount: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("start: %v", err)
	}
}
