package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/carenet/escrow/internal/models"
)

func webhookEvent(provider, txID string, status models.TxStatus) *models.WebhookEvent {
	return &models.WebhookEvent{
		Provider:       provider,
		IdempotencyKey: txID + ":" + string(status),
		RawPayload:     []byte(`{}`),
	}
}

func TestApplyProviderEvent_ConfirmHoldsEscrow(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	e, _ := svc.CreateEscrow(ctx, CreateEscrowInput{Amount: dec("1000")})

	out, err := svc.ApplyProviderEvent(ctx, webhookEvent("sandbox", "P1", models.TxConfirmed), ProviderEvent{
		Provider: "sandbox", ProviderTxID: "P1", Reference: e.ID.String(), Status: models.TxConfirmed, Amount: decPtr("1000"),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Disposition != models.WebhookApplied || out.EscrowState != models.EscrowHeld || out.Replayed {
		t.Errorf("outcome = %+v", out)
	}
	cur, _ := svc.Get(ctx, e.ID)
	if cur.State != models.EscrowHeld || cur.TransactionID == nil || *cur.TransactionID != out.TransactionID {
		t.Errorf("escrow = %+v", cur)
	}
	if store.TransactionCount() != 1 {
		t.Errorf("transactions = %d", store.TransactionCount())
	}
}

func TestApplyProviderEvent_ReplayReturnsPriorOutcome(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	e, _ := svc.CreateEscrow(ctx, CreateEscrowInput{Amount: dec("1000")})
	pe := ProviderEvent{Provider: "sandbox", ProviderTxID: "P1", Reference: e.ID.String(), Status: models.TxConfirmed}

	first, err := svc.ApplyProviderEvent(ctx, webhookEvent("sandbox", "P1", models.TxConfirmed), pe)
	if err != nil {
		t.Fatal(err)
	}
	commits := store.Commits()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := svc.ApplyProviderEvent(ctx, webhookEvent("sandbox", "P1", models.TxConfirmed), pe)
			if err != nil {
				t.Errorf("replay: %v", err)
				return
			}
			if !out.Replayed || out.TransactionID != first.TransactionID || out.Disposition != first.Disposition {
				t.Errorf("replay outcome = %+v, first = %+v", out, first)
			}
		}()
	}
	wg.Wait()

	if store.Commits() != commits {
		t.Errorf("replays committed %d changes", store.Commits()-commits)
	}
	if store.TransactionCount() != 1 {
		t.Errorf("transactions = %d, want 1", store.TransactionCount())
	}
}

func TestApplyProviderEvent_ConcurrentFirstDeliveryAppliesOnce(t *testing.T) {
	svc, store, log := newTestService()
	ctx := context.Background()
	e, _ := svc.CreateEscrow(ctx, CreateEscrowInput{Amount: dec("500")})
	pe := ProviderEvent{Provider: "sandbox", ProviderTxID: "P9", Reference: e.ID.String(), Status: models.TxConfirmed}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ApplyProviderEvent(ctx, webhookEvent("sandbox", "P9", models.TxConfirmed), pe); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	if store.TransactionCount() != 1 {
		t.Errorf("transactions = %d, want 1", store.TransactionCount())
	}
	if got := countAudit(t, log, e.ID, models.AuditHold, models.OutcomeApplied); got != 1 {
		t.Errorf("hold transitions = %d, want 1", got)
	}
}

func TestApplyProviderEvent_UnknownEscrowRecordsTransaction(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	out, err := svc.ApplyProviderEvent(ctx, webhookEvent("bkash", "TRX1", models.TxConfirmed), ProviderEvent{
		Provider: "bkash", ProviderTxID: "TRX1", Reference: "not-an-escrow", Status: models.TxConfirmed, Amount: decPtr("10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != models.WebhookRecorded || out.EscrowID != nil {
		t.Errorf("outcome = %+v", out)
	}
	tx, err := store.GetTransaction(ctx, "bkash", "TRX1")
	if err != nil || tx.EscrowID != nil || tx.Status != models.TxConfirmed {
		t.Errorf("transaction = %+v, err %v", tx, err)
	}
}

func TestApplyProviderEvent_StatusProgressionUpdatesSameTransaction(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	e, _ := svc.CreateEscrow(ctx, CreateEscrowInput{Amount: dec("100")})
	if _, err := svc.AttachCheckout(ctx, e.ID, "nagad", "PAY-1"); err != nil {
		t.Fatal(err)
	}

	for _, status := range []models.TxStatus{models.TxPending, models.TxConfirmed, models.TxRefunded} {
		_, err := svc.ApplyProviderEvent(ctx, webhookEvent("nagad", "NG1", status), ProviderEvent{
			Provider: "nagad", ProviderTxID: "NG1", PaymentRef: "PAY-1", Status: status,
		})
		if err != nil {
			t.Fatalf("%s: %v", status, err)
		}
	}
	if store.TransactionCount() != 1 {
		t.Errorf("transactions = %d, want 1", store.TransactionCount())
	}
	cur, _ := svc.Get(ctx, e.ID)
	if cur.State != models.EscrowRefunded || !cur.RefundedAmount.Equal(dec("100")) {
		t.Errorf("escrow = %+v, want fully refunded", cur)
	}
	tx, _ := store.GetTransaction(ctx, "nagad", "NG1")
	if tx.Status != models.TxRefunded || tx.EscrowID == nil || *tx.EscrowID != e.ID {
		t.Errorf("transaction = %+v", tx)
	}
}

func TestApplyProviderEvent_AmountMismatchFlags(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	e, _ := svc.CreateEscrow(ctx, CreateEscrowInput{Amount: dec("100")})
	out, err := svc.ApplyProviderEvent(ctx, webhookEvent("sandbox", "P2", models.TxConfirmed), ProviderEvent{
		Provider: "sandbox", ProviderTxID: "P2", Reference: e.ID.String(), Status: models.TxConfirmed, Amount: decPtr("90"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != models.WebhookFlagged {
		t.Errorf("disposition = %s", out.Disposition)
	}
	cur, _ := svc.Get(ctx, e.ID)
	if cur.State != models.EscrowCreated || !cur.NeedsReconciliation {
		t.Errorf("escrow = %+v, want CREATED and flagged", cur)
	}
}

func TestApplyProviderEvent_RefundOnReleasedEscrowFlagged(t *testing.T) {
	svc, _, log := newTestService()
	ctx := context.Background()
	e := heldEscrow(t, svc, "100")
	if _, err := svc.Release(ctx, e.ID, "ops"); err != nil {
		t.Fatal(err)
	}
	out, err := svc.ApplyProviderEvent(ctx, webhookEvent("sandbox", "LATE", models.TxRefunded), ProviderEvent{
		Provider: "sandbox", ProviderTxID: "LATE", Reference: e.ID.String(), Status: models.TxRefunded,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != models.WebhookFlagged {
		t.Errorf("disposition = %s", out.Disposition)
	}
	if got := countAudit(t, log, e.ID, models.AuditWebhook, models.OutcomeRejected); got != 1 {
		t.Errorf("rejected webhook audits = %d", got)
	}
	cur, _ := svc.Get(ctx, e.ID)
	if cur.State != models.EscrowReleased || !cur.NeedsReconciliation {
		t.Errorf("escrow = %+v, want RELEASED and flagged", cur)
	}
}

func TestApplyProviderEvent_Dispute(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	e := heldEscrow(t, svc, "100")
	out, err := svc.ApplyProviderEvent(ctx, &models.WebhookEvent{Provider: "sandbox", IdempotencyKey: "D1:dispute"}, ProviderEvent{
		Provider: "sandbox", ProviderTxID: "D1", Reference: e.ID.String(), Status: models.TxConfirmed, Dispute: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.EscrowState != models.EscrowDisputed {
		t.Errorf("outcome = %+v", out)
	}
}

func TestApplyProviderEvent_RequiresTransactionID(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.ApplyProviderEvent(context.Background(), &models.WebhookEvent{Provider: "x", IdempotencyKey: ":"}, ProviderEvent{Provider: "x", Reference: uuid.NewString()})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

// Reports can arrive in any order; the stored status only moves forward and a
// report contradicting a confirmed payment is flagged.
func TestApplyProviderEvent_OutOfOrderStatuses(t *testing.T) {
	tests := []struct {
		name        string
		first, then models.TxStatus
		wantTx      models.TxStatus
		wantState   models.EscrowState
		wantFlagged bool
		disposition string
	}{
		{"pending then confirmed", models.TxPending, models.TxConfirmed, models.TxConfirmed, models.EscrowHeld, false, models.WebhookApplied},
		{"confirmed then late pending", models.TxConfirmed, models.TxPending, models.TxConfirmed, models.EscrowHeld, false, models.WebhookRecorded},
		{"confirmed then failed", models.TxConfirmed, models.TxFailed, models.TxFailed, models.EscrowHeld, true, models.WebhookFlagged},
		{"failed then confirmed", models.TxFailed, models.TxConfirmed, models.TxFailed, models.EscrowCreated, true, models.WebhookFlagged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService()
			ctx := context.Background()
			e, _ := svc.CreateEscrow(ctx, CreateEscrowInput{Amount: dec("100")})
			apply := func(status models.TxStatus) *models.WebhookOutcome {
				out, err := svc.ApplyProviderEvent(ctx, webhookEvent("sandbox", "P1", status), ProviderEvent{
					Provider: "sandbox", ProviderTxID: "P1", Reference: e.ID.String(), Status: status,
				})
				if err != nil {
					t.Fatalf("%s: %v", status, err)
				}
				return out
			}
			apply(tt.first)
			out := apply(tt.then)

			if out.Disposition != tt.disposition {
				t.Errorf("disposition = %s, want %s", out.Disposition, tt.disposition)
			}
			tx, _ := store.GetTransaction(ctx, "sandbox", "P1")
			if tx.Status != tt.wantTx {
				t.Errorf("transaction status = %s, want %s", tx.Status, tt.wantTx)
			}
			cur, _ := svc.Get(ctx, e.ID)
			if cur.State != tt.wantState || cur.NeedsReconciliation != tt.wantFlagged {
				t.Errorf("escrow = %s flagged=%v, want %s flagged=%v", cur.State, cur.NeedsReconciliation, tt.wantState, tt.wantFlagged)
			}
		})
	}
}

func TestApplyProviderEvent_SuccessivePartialRefunds(t *testing.T) {
	for _, withID := range []bool{true, false} {
		t.Run(map[bool]string{true: "refund ids", false: "amounts only"}[withID], func(t *testing.T) {
			svc, _, _ := newTestService()
			ctx := context.Background()
			e := heldEscrow(t, svc, "1000")
			txID := "T-" + e.ID.String()

			for i, amount := range []string{"200", "300"} {
				pe := ProviderEvent{Provider: "sandbox", ProviderTxID: txID, Reference: e.ID.String(), Status: models.TxRefunded, Amount: decPtr(amount)}
				key := txID + ":REFUNDED:" + amount
				if withID {
					pe.RefundID = fmt.Sprintf("RFD%d", i)
					key = txID + ":REFUNDED:" + pe.RefundID
				}
				out, err := svc.ApplyProviderEvent(ctx, &models.WebhookEvent{Provider: "sandbox", IdempotencyKey: key}, pe)
				if err != nil {
					t.Fatalf("refund %s: %v", amount, err)
				}
				if out.Disposition != models.WebhookApplied {
					t.Fatalf("refund %s disposition = %s (%s)", amount, out.Disposition, out.Detail)
				}
			}
			cur, _ := svc.Get(ctx, e.ID)
			if cur.State != models.EscrowPartiallyRefunded || !cur.RefundedAmount.Equal(dec("500")) {
				t.Errorf("escrow = %s refunded %s, want PARTIALLY_REFUNDED 500", cur.State, cur.RefundedAmount)
			}
		})
	}
}

func TestApplyProviderEvent_RefundAlreadyRecordedByOrchestrator(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	e := heldEscrow(t, svc, "1000")
	if _, err := svc.ApplyRefund(ctx, RefundInput{EscrowID: e.ID, Amount: decPtr("250"), IdempotencyKey: "ops-1", ProviderRefundID: "RFD-9"}); err != nil {
		t.Fatal(err)
	}
	txID := "T-" + e.ID.String()
	out, err := svc.ApplyProviderEvent(ctx, &models.WebhookEvent{Provider: "sandbox", IdempotencyKey: txID + ":REFUNDED:RFD-9"}, ProviderEvent{
		Provider: "sandbox", ProviderTxID: txID, Reference: e.ID.String(), Status: models.TxRefunded, Amount: decPtr("250"), RefundID: "RFD-9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != models.WebhookRecorded {
		t.Errorf("disposition = %s", out.Disposition)
	}
	cur, _ := svc.Get(ctx, e.ID)
	if !cur.RefundedAmount.Equal(dec("250")) {
		t.Errorf("refunded = %s, want 250", cur.RefundedAmount)
	}
}
