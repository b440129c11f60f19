package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/models"
)

// Sandbox is an in-process provider for local runs and tests. Payments start
// PENDING and move only when Settle is called.
type Sandbox struct {
	mu          sync.Mutex
	payments    map[string]*ProviderTransaction
	order       []string
	refunds     map[string]*Refund // by RefundID
	refundKeys  map[string]string  // request key -> RefundID
	refunded    map[string]decimal.Decimal
	unreachable bool
	checkoutURL string
}

func NewSandbox(checkoutURL string) *Sandbox {
	if checkoutURL == "" {
		checkoutURL = "http://localhost:8080/sandbox/checkout"
	}
	return &Sandbox{
		payments:    make(map[string]*ProviderTransaction),
		refunds:     make(map[string]*Refund),
		refundKeys:  make(map[string]string),
		refunded:    make(map[string]decimal.Decimal),
		checkoutURL: strings.TrimRight(checkoutURL, "/"),
	}
}

var (
	_ Adapter       = (*Sandbox)(nil)
	_ WebhookParser = (*Sandbox)(nil)
)

func (s *Sandbox) Name() string { return "sandbox" }

// SetUnreachable makes every remote call fail with ErrProviderUnreachable.
func (s *Sandbox) SetUnreachable(down bool) {
	s.mu.Lock()
	s.unreachable = down
	s.mu.Unlock()
}

func (s *Sandbox) CreateCheckout(_ context.Context, amount decimal.Decimal, currency, reference string) (*Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return nil, fmt.Errorf("%w: sandbox offline", models.ErrProviderUnreachable)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", models.ErrProviderRejected)
	}
	if currency == "" {
		currency = models.DefaultCurrency
	}
	id := "SBX-" + strings.ToUpper(uuid.NewString()[:8])
	s.payments[id] = &ProviderTransaction{
		Provider: s.Name(), PaymentID: id, Reference: reference,
		Amount: amount, Currency: currency, Status: models.TxPending, RawStatus: "initiated",
	}
	s.order = append(s.order, id)
	return &Checkout{Provider: s.Name(), PaymentID: id, CheckoutURL: s.checkoutURL + "/" + id}, nil
}

// Settle moves a payment to status, as if the customer completed or
// abandoned checkout.
func (s *Sandbox) Settle(paymentID string, status models.TxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return models.ErrTransactionNotFound
	}
	p.Status = status
	p.RawStatus = strings.ToLower(string(status))
	if status == models.TxConfirmed && p.TrxID == "" {
		p.TrxID = "TRX" + strings.ToUpper(uuid.NewString()[:10])
	}
	return nil
}

func (s *Sandbox) GetTransaction(_ context.Context, txID string) (*ProviderTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return nil, fmt.Errorf("%w: sandbox offline", models.ErrProviderUnreachable)
	}
	p, ok := s.payments[txID]
	if !ok {
		return nil, fmt.Errorf("%w: sandbox payment %s", models.ErrTransactionNotFound, txID)
	}
	cp := *p
	return &cp, nil
}

func (s *Sandbox) VerifyPayment(ctx context.Context, txID string) (models.TxStatus, error) {
	t, err := s.GetTransaction(ctx, txID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

func (s *Sandbox) ListTransactions(_ context.Context) ([]ProviderTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return nil, fmt.Errorf("%w: sandbox offline", models.ErrProviderUnreachable)
	}
	out := make([]ProviderTransaction, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.payments[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaymentID < out[j].PaymentID })
	return out, nil
}

// Refund returns part of a confirmed payment. A repeated Key returns the
// refund already made for it.
func (s *Sandbox) Refund(_ context.Context, req RefundRequest) (*Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable {
		return nil, fmt.Errorf("%w: sandbox offline", models.ErrProviderUnreachable)
	}
	if id, ok := s.refundKeys[req.Key]; ok && req.Key != "" {
		cp := *s.refunds[id]
		return &cp, nil
	}
	p, ok := s.payments[req.PaymentID]
	if !ok {
		return nil, fmt.Errorf("%w: sandbox payment %s", models.ErrTransactionNotFound, req.PaymentID)
	}
	if p.Status != models.TxConfirmed && p.Status != models.TxRefunded {
		return nil, fmt.Errorf("%w: sandbox payment %s is %s", models.ErrProviderRejected, p.PaymentID, p.Status)
	}
	total := s.refunded[p.PaymentID].Add(req.Amount)
	if !req.Amount.IsPositive() || total.GreaterThan(p.Amount) {
		return nil, fmt.Errorf("%w: sandbox cannot refund %s of %s", models.ErrProviderRejected, req.Amount, p.PaymentID)
	}
	r := &Refund{
		Provider: s.Name(), PaymentID: p.PaymentID, RefundID: "RFD" + strings.ToUpper(uuid.NewString()[:10]),
		Amount: req.Amount, Currency: p.Currency, RawStatus: "refunded",
	}
	s.refunds[r.RefundID] = r
	if req.Key != "" {
		s.refundKeys[req.Key] = r.RefundID
	}
	s.refunded[p.PaymentID] = total
	p.Status = models.TxRefunded
	p.RawStatus = "refunded"
	cp := *r
	return &cp, nil
}

// SandboxWebhook is the callback body the sandbox provider posts.
type SandboxWebhook struct {
	TransactionID string           `json:"transactionId"`
	Reference     string           `json:"reference,omitempty"`
	Status        string           `json:"status"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	Event         string           `json:"event,omitempty"`
	RefundID      string           `json:"refundId,omitempty"`
}

// WebhookBody renders the callback for paymentID's current state.
func (s *Sandbox) WebhookBody(paymentID string) ([]byte, error) {
	s.mu.Lock()
	p, ok := s.payments[paymentID]
	s.mu.Unlock()
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	amount := p.Amount
	return json.Marshal(SandboxWebhook{
		TransactionID: p.PaymentID, Reference: p.Reference, Status: string(p.Status),
		Amount: &amount, Currency: p.Currency,
	})
}

// RefundWebhookBody renders the callback announcing one refund.
func (s *Sandbox) RefundWebhookBody(refundID string) ([]byte, error) {
	s.mu.Lock()
	r, ok := s.refunds[refundID]
	var reference string
	if ok {
		reference = s.payments[r.PaymentID].Reference
	}
	s.mu.Unlock()
	if !ok {
		return nil, models.ErrTransactionNotFound
	}
	amount := r.Amount
	return json.Marshal(SandboxWebhook{
		TransactionID: r.PaymentID, Reference: reference, Status: string(models.TxRefunded),
		Amount: &amount, Currency: r.Currency, RefundID: r.RefundID,
	})
}

func (s *Sandbox) ParseWebhook(raw []byte) (*Notification, error) {
	var w SandboxWebhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: sandbox webhook: %v", models.ErrValidation, err)
	}
	if w.TransactionID == "" {
		return nil, fmt.Errorf("%w: sandbox webhook missing transactionId", models.ErrValidation)
	}
	status := models.TxStatus(strings.ToUpper(w.Status))
	switch status {
	case models.TxPending, models.TxConfirmed, models.TxFailed, models.TxRefunded:
	default:
		status = models.TxPending
	}
	return &Notification{
		Provider:  s.Name(),
		PaymentID: w.TransactionID,
		Reference: w.Reference,
		Status:    status,
		RawStatus: w.Status,
		Amount:    w.Amount,
		Currency:  w.Currency,
		Dispute:   isDisputeEvent(w.Event, w.Status),
		RefundID:  w.RefundID,
	}, nil
}
