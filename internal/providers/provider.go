package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/models"
)

// Adapter is the uniform surface over one payment provider. VerifyPayment,
// GetTransaction and ListTransactions are read-only against the provider and
// safe to repeat. Refund moves money; callers pass a stable Key and must not
// retry it blindly against providers that ignore the key.
//
// Errors wrap models.ErrProviderUnreachable (transport failure, timeout, 5xx,
// 429; retryable), models.ErrTransactionNotFound, or models.ErrProviderRejected.
type Adapter interface {
	Name() string
	CreateCheckout(ctx context.Context, amount decimal.Decimal, currency, reference string) (*Checkout, error)
	VerifyPayment(ctx context.Context, txID string) (models.TxStatus, error)
	GetTransaction(ctx context.Context, txID string) (*ProviderTransaction, error)
	ListTransactions(ctx context.Context) ([]ProviderTransaction, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

// WebhookParser turns a verified provider callback body into a Notification.
type WebhookParser interface {
	ParseWebhook(raw []byte) (*Notification, error)
}

type Checkout struct {
	Provider    string `json:"provider"`
	PaymentID   string `json:"paymentId"`
	CheckoutURL string `json:"checkoutUrl"`
}

// ProviderTransaction is the provider's view of one payment, status normalized.
type ProviderTransaction struct {
	Provider  string          `json:"provider"`
	PaymentID string          `json:"paymentId"`
	TrxID     string          `json:"trxId,omitempty"`
	Reference string          `json:"reference,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    models.TxStatus `json:"status"`
	RawStatus string          `json:"rawStatus"`
}

// RefundRequest returns Amount of a captured payment to the payer.
type RefundRequest struct {
	PaymentID string
	// TrxID is the capture transaction id. Adapters that need it look it up
	// when empty.
	TrxID  string
	Amount decimal.Decimal
	Reason string
	Key    string
}

// Refund is the provider's record of one refund. RefundID is what the
// provider later reports in its refund callback.
type Refund struct {
	Provider  string          `json:"provider"`
	PaymentID string          `json:"paymentId"`
	RefundID  string          `json:"refundId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	RawStatus string          `json:"rawStatus,omitempty"`
}

// Notification is a parsed webhook. PaymentID doubles as the provider
// transaction id throughout the ledger.
type Notification struct {
	Provider  string
	PaymentID string
	TrxID     string
	Reference string
	Status    models.TxStatus
	RawStatus string
	Amount    *decimal.Decimal
	Currency  string
	Dispute   bool
	// RefundID is the provider's refund transaction id on refund callbacks.
	RefundID string
}

// ---------------------------------------------------------------------------
// HTTP plumbing shared by the remote adapters.
// ---------------------------------------------------------------------------

const maxResponseBytes = 1 << 20

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) apiClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// postJSON sends body and decodes the reply into out, classifying failures.
func (c apiClient) postJSON(ctx context.Context, path string, headers http.Header, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", models.ErrProviderRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", models.ErrProviderUnreachable, err)
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return fmt.Errorf("%s %s: %w", path, resp.Status, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: malformed response from %s: %v", models.ErrProviderRejected, path, err)
	}
	return nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return models.ErrTransactionNotFound
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return models.ErrProviderUnreachable
	default:
		return models.ErrProviderRejected
	}
}

// recentPayments remembers payment ids this instance created so providers
// without a listing API can still answer ListTransactions.
type recentPayments struct {
	mu  sync.Mutex
	ids []string
	max int
}

func (r *recentPayments) add(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	if r.max > 0 && len(r.ids) > r.max {
		r.ids = r.ids[len(r.ids)-r.max:]
	}
}

func (r *recentPayments) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func listTracked(ctx context.Context, recent *recentPayments, get func(context.Context, string) (*ProviderTransaction, error)) ([]ProviderTransaction, error) {
	var out []ProviderTransaction
	for _, id := range recent.list() {
		t, err := get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func isDisputeEvent(event, rawStatus string) bool {
	switch strings.ToLower(event) {
	case "dispute", "chargeback", "payment.disputed":
		return true
	}
	switch strings.ToLower(rawStatus) {
	case "disputed", "chargeback":
		return true
	}
	return false
}
