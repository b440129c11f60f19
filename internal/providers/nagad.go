package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/models"
)

type NagadConfig struct {
	BaseURL     string
	Username    string
	Password    string
	AppKey      string
	CallbackURL string
	Timeout     time.Duration
}

// Nagad talks to the Nagad checkout API using basic auth plus the app key.
type Nagad struct {
	cfg    NagadConfig
	api    apiClient
	recent *recentPayments
}

func NewNagad(cfg NagadConfig) *Nagad {
	return &Nagad{
		cfg:    cfg,
		api:    newAPIClient(cfg.BaseURL, cfg.Timeout),
		recent: &recentPayments{max: 500},
	}
}

var (
	_ Adapter       = (*Nagad)(nil)
	_ WebhookParser = (*Nagad)(nil)
)

func (n *Nagad) Name() string { return "nagad" }

var nagadChallenge = map[string]string{"challenge": "Nagad", "challengeType": "0000"}

func (n *Nagad) headers() http.Header {
	h := http.Header{}
	creds := base64.StdEncoding.EncodeToString([]byte(n.cfg.Username + ":" + n.cfg.Password))
	h.Set("Authorization", "Basic "+creds)
	h.Set("X-APP-Key", n.cfg.AppKey)
	return h
}

type nagadPayment struct {
	PaymentID             string           `json:"paymentID"`
	PaymentRefID          string           `json:"paymentRefId"`
	PaymentStatus         string           `json:"paymentStatus"`
	TransactionStatus     string           `json:"transactionStatus"`
	Status                string           `json:"status"`
	TransactionID         string           `json:"transactionID"`
	Amount                *decimal.Decimal `json:"amount"`
	Currency              string           `json:"currency"`
	MerchantInvoiceNumber string           `json:"merchantInvoiceNumber"`
	OrderID               string           `json:"orderId"`
	CheckoutURL           string           `json:"checkoutURL"`
	Event                 string           `json:"event"`
	ErrorCode             string           `json:"errorCode"`
	ErrorMessage          string           `json:"errorMessage"`
	RefundTrxID           string           `json:"refundTrxId"`
}

func (p nagadPayment) id() string {
	if p.PaymentID != "" {
		return p.PaymentID
	}
	return p.PaymentRefID
}

func (p nagadPayment) rawStatus() string {
	for _, s := range []string{p.TransactionStatus, p.PaymentStatus, p.Status} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (p nagadPayment) reference() string {
	if p.MerchantInvoiceNumber != "" {
		return p.MerchantInvoiceNumber
	}
	return p.OrderID
}

func (p nagadPayment) err() error {
	if p.ErrorCode == "" {
		return nil
	}
	msg := strings.ToLower(p.ErrorMessage)
	if strings.Contains(msg, "not found") || strings.Contains(msg, "invalid payment") {
		return fmt.Errorf("%w: nagad %s %s", models.ErrTransactionNotFound, p.ErrorCode, p.ErrorMessage)
	}
	return fmt.Errorf("%w: nagad %s %s", models.ErrProviderRejected, p.ErrorCode, p.ErrorMessage)
}

func (n *Nagad) CreateCheckout(ctx context.Context, amount decimal.Decimal, currency, reference string) (*Checkout, error) {
	if currency == "" {
		currency = models.DefaultCurrency
	}
	var resp nagadPayment
	err := n.api.postJSON(ctx, "/checkout/create", n.headers(), map[string]any{
		"amount":                amount.StringFixed(2),
		"currency":              currency,
		"intent":                "sale",
		"merchantInvoiceNumber": reference,
		"callbackURL":           n.cfg.CallbackURL,
		"payerReference":        reference,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("nagad create checkout: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	if resp.id() == "" {
		return nil, fmt.Errorf("%w: nagad checkout returned no payment id", models.ErrProviderRejected)
	}
	url := resp.CheckoutURL
	if url == "" {
		url = n.api.baseURL + "/checkout/" + resp.id()
	}
	n.recent.add(resp.id())
	return &Checkout{Provider: n.Name(), PaymentID: resp.id(), CheckoutURL: url}, nil
}

func (n *Nagad) GetTransaction(ctx context.Context, txID string) (*ProviderTransaction, error) {
	var resp nagadPayment
	err := n.api.postJSON(ctx, "/checkout/payment/status", n.headers(), map[string]any{
		"paymentID":      txID,
		"additionalData": nagadChallenge,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("nagad payment status: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	if resp.id() == "" {
		return nil, fmt.Errorf("%w: nagad payment %s", models.ErrTransactionNotFound, txID)
	}
	t := &ProviderTransaction{
		Provider:  n.Name(),
		PaymentID: resp.id(),
		TrxID:     resp.TransactionID,
		Reference: resp.reference(),
		Currency:  resp.Currency,
		Status:    NagadStatus(resp.rawStatus()),
		RawStatus: resp.rawStatus(),
	}
	if resp.Amount != nil {
		t.Amount = *resp.Amount
	}
	return t, nil
}

func (n *Nagad) VerifyPayment(ctx context.Context, txID string) (models.TxStatus, error) {
	t, err := n.GetTransaction(ctx, txID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

func (n *Nagad) ListTransactions(ctx context.Context) ([]ProviderTransaction, error) {
	return listTracked(ctx, n.recent, n.GetTransaction)
}

func (n *Nagad) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var resp nagadPayment
	err := n.api.postJSON(ctx, "/checkout/payment/refund", n.headers(), map[string]any{
		"originalPaymentID": req.PaymentID,
		"amount":            req.Amount.StringFixed(2),
		"reason":            req.Reason,
		"additionalData":    nagadChallenge,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("nagad refund: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	if resp.RefundTrxID == "" {
		return nil, fmt.Errorf("%w: nagad refund returned no refund id", models.ErrProviderRejected)
	}
	r := &Refund{
		Provider: n.Name(), PaymentID: req.PaymentID, RefundID: resp.RefundTrxID,
		Amount: req.Amount, Currency: resp.Currency, RawStatus: resp.rawStatus(),
	}
	if resp.Amount != nil {
		r.Amount = *resp.Amount
	}
	return r, nil
}

func (n *Nagad) ParseWebhook(raw []byte) (*Notification, error) {
	var p nagadPayment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: nagad webhook: %v", models.ErrValidation, err)
	}
	if p.id() == "" {
		return nil, fmt.Errorf("%w: nagad webhook missing payment id", models.ErrValidation)
	}
	return &Notification{
		Provider:  n.Name(),
		PaymentID: p.id(),
		TrxID:     p.TransactionID,
		Reference: p.reference(),
		Status:    NagadStatus(p.rawStatus()),
		RawStatus: p.rawStatus(),
		Amount:    p.Amount,
		Currency:  p.Currency,
		Dispute:   isDisputeEvent(p.Event, p.rawStatus()),
		RefundID:  p.RefundTrxID,
	}, nil
}

// NagadStatus maps Nagad payment statuses onto the shared enumeration.
func NagadStatus(raw string) models.TxStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "completed":
		return models.TxConfirmed
	case "aborted", "cancelled", "canceled", "failed", "expired":
		return models.TxFailed
	case "refunded":
		return models.TxRefunded
	default:
		return models.TxPending
	}
}
