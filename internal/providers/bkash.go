package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/models"
)

const bkashSuccess = "0000"

type BkashConfig struct {
	BaseURL     string
	Username    string
	Password    string
	AppKey      string
	AppSecret   string
	CallbackURL string
	Timeout     time.Duration
}

// Bkash talks to the bKash tokenized checkout API. The grant token is cached
// until shortly before it expires.
type Bkash struct {
	cfg    BkashConfig
	api    apiClient
	recent *recentPayments

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	now      func() time.Time
}

func NewBkash(cfg BkashConfig) *Bkash {
	return &Bkash{
		cfg:    cfg,
		api:    newAPIClient(cfg.BaseURL, cfg.Timeout),
		recent: &recentPayments{max: 500},
		now:    time.Now,
	}
}

var (
	_ Adapter       = (*Bkash)(nil)
	_ WebhookParser = (*Bkash)(nil)
)

func (b *Bkash) Name() string { return "bkash" }

type bkashStatus struct {
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

func (s bkashStatus) err() error {
	if s.StatusCode == "" || s.StatusCode == bkashSuccess {
		return nil
	}
	msg := strings.ToLower(s.StatusMessage)
	if strings.Contains(msg, "not found") || strings.Contains(msg, "invalid payment") {
		return fmt.Errorf("%w: bkash %s %s", models.ErrTransactionNotFound, s.StatusCode, s.StatusMessage)
	}
	return fmt.Errorf("%w: bkash %s %s", models.ErrProviderRejected, s.StatusCode, s.StatusMessage)
}

func (b *Bkash) grantToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != "" && b.now().Before(b.tokenExp) {
		return b.token, nil
	}
	var resp struct {
		bkashStatus
		IDToken   string `json:"id_token"`
		ExpiresIn int    `json:"expires_in"`
	}
	headers := http.Header{}
	headers.Set("username", b.cfg.Username)
	headers.Set("password", b.cfg.Password)
	err := b.api.postJSON(ctx, "/tokenized/checkout/token/grant", headers, map[string]string{
		"app_key":    b.cfg.AppKey,
		"app_secret": b.cfg.AppSecret,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("bkash grant token: %w", err)
	}
	if err := resp.err(); err != nil {
		return "", err
	}
	if resp.IDToken == "" {
		return "", fmt.Errorf("%w: bkash grant returned no token", models.ErrProviderRejected)
	}
	ttl := time.Duration(resp.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	b.token = resp.IDToken
	b.tokenExp = b.now().Add(ttl - time.Minute)
	return b.token, nil
}

func (b *Bkash) authed(ctx context.Context, path string, body, out any) error {
	token, err := b.grantToken(ctx)
	if err != nil {
		return err
	}
	headers := http.Header{}
	headers.Set("Authorization", token)
	headers.Set("X-APP-Key", b.cfg.AppKey)
	return b.api.postJSON(ctx, path, headers, body, out)
}

func (b *Bkash) CreateCheckout(ctx context.Context, amount decimal.Decimal, currency, reference string) (*Checkout, error) {
	if currency == "" {
		currency = models.DefaultCurrency
	}
	var resp struct {
		bkashStatus
		PaymentID string `json:"paymentID"`
		BkashURL  string `json:"bkashURL"`
	}
	err := b.authed(ctx, "/tokenized/checkout/create", map[string]string{
		"mode":                  "0011",
		"payerReference":        reference,
		"callbackURL":           b.cfg.CallbackURL,
		"amount":                amount.StringFixed(2),
		"currency":              currency,
		"intent":                "sale",
		"merchantInvoiceNumber": reference,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("bkash create checkout: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	b.recent.add(resp.PaymentID)
	return &Checkout{Provider: b.Name(), PaymentID: resp.PaymentID, CheckoutURL: resp.BkashURL}, nil
}

type bkashPayment struct {
	bkashStatus
	PaymentID             string           `json:"paymentID"`
	TrxID                 string           `json:"trxID"`
	TransactionStatus     string           `json:"transactionStatus"`
	Amount                *decimal.Decimal `json:"amount"`
	Currency              string           `json:"currency"`
	MerchantInvoiceNumber string           `json:"merchantInvoiceNumber"`
	Event                 string           `json:"event"`
	RefundTrxID           string           `json:"refundTrxID"`
}

func (b *Bkash) GetTransaction(ctx context.Context, txID string) (*ProviderTransaction, error) {
	var resp bkashPayment
	if err := b.authed(ctx, "/tokenized/checkout/payment/status", map[string]string{"paymentID": txID}, &resp); err != nil {
		return nil, fmt.Errorf("bkash payment status: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	if resp.PaymentID == "" {
		return nil, fmt.Errorf("%w: bkash payment %s", models.ErrTransactionNotFound, txID)
	}
	t := &ProviderTransaction{
		Provider:  b.Name(),
		PaymentID: resp.PaymentID,
		TrxID:     resp.TrxID,
		Reference: resp.MerchantInvoiceNumber,
		Currency:  resp.Currency,
		Status:    BkashStatus(resp.TransactionStatus),
		RawStatus: resp.TransactionStatus,
	}
	if resp.Amount != nil {
		t.Amount = *resp.Amount
	}
	return t, nil
}

func (b *Bkash) VerifyPayment(ctx context.Context, txID string) (models.TxStatus, error) {
	t, err := b.GetTransaction(ctx, txID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

func (b *Bkash) ListTransactions(ctx context.Context) ([]ProviderTransaction, error) {
	return listTracked(ctx, b.recent, b.GetTransaction)
}

// Refund calls the tokenized refund API. bKash needs the capture trxID, which
// is fetched from payment status when the caller does not have it.
func (b *Bkash) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	trxID := req.TrxID
	if trxID == "" {
		t, err := b.GetTransaction(ctx, req.PaymentID)
		if err != nil {
			return nil, err
		}
		trxID = t.TrxID
	}
	var resp struct {
		bkashStatus
		OriginalTrxID     string           `json:"originalTrxID"`
		RefundTrxID       string           `json:"refundTrxID"`
		TransactionStatus string           `json:"transactionStatus"`
		Amount            *decimal.Decimal `json:"amount"`
		Currency          string           `json:"currency"`
	}
	err := b.authed(ctx, "/tokenized/checkout/payment/refund", map[string]string{
		"paymentID": req.PaymentID,
		"trxID":     trxID,
		"amount":    req.Amount.StringFixed(2),
		"sku":       req.Key,
		"reason":    req.Reason,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("bkash refund: %w", err)
	}
	if err := resp.err(); err != nil {
		return nil, err
	}
	if resp.RefundTrxID == "" {
		return nil, fmt.Errorf("%w: bkash refund returned no refundTrxID", models.ErrProviderRejected)
	}
	r := &Refund{
		Provider: b.Name(), PaymentID: req.PaymentID, RefundID: resp.RefundTrxID,
		Amount: req.Amount, Currency: resp.Currency, RawStatus: resp.TransactionStatus,
	}
	if resp.Amount != nil {
		r.Amount = *resp.Amount
	}
	return r, nil
}

func (b *Bkash) ParseWebhook(raw []byte) (*Notification, error) {
	var p bkashPayment
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: bkash webhook: %v", models.ErrValidation, err)
	}
	if p.PaymentID == "" {
		return nil, fmt.Errorf("%w: bkash webhook missing paymentID", models.ErrValidation)
	}
	return &Notification{
		Provider:  b.Name(),
		PaymentID: p.PaymentID,
		TrxID:     p.TrxID,
		Reference: p.MerchantInvoiceNumber,
		Status:    BkashStatus(p.TransactionStatus),
		RawStatus: p.TransactionStatus,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Dispute:   isDisputeEvent(p.Event, p.TransactionStatus),
		RefundID:  p.RefundTrxID,
	}, nil
}

// BkashStatus maps bKash transactionStatus values onto the shared enumeration.
func BkashStatus(raw string) models.TxStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed":
		return models.TxConfirmed
	case "cancelled", "canceled", "failed", "expired", "declined":
		return models.TxFailed
	case "refunded", "partially refunded":
		return models.TxRefunded
	default:
		return models.TxPending
	}
}
