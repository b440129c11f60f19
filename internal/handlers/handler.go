package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/carenet/escrow/internal/checkout"
	"github.com/carenet/escrow/internal/middleware"
	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/providers"
	"github.com/carenet/escrow/internal/refunds"
	"github.com/carenet/escrow/internal/respond"
	"github.com/carenet/escrow/internal/webhooks"
)

type WebhookProcessor interface {
	Process(ctx context.Context, d webhooks.Delivery) (*models.WebhookOutcome, error)
}

type Refunder interface {
	Refund(ctx context.Context, req refunds.Request) (*refunds.Result, error)
}

// RetryQueue accepts refunds that failed on a provider outage.
type RetryQueue interface {
	EnqueueRefundRetry(ctx context.Context, req refunds.Request) error
}

type Checkouts interface {
	Start(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

// Escrows is the read and operator surface of the ledger.
type Escrows interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	List(ctx context.Context, f models.EscrowFilter) ([]*models.Escrow, error)
	ListTransactions(ctx context.Context, limit int) ([]*models.Transaction, error)
	History(ctx context.Context, id uuid.UUID) ([]*models.AuditEntry, error)
	Release(ctx context.Context, id uuid.UUID, actor string) (*models.Escrow, error)
	MarkDisputed(ctx context.Context, id uuid.UUID, actor, reason string) (*models.Escrow, error)
}

type Providers interface {
	Get(name string) (providers.Adapter, error)
}

// Handler serves the HTTP API. RetryQueue may be nil.
type Handler struct {
	Webhooks        WebhookProcessor
	Refunds         Refunder
	RetryQueue      RetryQueue
	Checkouts       Checkouts
	Escrows         Escrows
	Providers       Providers
	MaxWebhookBytes int64
	Logger          *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// fail writes err and logs anything that maps to a 5xx.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := respond.Error(w, err)
	if status >= http.StatusInternalServerError {
		h.logger().ErrorContext(r.Context(), op+" failed",
			"request_id", middleware.RequestIDFromCtx(r.Context()), "error", err)
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}

func badRequest(w http.ResponseWriter, msg string) {
	respond.Fail(w, http.StatusBadRequest, "VALIDATION_ERROR", msg, false)
}

func parseIntDefault(raw string, fallback, ceiling int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return min(n, ceiling)
}

func Health(w http.ResponseWriter, _ *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
