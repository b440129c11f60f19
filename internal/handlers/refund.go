package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/middleware"
	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/refunds"
	"github.com/carenet/escrow/internal/respond"
)

type RefundRequest struct {
	EscrowID      uuid.UUID        `json:"escrowId"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Provider      string           `json:"provider,omitempty"`
	TransactionID string           `json:"transactionId,omitempty"`
}

type queuedFailure struct {
	OK          bool              `json:"ok"`
	Error       respond.ErrorBody `json:"error"`
	RetryQueued bool              `json:"retryQueued"`
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" || len(key) > 255 {
		badRequest(w, "Idempotency-Key header is required (max 255 chars)")
		return
	}
	var body RefundRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if body.EscrowID == uuid.Nil {
		badRequest(w, "escrowId is required")
		return
	}

	req := refunds.Request{
		Principal:      middleware.PrincipalFromCtx(r.Context()),
		EscrowID:       body.EscrowID,
		Amount:         body.Amount,
		IdempotencyKey: key,
		Reason:         body.Reason,
		Provider:       strings.ToLower(body.Provider),
		TransactionID:  body.TransactionID,
	}
	res, err := h.Refunds.Refund(r.Context(), req)
	if errors.Is(err, models.ErrProviderUnreachable) && h.RetryQueue != nil {
		h.queueRetry(w, r, req, err)
		return
	}
	if err != nil {
		h.fail(w, r, "refund", err)
		return
	}
	respond.OK(w, http.StatusOK, res)
}

func (h *Handler) queueRetry(w http.ResponseWriter, r *http.Request, req refunds.Request, cause error) {
	if qerr := h.RetryQueue.EnqueueRefundRetry(r.Context(), req); qerr != nil {
		h.logger().ErrorContext(r.Context(), "queue refund retry failed",
			"escrow_id", req.EscrowID, "request_id", middleware.RequestIDFromCtx(r.Context()), "error", qerr)
		h.fail(w, r, "refund", cause)
		return
	}
	status, code, msg := respond.Map(cause)
	w.Header().Set("Retry-After", "30")
	respond.JSON(w, status, queuedFailure{
		Error:       respond.ErrorBody{Code: code, Message: msg, Retryable: true},
		RetryQueued: true,
	})
}
