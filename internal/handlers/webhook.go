package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carenet/escrow/internal/respond"
	"github.com/carenet/escrow/internal/webhooks"
)

const defaultMaxWebhookBytes = 1 << 20

// Webhook hands the raw body to the processor untouched; the signature is
// computed over exactly these bytes.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxWebhookBytes
	if limit <= 0 {
		limit = defaultMaxWebhookBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Fail(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "webhook body too large", false)
			return
		}
		badRequest(w, "failed to read body")
		return
	}

	out, err := h.Webhooks.Process(r.Context(), webhooks.Delivery{
		Provider:  chi.URLParam(r, "provider"),
		Body:      body,
		Signature: r.Header.Get("X-Signature"),
		Timestamp: r.Header.Get("X-Signature-Timestamp"),
	})
	if err != nil {
		h.fail(w, r, "webhook", err)
		return
	}
	respond.OK(w, http.StatusOK, out)
}
