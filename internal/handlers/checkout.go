package handlers

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/carenet/escrow/internal/checkout"
	"github.com/carenet/escrow/internal/middleware"
	"github.com/carenet/escrow/internal/respond"
)

type CheckoutRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	Reference string          `json:"reference,omitempty"`
	Provider  string          `json:"provider,omitempty"`
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var body CheckoutRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	res, err := h.Checkouts.Start(r.Context(), checkout.Request{
		Principal: middleware.PrincipalFromCtx(r.Context()),
		Amount:    body.Amount,
		Currency:  body.Currency,
		Reference: body.Reference,
		Provider:  body.Provider,
	})
	if err != nil {
		h.fail(w, r, "checkout", err)
		return
	}
	respond.OK(w, http.StatusCreated, res)
}
