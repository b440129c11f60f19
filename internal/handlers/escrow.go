package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carenet/escrow/internal/middleware"
	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/respond"
)

func escrowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid escrow id")
		return uuid.Nil, false
	}
	return id, true
}

// canSee lets holders read their own escrows and operators read any.
func canSee(p *models.Principal, e *models.Escrow) bool {
	return p.Can(models.PermManagePayments) || p.Can(models.PermAdmin) || (p != nil && p.ID == e.Holder)
}

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	e, err := h.Escrows.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get escrow", err)
		return
	}
	if !canSee(middleware.PrincipalFromCtx(r.Context()), e) {
		// Indistinguishable from a missing escrow.
		respond.Error(w, models.ErrEscrowNotFound)
		return
	}
	respond.OK(w, http.StatusOK, e)
}

func (h *Handler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	e, err := h.Escrows.Release(r.Context(), id, p.ID)
	if err != nil {
		h.fail(w, r, "release escrow", err)
		return
	}
	respond.OK(w, http.StatusOK, e)
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

// DisputeEscrow is open to the holder and to operators.
func (h *Handler) DisputeEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	var body DisputeRequest
	if err := decodeBody(r, &body); err != nil {
		badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if body.Reason == "" || len(body.Reason) > 1000 {
		badRequest(w, "reason is required (max 1000 chars)")
		return
	}
	p := middleware.PrincipalFromCtx(r.Context())
	cur, err := h.Escrows.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "dispute escrow", err)
		return
	}
	if !canSee(p, cur) {
		respond.Error(w, models.ErrEscrowNotFound)
		return
	}
	e, err := h.Escrows.MarkDisputed(r.Context(), id, p.ID, body.Reason)
	if err != nil {
		h.fail(w, r, "dispute escrow", err)
		return
	}
	respond.OK(w, http.StatusOK, e)
}
