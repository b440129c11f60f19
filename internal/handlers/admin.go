package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/respond"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (h *Handler) ListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.EscrowFilter{
		State:  models.EscrowState(strings.ToUpper(q.Get("state"))),
		Holder: q.Get("holder"),
		Limit:  parseIntDefault(q.Get("limit"), defaultListLimit, maxListLimit),
	}
	if f.State != "" && !f.State.Valid() {
		badRequest(w, "unknown state "+strconv.Quote(string(f.State)))
		return
	}
	if v := q.Get("needsReconciliation"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "needsReconciliation must be a boolean")
			return
		}
		f.NeedsReconciliation = b
	}
	out, err := h.Escrows.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, "list escrows", err)
		return
	}
	respond.OK(w, http.StatusOK, out)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultListLimit, maxListLimit)
	out, err := h.Escrows.ListTransactions(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "list transactions", err)
		return
	}
	respond.OK(w, http.StatusOK, out)
}

func (h *Handler) EscrowAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowID(w, r)
	if !ok {
		return
	}
	out, err := h.Escrows.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, "escrow audit", err)
		return
	}
	respond.OK(w, http.StatusOK, out)
}

// ProviderTransactions asks the provider directly, bypassing the ledger.
func (h *Handler) ProviderTransactions(w http.ResponseWriter, r *http.Request) {
	adapter, err := h.Providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		h.fail(w, r, "provider transactions", err)
		return
	}
	out, err := adapter.ListTransactions(r.Context())
	if err != nil {
		h.fail(w, r, "provider transactions", err)
		return
	}
	respond.OK(w, http.StatusOK, out)
}
