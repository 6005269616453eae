package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/txmanager"
)

// TransactionController serves status lookups and the standalone money
// movement endpoints.
type TransactionController struct {
	gw Gateway
}

func NewTransactionController(gw Gateway) *TransactionController {
	return &TransactionController{gw: gw}
}

// Status handles GET /api/v1/transactions/{id}/status
func (h *TransactionController) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.gw.GetTransactionStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromView(view))
}

// Reconcile handles POST /api/v1/transactions/{id}/reconcile
func (h *TransactionController) Reconcile(w http.ResponseWriter, r *http.Request) {
	view, err := h.gw.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromView(view))
}

// Charge handles POST /api/v1/charges
func (h *TransactionController) Charge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.gw.Charge(r.Context(), txmanager.PaymentRequest{
		CustomerPhone: req.PhoneNumber,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Reference:     req.Reference,
		Description:   req.Description,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if !resp.Transaction.IsFinal() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ChargeResponse{
		Success:     resp.Success,
		Transaction: FromTransaction(resp.Transaction),
		Result:      FromChargeResult(resp.Result),
	})
}

// Refund handles POST /api/v1/refunds
func (h *TransactionController) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.gw.Refund(r.Context(), provider.RefundRequest{
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Reference:     req.Reference,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromChargeResult(res))
}

// Payout handles POST /api/v1/payouts
func (h *TransactionController) Payout(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.gw.Payout(r.Context(), provider.PayoutRequest{
		CustomerPhone: req.PhoneNumber,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Reference:     req.Reference,
		Description:   req.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromChargeResult(res))
}
