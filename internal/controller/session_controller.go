package controller

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/turingfp/micropay/pkg/gateway"
	"github.com/turingfp/micropay/pkg/platform"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/txmanager"
)

// Gateway is the part of *gateway.Gateway the HTTP surface uses.
type Gateway interface {
	CreateSession(ctx context.Context, opts gateway.SessionOptions) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ProcessPayment(ctx context.Context, sessionID, customerPhone string) (*gateway.Result, error)
	CancelSession(ctx context.Context, id string) error
	GetTransactionStatus(ctx context.Context, ref string) (*platform.TransactionView, error)
	Reconcile(ctx context.Context, ref string) (*platform.TransactionView, error)
	Charge(ctx context.Context, req txmanager.PaymentRequest) (*gateway.ChargeResponse, error)
	Refund(ctx context.Context, req provider.RefundRequest) (*provider.ChargeResult, error)
	Payout(ctx context.Context, req provider.PayoutRequest) (*provider.ChargeResult, error)
	Info(ctx context.Context) (gateway.Info, error)
}

var _ Gateway = (*gateway.Gateway)(nil)

// SessionController serves the checkout session lifecycle.
type SessionController struct {
	gw Gateway
}

func NewSessionController(gw Gateway) *SessionController {
	return &SessionController{gw: gw}
}

// Create handles POST /api/v1/sessions
func (h *SessionController) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	s, err := h.gw.CreateSession(r.Context(), gateway.SessionOptions{
		ProductID:   req.ProductID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FromSnapshot(s.Snapshot()))
}

// Get handles GET /api/v1/sessions/{id}
func (h *SessionController) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.gw.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromSnapshot(s.Snapshot()))
}

// Pay handles POST /api/v1/sessions/{id}/pay. A payment still awaiting the
// customer's PIN answers 202.
func (h *SessionController) Pay(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.gw.ProcessPayment(r.Context(), chi.URLParam(r, "id"), req.PhoneNumber)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.PendingConfirmation {
		status = http.StatusAccepted
	}
	writeJSON(w, status, FromResult(res))
}

// Cancel handles POST /api/v1/sessions/{id}/cancel
func (h *SessionController) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.gw.CancelSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.gw.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromSnapshot(s.Snapshot()))
}

// Info handles GET /api/v1/info
func (h *SessionController) Info(w http.ResponseWriter, r *http.Request) {
	info, err := h.gw.Info(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
