package controller

import (
	"time"

	"github.com/shopspring/decimal"

	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/gateway"
	"github.com/turingfp/micropay/pkg/platform"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/transaction"
)

// --- Request DTOs ---

type CreateSessionRequest struct {
	ProductID   string          `json:"product_id" validate:"required,max=100"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	Description string          `json:"description" validate:"max=255"`
	Metadata    map[string]any  `json:"metadata"`
}

type PayRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
}

// ChargeRequest is a standalone charge. Phone and reference rules are
// enforced by the gateway.
type ChargeRequest struct {
	PhoneNumber string          `json:"phone_number" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
	Metadata    map[string]any  `json:"metadata"`
}

type RefundRequest struct {
	TransactionID string          `json:"transaction_id" validate:"required"`
	Amount        decimal.Decimal `json:"amount" validate:"gte=0"`
	Reference     string          `json:"reference"`
}

type PayoutRequest struct {
	PhoneNumber string          `json:"phone_number" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// --- Response DTOs ---

type TransactionResponse struct {
	ID            string                   `json:"id"`
	ExternalID    string                   `json:"external_id,omitempty"`
	SessionID     string                   `json:"session_id,omitempty"`
	Reference     string                   `json:"reference,omitempty"`
	Amount        decimal.Decimal          `json:"amount"`
	Currency      string                   `json:"currency"`
	CustomerPhone string                   `json:"customer_phone,omitempty"`
	Provider      string                   `json:"provider,omitempty"`
	Status        string                   `json:"status"`
	RetryCount    int                      `json:"retry_count"`
	Error         *transaction.ErrorDetail `json:"error,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
}

type SessionResponse struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	ProductID     string               `json:"product_id,omitempty"`
	Amount        decimal.Decimal      `json:"amount"`
	Currency      string               `json:"currency"`
	Description   string               `json:"description,omitempty"`
	CustomerPhone string               `json:"customer_phone,omitempty"`
	IntentID      string               `json:"intent_id,omitempty"`
	Transaction   *TransactionResponse `json:"transaction,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
}

type PaymentResponse struct {
	Success             bool                 `json:"success"`
	PendingConfirmation bool                 `json:"pending_confirmation"`
	Session             SessionResponse      `json:"session"`
	Transaction         *TransactionResponse `json:"transaction,omitempty"`
}

type StatusResponse struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	ExternalID   string          `json:"external_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	ResultCode   string          `json:"result_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type ChargeResponse struct {
	Success     bool                 `json:"success"`
	Transaction *TransactionResponse `json:"transaction"`
	Result      *ResultResponse      `json:"result,omitempty"`
}

// ResultResponse is a provider outcome for a charge, refund or payout.
type ResultResponse struct {
	Success         bool            `json:"success"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	Reference       string          `json:"reference,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency,omitempty"`
	Status          string          `json:"status"`
	ProviderCode    string          `json:"provider_code,omitempty"`
	ProviderMessage string          `json:"provider_message,omitempty"`
}

type ErrorResponse struct {
	Error        string               `json:"error"`
	Code         string               `json:"code"`
	Field        string               `json:"field,omitempty"`
	Fields       []perrors.FieldError `json:"fields,omitempty"`
	ProviderCode string               `json:"provider_code,omitempty"`
}

// --- Conversion helpers ---

func FromTransaction(t *transaction.Transaction) *TransactionResponse {
	if t == nil {
		return nil
	}
	return &TransactionResponse{
		ID:            t.ID,
		ExternalID:    t.ExternalID,
		SessionID:     t.SessionID,
		Reference:     t.Reference,
		Amount:        t.Amount,
		Currency:      t.Currency,
		CustomerPhone: t.CustomerPhone,
		Provider:      t.Provider,
		Status:        string(t.Status),
		RetryCount:    t.RetryCount,
		Error:         t.Error,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		CompletedAt:   t.CompletedAt,
	}
}

func FromSnapshot(s session.Snapshot) SessionResponse {
	return SessionResponse{
		ID:            s.ID,
		Status:        string(s.Status),
		ProductID:     s.ProductID,
		Amount:        s.Amount,
		Currency:      s.Currency,
		Description:   s.Description,
		CustomerPhone: s.CustomerPhone,
		IntentID:      s.IntentID,
		Transaction:   FromTransaction(s.Transaction),
		Metadata:      s.Metadata,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
	}
}

func FromResult(r *gateway.Result) PaymentResponse {
	return PaymentResponse{
		Success:             r.Success,
		PendingConfirmation: r.PendingConfirmation,
		Session:             FromSnapshot(r.Session),
		Transaction:         FromTransaction(r.Transaction),
	}
}

func FromView(v *platform.TransactionView) StatusResponse {
	return StatusResponse{
		ID:           v.ID,
		Status:       v.Status,
		ExternalID:   v.ExternalID,
		Amount:       v.Amount,
		Currency:     v.Currency,
		ResultCode:   v.ResultCode,
		ErrorMessage: v.ErrorMessage,
	}
}

func FromChargeResult(r *provider.ChargeResult) *ResultResponse {
	if r == nil {
		return nil
	}
	return &ResultResponse{
		Success:         r.Success,
		TransactionID:   r.ID(),
		ConversationID:  r.ConversationID,
		Reference:       r.Reference,
		Amount:          r.Amount,
		Currency:        r.Currency,
		Status:          r.Status,
		ProviderCode:    r.ProviderCode,
		ProviderMessage: r.ProviderMessage,
	}
}
