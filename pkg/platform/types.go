package platform

import "github.com/shopspring/decimal"

// Intent statuses.
const (
	IntentRequiresConfirmation = "requires_confirmation"
	IntentProcessing           = "processing"
	IntentSucceeded            = "succeeded"
	IntentCompleted            = "completed"
	IntentFailed               = "failed"
	IntentCanceled             = "canceled"
)

// Intent is a platform-side record of an intended charge.
type Intent struct {
	ID            string          `json:"id"`
	ClientSecret  string          `json:"client_secret,omitempty"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	CustomerPhone string          `json:"customer_phone,omitempty"`
	Description   string          `json:"description,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// LastError returns metadata.last_error when the platform recorded one.
func (i *Intent) LastError() string {
	if v, ok := i.Metadata["last_error"].(string); ok {
		return v
	}
	return ""
}

// IsSucceeded reports whether the money already moved.
func (i *Intent) IsSucceeded() bool {
	return i.Status == IntentSucceeded || i.Status == IntentCompleted
}

type CreateIntentParams struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerPhone string          `json:"customer_phone"`
	Description   string          `json:"description,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`

	IdempotencyKey string `json:"-"`
}

type ConfirmParams struct {
	ClientSecret string `json:"client_secret"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

// TransactionView is the upstream view of a transaction returned by the
// status endpoint.
type TransactionView struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	ExternalID   string          `json:"external_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	ResultCode   string          `json:"result_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// IsCompleted reports an upstream success status.
func (v *TransactionView) IsCompleted() bool {
	return v.Status == IntentCompleted || v.Status == IntentSucceeded
}

// IsFailed reports an upstream failure status.
func (v *TransactionView) IsFailed() bool {
	return v.Status == IntentFailed
}

type statusResponse struct {
	Transaction *TransactionView `json:"transaction"`
}
