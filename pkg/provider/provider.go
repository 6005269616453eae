package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Environments
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// Result statuses reported by adapters.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Config is handed to an adapter constructor.
type Config struct {
	Credentials map[string]string
	Environment string
	CallbackURL string
	// BaseURL overrides the environment's API host.
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// IsProduction reports whether the adapter talks to live money.
func (c Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

// ChargeRequest asks an adapter to collect money from a customer.
type ChargeRequest struct {
	CustomerPhone        string
	Amount               decimal.Decimal
	Currency             string
	Reference            string
	TransactionReference string
	Description          string
	// CallbackURL overrides the adapter's configured callback.
	CallbackURL string
	Metadata    map[string]any
}

// ChargeResult is the normalized outcome of a charge, refund or payout.
// Success false means the provider rejected the request.
type ChargeResult struct {
	Success               bool            `json:"success"`
	TransactionID         string          `json:"transactionId,omitempty"`
	ExternalTransactionID string          `json:"externalTransactionId,omitempty"`
	ConversationID        string          `json:"conversationId,omitempty"`
	Reference             string          `json:"reference,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency,omitempty"`
	Status                string          `json:"status"`
	ProviderCode          string          `json:"providerCode,omitempty"`
	ProviderMessage       string          `json:"providerMessage,omitempty"`
	Provider              string          `json:"provider,omitempty"`
	RawResponse           map[string]any  `json:"rawResponse,omitempty"`
}

// IsCompleted reports whether the provider confirmed the money moved.
func (r *ChargeResult) IsCompleted() bool {
	return r.Status == StatusSucceeded || r.Status == StatusCompleted
}

// ID returns the id to record as the transaction's external id.
func (r *ChargeResult) ID() string {
	if r.TransactionID != "" {
		return r.TransactionID
	}
	return r.ExternalTransactionID
}

// StatusResult is the outcome of a status query.
type StatusResult struct {
	Success    bool           `json:"success"`
	Status     string         `json:"status"`
	ResultCode string         `json:"resultCode,omitempty"`
	ResultDesc string         `json:"resultDesc,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// RefundRequest reverses a completed charge. A zero Amount refunds in full.
type RefundRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Reference     string
}

// PayoutRequest sends money to a customer.
type PayoutRequest struct {
	CustomerPhone string
	Amount        decimal.Decimal
	Currency      string
	Reference     string
	Description   string
}

// Adapter abstracts one mobile-money network.
type Adapter interface {
	// Name returns the registry name of the adapter.
	Name() string
	// Initialize validates credentials. It fails with a ConfigurationError
	// listing every missing key.
	Initialize(ctx context.Context) error
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	QueryStatus(ctx context.Context, id string) (*StatusResult, error)
	Refund(ctx context.Context, req RefundRequest) (*ChargeResult, error)
}

// Payouter is implemented by adapters supporting business-to-customer
// transfers.
type Payouter interface {
	Payout(ctx context.Context, req PayoutRequest) (*ChargeResult, error)
}

// NewTransactionReference returns a provider-facing reference of the form
// TR<millis><6 upper-case chars>.
func NewTransactionReference() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("TR%s%s", strconv.FormatInt(time.Now().UnixMilli(), 10), suffix)
}
