package transaction

import (
	"crypto/rand"
	"fmt"
	"maps"
	"math/big"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/turingfp/micropay/pkg/errors"
)

// Status represents the transaction status
type Status string

const (
	StatusCreated    Status = "created"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// ErrorDetail is the structured failure recorded on a FAILED transaction.
type ErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// DetailFrom converts err into an ErrorDetail, keeping the error message
// verbatim.
func DetailFrom(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	return &ErrorDetail{Message: err.Error(), Code: errors.CodeOf(err)}
}

// Transaction is one money movement attempt. Identity never changes after
// New. A Transaction is not safe for concurrent mutation; its owner
// serializes access.
//
// CompletedAt is set exactly when the payment succeeded: status COMPLETED,
// or REFUNDED, which keeps the time the refunded payment completed.
type Transaction struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"externalId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	ProductID      string          `json:"productId,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description,omitempty"`
	CustomerPhone  string          `json:"customerPhone,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Status         Status          `json:"status"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Error          *ErrorDetail    `json:"error,omitempty"`
	RetryCount     int             `json:"retryCount"`
}

// Params holds the fields snapshotted into a new transaction.
type Params struct {
	SessionID     string
	ProductID     string
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CustomerPhone string
	Provider      string
	Metadata      map[string]any
}

// New creates a transaction in CREATED status.
func New(p Params) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:            NewID("txn"),
		SessionID:     p.SessionID,
		ProductID:     p.ProductID,
		Reference:     p.Reference,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Description:   p.Description,
		CustomerPhone: p.CustomerPhone,
		Provider:      p.Provider,
		Status:        StatusCreated,
		Metadata:      maps.Clone(p.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewID returns an opaque id of the form <prefix>_<base36 millis>_<9 random
// base36 chars>.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s_%s", prefix, strconv.FormatInt(time.Now().UnixMilli(), 36), randomBase36(9))
}

func randomBase36(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	max := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			b[i] = alphabet[i%len(alphabet)]
			continue
		}
		b[i] = alphabet[v.Int64()]
	}
	return string(b)
}

// MarkProcessing moves the transaction to PROCESSING.
func (t *Transaction) MarkProcessing() {
	t.setStatus(StatusProcessing)
}

// MarkPending records that the provider accepted the request and the outcome
// arrives later.
func (t *Transaction) MarkPending() {
	t.setStatus(StatusPending)
}

// Complete marks the transaction completed. An empty externalID keeps the
// id already attached.
func (t *Transaction) Complete(externalID string) {
	if externalID != "" {
		t.ExternalID = externalID
	}
	now := time.Now()
	t.Status = StatusCompleted
	t.Error = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// Fail marks the transaction failed with err.
func (t *Transaction) Fail(err error) {
	detail := DetailFrom(err)
	if detail == nil {
		detail = &ErrorDetail{Message: "payment failed"}
	}
	t.FailWithDetail(*detail)
}

// FailWithDetail marks the transaction failed with an already structured
// error.
func (t *Transaction) FailWithDetail(detail ErrorDetail) {
	t.Status = StatusFailed
	t.Error = &detail
	t.CompletedAt = nil
	t.UpdatedAt = time.Now()
}

// Cancel sets the CANCELLED status directly. It does not record an error.
func (t *Transaction) Cancel() {
	t.setStatus(StatusCancelled)
}

// Refund moves a completed transaction to REFUNDED. CompletedAt is kept.
func (t *Transaction) Refund() error {
	if t.Status != StatusCompleted {
		return errors.NewTransactionError(t.ID, fmt.Errorf("cannot refund %s transaction: %w", t.Status, errors.ErrInvalidStateTransition))
	}
	t.Status = StatusRefunded
	t.UpdatedAt = time.Now()
	return nil
}

// Retry requeues a failed attempt: the counter increments, status resets to
// PENDING and the error clears. Identity is preserved.
func (t *Transaction) Retry() {
	t.RetryCount++
	t.setStatus(StatusPending)
}

// CanRetry checks if the transaction can be retried
func (t *Transaction) CanRetry(maxRetries int) bool {
	return t.Status == StatusFailed && t.RetryCount < maxRetries
}

// IsFinal reports whether no further transition is expected.
func (t *Transaction) IsFinal() bool {
	switch t.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsPending reports whether the transaction still awaits an outcome.
func (t *Transaction) IsPending() bool {
	switch t.Status {
	case StatusCreated, StatusPending, StatusProcessing:
		return true
	}
	return false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

// setStatus is used for every non-terminal-success transition, so
// completedAt and error are cleared to keep both invariants.
func (t *Transaction) setStatus(s Status) {
	t.Status = s
	t.Error = nil
	t.CompletedAt = nil
	t.UpdatedAt = time.Now()
}
