package session

import (
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/turingfp/micropay/pkg/transaction"
)

// Snapshot is the serializable state of a session, used by persistent
// stores and API responses.
type Snapshot struct {
	ID            string                   `json:"id"`
	Status        Status                   `json:"status"`
	ProductID     string                   `json:"productId,omitempty"`
	Amount        decimal.Decimal          `json:"amount"`
	Currency      string                   `json:"currency"`
	Description   string                   `json:"description,omitempty"`
	CustomerPhone string                   `json:"customerPhone,omitempty"`
	Transaction   *transaction.Transaction `json:"transaction"`
	IntentID      string                   `json:"intentId,omitempty"`
	ClientSecret  string                   `json:"clientSecret,omitempty"`
	Metadata      map[string]any           `json:"metadata"`
	CreatedAt     time.Time                `json:"createdAt"`
	ExpiresAt     time.Time                `json:"expiresAt"`
}

// Snapshot returns a deep copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.id,
		Status:        s.status,
		ProductID:     s.productID,
		Amount:        s.amount,
		Currency:      s.currency,
		Description:   s.description,
		CustomerPhone: s.customerPhone,
		Transaction:   s.txn.Clone(),
		IntentID:      s.intentID,
		ClientSecret:  s.clientSecret,
		Metadata:      maps.Clone(s.metadata),
		CreatedAt:     s.createdAt,
		ExpiresAt:     s.expiresAt,
	}
}

// Restore rebuilds a session from a snapshot. No notifications are sent for
// the restored status.
func Restore(snap Snapshot, observers ...Observer) *Session {
	metadata := maps.Clone(snap.Metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	status := snap.Status
	if status == "" {
		status = StatusIdle
	}
	s := &Session{
		id:            snap.ID,
		status:        status,
		productID:     snap.ProductID,
		amount:        snap.Amount,
		currency:      snap.Currency,
		description:   snap.Description,
		customerPhone: snap.CustomerPhone,
		txn:           snap.Transaction.Clone(),
		intentID:      snap.IntentID,
		clientSecret:  snap.ClientSecret,
		metadata:      metadata,
		createdAt:     snap.CreatedAt,
		expiresAt:     snap.ExpiresAt,
		now:           time.Now,
		observers:     make(map[int]Observer),
	}
	s.emitCond = sync.NewCond(&s.emitMu)
	for _, o := range observers {
		s.Subscribe(o)
	}
	return s
}
