package session

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/transaction"
)

// Status represents the session status
type Status string

const (
	StatusIdle                 Status = "idle"
	StatusCollectingInfo       Status = "collecting_info"
	StatusProcessing           Status = "processing"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// DefaultExpiry is applied when Options.Expiry is zero.
const DefaultExpiry = 10 * time.Minute

// IsTerminal reports whether s is COMPLETED, FAILED or CANCELLED.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Options configures a new session.
type Options struct {
	ID           string
	ProductID    string
	Amount       decimal.Decimal
	Currency     string
	Description  string
	IntentID     string
	ClientSecret string
	Metadata     map[string]any
	Expiry       time.Duration
	Now          func() time.Time
	Observers    []Observer
}

// Session owns the user-facing lifecycle of one purchase and at most one
// Transaction. Once terminal it never changes again.
//
// Observers are notified in transition order after the state lock is
// released. They may read the session but must not call its mutators
// synchronously.
type Session struct {
	mu sync.Mutex
	// issued is guarded by mu, served by emitMu. A notification leaves only
	// once served reaches its ticket.
	issued   uint64
	emitMu   sync.Mutex
	emitCond *sync.Cond
	served   uint64

	id            string
	status        Status
	productID     string
	amount        decimal.Decimal
	currency      string
	description   string
	customerPhone string
	txn           *transaction.Transaction
	intentID      string
	clientSecret  string
	metadata      map[string]any
	createdAt     time.Time
	expiresAt     time.Time
	now           func() time.Time

	observers map[int]Observer
	order     []int
	nextObs   int
}

// New creates a session in IDLE status.
func New(opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	id := opts.ID
	if id == "" {
		id = transaction.NewID("sess")
	}
	currency := opts.Currency
	if currency == "" {
		currency = "KES"
	}
	metadata := maps.Clone(opts.Metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}

	created := now()
	s := &Session{
		id:           id,
		status:       StatusIdle,
		productID:    opts.ProductID,
		amount:       opts.Amount,
		currency:     currency,
		description:  opts.Description,
		intentID:     opts.IntentID,
		clientSecret: opts.ClientSecret,
		metadata:     metadata,
		createdAt:    created,
		expiresAt:    created.Add(expiry),
		now:          now,
		observers:    make(map[int]Observer),
	}
	s.emitCond = sync.NewCond(&s.emitMu)
	for _, o := range opts.Observers {
		s.Subscribe(o)
	}
	return s
}

// Subscribe registers o and returns a func that removes it.
func (s *Session) Subscribe(o Observer) (unsubscribe func()) {
	if o == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.observers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) ProductID() string { return s.productID }

func (s *Session) Amount() decimal.Decimal { return s.amount }

func (s *Session) Currency() string { return s.currency }

func (s *Session) Description() string { return s.description }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

func (s *Session) CustomerPhone() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customerPhone
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.metadata)
}

// Intent returns the platform intent linkage, if any.
func (s *Session) Intent() (id, clientSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intentID, s.clientSecret
}

// Transaction returns a copy of the owned transaction, or nil.
func (s *Session) Transaction() *transaction.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txn.Clone()
}

// TransactionID returns the owned transaction id and its external id.
func (s *Session) TransactionID() (id, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return "", ""
	}
	return s.txn.ID, s.txn.ExternalID
}

// IsExpired reports whether the fixed expiry has passed. Expiry is advisory.
func (s *Session) IsExpired() bool {
	return s.now().After(s.expiresAt)
}

// IsActive reports whether the session has not reached a terminal status.
func (s *Session) IsActive() bool {
	return !s.Status().IsTerminal()
}

// HasUsableIntent reports whether the session carries an intent id and
// client secret and has not expired.
func (s *Session) HasUsableIntent() bool {
	id, secret := s.Intent()
	return id != "" && secret != "" && !s.IsExpired()
}

// AttachIntent links a platform payment intent to the session.
func (s *Session) AttachIntent(id, clientSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intentID = id
	s.clientSecret = clientSecret
}

// AttachExternalID records the upstream id on the owned transaction without
// resolving it.
func (s *Session) AttachExternalID(externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn != nil && externalID != "" {
		s.txn.ExternalID = externalID
		s.txn.UpdatedAt = s.now()
	}
}

// SetCustomerPhone stores the phone and moves the session to COLLECTING_INFO.
func (s *Session) SetCustomerPhone(phone string) error {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return errors.NewSessionError(s.id, errors.ErrSessionInactive)
	}
	s.customerPhone = phone
	n := s.transitionLocked(StatusCollectingInfo)
	s.deliver(n)
	return nil
}

// StartProcessing creates the owned transaction from the current session
// fields and moves the session to PROCESSING.
func (s *Session) StartProcessing(provider string) (*transaction.Transaction, error) {
	s.mu.Lock()
	switch {
	case s.status.IsTerminal():
		s.mu.Unlock()
		return nil, errors.NewSessionError(s.id, errors.ErrSessionInactive)
	case s.customerPhone == "":
		s.mu.Unlock()
		return nil, errors.NewSessionError(s.id, errors.ErrPhoneNotSet)
	case s.txn != nil:
		s.mu.Unlock()
		return nil, errors.NewSessionError(s.id, errors.ErrTransactionExists)
	}

	s.txn = transaction.New(transaction.Params{
		SessionID:     s.id,
		ProductID:     s.productID,
		Amount:        s.amount,
		Currency:      s.currency,
		Description:   s.description,
		CustomerPhone: s.customerPhone,
		Provider:      provider,
		Metadata:      s.metadata,
	})
	txn := s.txn.Clone()
	n := s.transitionLocked(StatusProcessing)
	s.deliver(n)
	return txn, nil
}

// AwaitConfirmation moves the session to AWAITING_CONFIRMATION once the
// customer has been prompted.
func (s *Session) AwaitConfirmation() error {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return errors.NewSessionError(s.id, errors.ErrSessionInactive)
	}
	n := s.transitionLocked(StatusAwaitingConfirmation)
	s.deliver(n)
	return nil
}

// Complete resolves the session successfully. Completing an already
// completed session is a no-op; completing a failed or cancelled one is
// rejected.
func (s *Session) Complete(externalID string) error {
	s.mu.Lock()
	if done, err := s.resolvedLocked(StatusCompleted); done {
		s.mu.Unlock()
		return err
	}
	if s.txn != nil {
		s.txn.Complete(externalID)
	}
	n := s.transitionLocked(StatusCompleted)
	n.success = &Success{Session: s, Transaction: s.txn.Clone()}
	s.deliver(n)
	return nil
}

// Fail resolves the session as failed, recording err on the transaction.
func (s *Session) Fail(err error) error {
	s.mu.Lock()
	if done, rerr := s.resolvedLocked(StatusFailed); done {
		s.mu.Unlock()
		return rerr
	}
	if s.txn != nil {
		s.txn.Fail(err)
	}
	n := s.transitionLocked(StatusFailed)
	n.failure = &Failure{Session: s, Err: err}
	s.deliver(n)
	return nil
}

// Cancel resolves the session as cancelled. The transaction status is set
// directly and no error is recorded.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if done, err := s.resolvedLocked(StatusCancelled); done {
		s.mu.Unlock()
		return err
	}
	if s.txn != nil {
		s.txn.Cancel()
	}
	n := s.transitionLocked(StatusCancelled)
	n.cancel = true
	s.deliver(n)
	return nil
}

// resolvedLocked handles a resolution request against a terminal session.
// done is true when the caller must stop.
func (s *Session) resolvedLocked(target Status) (done bool, err error) {
	if !s.status.IsTerminal() {
		return false, nil
	}
	if s.status == target {
		return true, nil
	}
	return true, errors.NewSessionError(s.id,
		fmt.Errorf("%w: %s to %s", errors.ErrConflictingResolution, s.status, target))
}

type notification struct {
	change  StatusChange
	success *Success
	failure *Failure
	cancel  bool
	targets []Observer
	ticket  uint64
}

func (s *Session) transitionLocked(to Status) notification {
	from := s.status
	s.status = to
	targets := make([]Observer, 0, len(s.order))
	for _, id := range s.order {
		targets = append(targets, s.observers[id])
	}
	ticket := s.issued
	s.issued++
	return notification{
		change:  StatusChange{Session: s, From: from, To: to},
		targets: targets,
		ticket:  ticket,
	}
}

// deliver is called with s.mu held and releases it before waiting for its
// turn. No lock is held while observers run; the ticket keeps notifications
// in transition order.
func (s *Session) deliver(n notification) {
	s.mu.Unlock()

	s.emitMu.Lock()
	for s.served != n.ticket {
		s.emitCond.Wait()
	}
	s.emitMu.Unlock()
	defer func() {
		s.emitMu.Lock()
		s.served++
		s.emitCond.Broadcast()
		s.emitMu.Unlock()
	}()

	for _, o := range n.targets {
		o.OnStatusChange(n.change)
	}
	switch {
	case n.success != nil:
		for _, o := range n.targets {
			o.OnSuccess(*n.success)
		}
	case n.failure != nil:
		for _, o := range n.targets {
			o.OnError(*n.failure)
		}
	case n.cancel:
		for _, o := range n.targets {
			o.OnCancel(s)
		}
	}
}
