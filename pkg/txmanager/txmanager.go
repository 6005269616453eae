// Package txmanager tracks standalone transactions and runs provider calls
// under an exponential-backoff retry policy.
package txmanager

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/events"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/retry"
	"github.com/turingfp/micropay/pkg/store"
	"github.com/turingfp/micropay/pkg/transaction"
)

// Transaction lifecycle events.
const (
	EventCreated    = "transaction:created"
	EventProcessing = "transaction:processing"
	EventRetry      = "transaction:retry"
	EventPending    = "transaction:pending"
	EventCompleted  = "transaction:completed"
	EventFailed     = "transaction:failed"
	EventRefunded   = "transaction:refunded"
)

// Config is the retry policy.
type Config struct {
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	// Timeout bounds each attempt when positive.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryDelay:        time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
		Timeout:           30 * time.Second,
	}
}

// Manager owns the transaction index and the retry loop.
type Manager struct {
	cfg    Config
	store  store.TransactionStore
	events *events.Emitter[*transaction.Transaction]
	logger zerolog.Logger
}

type Option func(*Manager)

// WithStore replaces the in-memory transaction index.
func WithStore(s store.TransactionStore) Option {
	return func(m *Manager) { m.store = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func New(cfg Config, opts ...Option) *Manager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	m := &Manager{
		cfg:    cfg,
		store:  store.NewMemoryTransactionStore(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.events = events.NewEmitter[*transaction.Transaction](m.logger)
	return m
}

// Config returns the retry policy in effect.
func (m *Manager) Config() Config { return m.cfg }

// On registers fn for a transaction event. Listeners receive copies.
func (m *Manager) On(event string, fn func(*transaction.Transaction)) (off func()) {
	return m.events.On(event, fn)
}

// Create records a new transaction for req.
func (m *Manager) Create(ctx context.Context, req PaymentRequest, providerName string) (*transaction.Transaction, error) {
	txn := transaction.New(transaction.Params{
		Reference:     req.Reference,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Description:   req.Description,
		CustomerPhone: req.CustomerPhone,
		Provider:      providerName,
		Metadata:      req.Metadata,
	})
	if err := m.save(ctx, txn); err != nil {
		return nil, err
	}
	m.emit(EventCreated, txn)
	return txn, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*transaction.Transaction, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) GetByExternalID(ctx context.Context, externalID string) (*transaction.Transaction, error) {
	return m.store.FindByExternalID(ctx, externalID)
}

// Lookup resolves ref as a transaction id first, then as an external id.
func (m *Manager) Lookup(ctx context.Context, ref string) (*transaction.Transaction, error) {
	txn, err := m.store.Get(ctx, ref)
	if err == nil {
		return txn, nil
	}
	if !stderrors.Is(err, errors.ErrTransactionNotFound) {
		return nil, err
	}
	return m.store.FindByExternalID(ctx, ref)
}

// MarkProcessing moves txn to PROCESSING and persists it.
func (m *Manager) MarkProcessing(ctx context.Context, txn *transaction.Transaction) error {
	txn.MarkProcessing()
	if err := m.save(ctx, txn); err != nil {
		return err
	}
	m.emit(EventProcessing, txn)
	return nil
}

// ExecuteWithRetry runs op until it succeeds or txn can no longer be retried.
// An always-failing op is attempted MaxRetries+1 times and leaves txn FAILED
// with RetryCount equal to MaxRetries. Cancelling ctx aborts the backoff
// sleep and returns the context error.
func (m *Manager) ExecuteWithRetry(ctx context.Context, txn *transaction.Transaction, op func(ctx context.Context) error) error {
	err := retry.Do(ctx, m.retryConfig(), func() error {
		if err := m.MarkProcessing(ctx, txn); err != nil {
			return retry.Unrecoverable(err)
		}
		err := m.attempt(ctx, op)
		if err != nil {
			txn.Fail(err)
			m.persist(ctx, txn)
		}
		return err
	},
		retry.If(func(error) bool { return txn.CanRetry(m.cfg.MaxRetries) }),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn().
				Err(err).
				Str("transaction_id", txn.ID).
				Uint("attempt", n+1).
				Msg("transaction attempt failed, retrying")
			txn.Retry()
			m.persist(ctx, txn)
			m.emit(EventRetry, txn)
		}),
	)
	if err == nil {
		return nil
	}

	// Cancellation during the backoff sleep leaves txn PENDING.
	if txn.Status != transaction.StatusFailed {
		txn.Fail(err)
		m.persist(ctx, txn)
	}
	m.emit(EventFailed, txn)
	return err
}

// ExecuteWithResult is ExecuteWithRetry for operations producing a value.
func ExecuteWithResult[T any](ctx context.Context, m *Manager, txn *transaction.Transaction, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.ExecuteWithRetry(ctx, txn, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

// UpdateWithResult applies a provider result to the stored transaction id.
// A successful result that is still pending moves the transaction to PENDING
// with its external id recorded.
func (m *Manager) UpdateWithResult(ctx context.Context, id string, result *provider.ChargeResult) (*transaction.Transaction, error) {
	txn, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ext := result.ID(); ext != "" {
		txn.ExternalID = ext
	}
	if result.ConversationID != "" {
		txn.ConversationID = result.ConversationID
	}

	var event string
	switch {
	case result.Success && result.IsCompleted():
		txn.Complete("")
		event = EventCompleted
	case result.Success:
		txn.MarkPending()
		event = EventPending
	default:
		msg := result.ProviderMessage
		if msg == "" {
			msg = "payment failed"
		}
		txn.FailWithDetail(transaction.ErrorDetail{Message: msg, Code: result.ProviderCode})
		event = EventFailed
	}
	if err := m.save(ctx, txn); err != nil {
		return nil, err
	}
	m.emit(event, txn)
	return txn, nil
}

// Resolve settles a pending transaction from an asynchronous confirmation.
// Repeating the outcome already recorded is a no-op; a conflicting outcome
// returns a TransactionError wrapping ErrConflictingResolution.
func (m *Manager) Resolve(ctx context.Context, ref string, success bool, detail *transaction.ErrorDetail) (*transaction.Transaction, error) {
	txn, err := m.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	target := transaction.StatusFailed
	if success {
		target = transaction.StatusCompleted
	}
	if txn.IsFinal() {
		if txn.Status == target {
			return txn, nil
		}
		return txn, errors.NewTransactionError(txn.ID, fmt.Errorf("%w: %s to %s", errors.ErrConflictingResolution, txn.Status, target))
	}

	event := EventCompleted
	if success {
		txn.Complete("")
	} else {
		if detail == nil {
			detail = &transaction.ErrorDetail{Message: "payment failed"}
		}
		txn.FailWithDetail(*detail)
		event = EventFailed
	}
	if err := m.save(ctx, txn); err != nil {
		return nil, err
	}
	m.emit(event, txn)
	return txn, nil
}

// MarkRefunded moves a completed transaction to REFUNDED.
func (m *Manager) MarkRefunded(ctx context.Context, id string) (*transaction.Transaction, error) {
	txn, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := txn.Refund(); err != nil {
		return nil, err
	}
	if err := m.save(ctx, txn); err != nil {
		return nil, err
	}
	m.emit(EventRefunded, txn)
	return txn, nil
}

// All returns every tracked transaction, oldest first.
func (m *Manager) All(ctx context.Context) ([]*transaction.Transaction, error) {
	return m.store.List(ctx)
}

// ByStatus returns the tracked transactions in one of statuses.
func (m *Manager) ByStatus(ctx context.Context, statuses ...transaction.Status) ([]*transaction.Transaction, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		for _, s := range statuses {
			if t.Status == s {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// Pending returns the transactions still awaiting an outcome.
func (m *Manager) Pending(ctx context.Context) ([]*transaction.Transaction, error) {
	return m.ByStatus(ctx, transaction.StatusCreated, transaction.StatusPending, transaction.StatusProcessing)
}

func (m *Manager) Clear(ctx context.Context) error {
	return m.store.Clear(ctx)
}

func (m *Manager) retryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  uint(m.cfg.MaxRetries) + 1,
		InitialDelay: m.cfg.RetryDelay,
		MaxDelay:     m.cfg.MaxDelay,
		Multiplier:   m.cfg.BackoffMultiplier,
	}
}

func (m *Manager) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if m.cfg.Timeout <= 0 {
		return op(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return op(ctx)
}

func (m *Manager) save(ctx context.Context, txn *transaction.Transaction) error {
	if err := m.store.Save(ctx, txn); err != nil {
		return fmt.Errorf("save transaction %s: %w", txn.ID, err)
	}
	return nil
}

// persist saves txn on paths that already carry an error to report.
func (m *Manager) persist(ctx context.Context, txn *transaction.Transaction) {
	if err := m.save(context.WithoutCancel(ctx), txn); err != nil {
		m.logger.Error().Err(err).Str("transaction_id", txn.ID).Msg("failed to persist transaction")
	}
}

func (m *Manager) emit(event string, txn *transaction.Transaction) {
	m.events.Emit(event, txn.Clone())
}
