package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/platform"
)

// --- Platform API Mock ---

// MockPlatformAPI is an in-memory implementation of platform.API. Intents
// are created with status requires_confirmation and confirmed to
// ConfirmStatus. Func fields override the default behaviour.
type MockPlatformAPI struct {
	mu      sync.Mutex
	intents map[string]*platform.Intent
	views   map[string]*platform.TransactionView
	seq     int
	calls   []string

	// ConfirmStatus is the status confirmation moves an intent to.
	ConfirmStatus string

	CreatePaymentIntentFunc  func(ctx context.Context, p platform.CreateIntentParams) (*platform.Intent, error)
	ConfirmPaymentIntentFunc func(ctx context.Context, id string, p platform.ConfirmParams) (*platform.Intent, error)
	GetPaymentIntentFunc     func(ctx context.Context, id string) (*platform.Intent, error)
	GetStatusFunc            func(ctx context.Context, id string) (*platform.TransactionView, error)
	ReconcileFunc            func(ctx context.Context, id string) (*platform.TransactionView, error)
}

var _ platform.API = (*MockPlatformAPI)(nil)

func NewMockPlatformAPI() *MockPlatformAPI {
	return &MockPlatformAPI{
		intents:       make(map[string]*platform.Intent),
		views:         make(map[string]*platform.TransactionView),
		ConfirmStatus: platform.IntentProcessing,
	}
}

func (m *MockPlatformAPI) CreatePaymentIntent(ctx context.Context, p platform.CreateIntentParams) (*platform.Intent, error) {
	m.record("create")
	if m.CreatePaymentIntentFunc != nil {
		return m.CreatePaymentIntentFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("pi_test_%d", m.seq)
	intent := &platform.Intent{
		ID:            id,
		ClientSecret:  id + "_secret",
		Status:        platform.IntentRequiresConfirmation,
		Amount:        p.Amount,
		Currency:      p.Currency,
		CustomerPhone: p.CustomerPhone,
		Description:   p.Description,
		Metadata:      p.Metadata,
	}
	m.intents[id] = intent
	m.views[id] = &platform.TransactionView{ID: id, Status: platform.IntentProcessing, Amount: p.Amount, Currency: p.Currency}
	c := *intent
	return &c, nil
}

func (m *MockPlatformAPI) ConfirmPaymentIntent(ctx context.Context, id string, p platform.ConfirmParams) (*platform.Intent, error) {
	m.record("confirm")
	if m.ConfirmPaymentIntentFunc != nil {
		return m.ConfirmPaymentIntentFunc(ctx, id, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok || intent.ClientSecret != p.ClientSecret {
		return nil, &errors.NetworkError{Message: "Invalid client secret", StatusCode: 400}
	}
	intent.Status = m.ConfirmStatus
	c := *intent
	return &c, nil
}

func (m *MockPlatformAPI) GetPaymentIntent(ctx context.Context, id string) (*platform.Intent, error) {
	m.record("get")
	if m.GetPaymentIntentFunc != nil {
		return m.GetPaymentIntentFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return nil, &errors.NetworkError{Message: "Payment intent not found", StatusCode: 404}
	}
	c := *intent
	return &c, nil
}

func (m *MockPlatformAPI) GetStatus(ctx context.Context, id string) (*platform.TransactionView, error) {
	m.record("status")
	if m.GetStatusFunc != nil {
		return m.GetStatusFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[id]
	if !ok {
		return nil, errors.NewTransactionError(id, errors.ErrTransactionNotFound)
	}
	c := *v
	return &c, nil
}

func (m *MockPlatformAPI) Reconcile(ctx context.Context, id string) (*platform.TransactionView, error) {
	m.record("reconcile")
	if m.ReconcileFunc != nil {
		return m.ReconcileFunc(ctx, id)
	}
	return m.GetStatus(ctx, id)
}

// SetStatus changes the upstream status reported for id.
func (m *MockPlatformAPI) SetStatus(id, status, errorMessage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[id]
	if !ok {
		v = &platform.TransactionView{ID: id}
		m.views[id] = v
	}
	v.Status = status
	v.ErrorMessage = errorMessage
}

// Calls returns the operations invoked so far, in order.
func (m *MockPlatformAPI) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockPlatformAPI) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
}
