package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stub is an in-process adapter for sandboxes and tests. By default every
// charge completes immediately.
type Stub struct {
	name    string
	latency time.Duration

	mu        sync.Mutex
	result    *ChargeResult
	err       error
	failures  []error
	status    *StatusResult
	statusErr error
	initErr   error
	charges   []ChargeRequest
	queries   []string
}

type StubOption func(*Stub)

// WithResult makes every charge return a copy of r.
func WithResult(r ChargeResult) StubOption {
	return func(s *Stub) { s.result = &r }
}

// WithError makes every charge fail with err.
func WithError(err error) StubOption {
	return func(s *Stub) { s.err = err }
}

// WithFailures makes the next len(errs) charges fail in order before the
// configured result is returned.
func WithFailures(errs ...error) StubOption {
	return func(s *Stub) { s.failures = append(s.failures, errs...) }
}

func WithLatency(d time.Duration) StubOption {
	return func(s *Stub) { s.latency = d }
}

// WithStatus sets the status query answer.
func WithStatus(r StatusResult) StubOption {
	return func(s *Stub) { s.status = &r }
}

func WithStatusError(err error) StubOption {
	return func(s *Stub) { s.statusErr = err }
}

func WithInitError(err error) StubOption {
	return func(s *Stub) { s.initErr = err }
}

func NewStub(name string, opts ...StubOption) *Stub {
	s := &Stub{name: name}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Constructor returns a registry constructor that always yields s.
func (s *Stub) Constructor() Constructor {
	return func(Config) (Adapter, error) { return s, nil }
}

func (s *Stub) Name() string { return s.name }

func (s *Stub) Initialize(context.Context) error { return s.initErr }

func (s *Stub) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges = append(s.charges, req)

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		r := *s.result
		if r.Reference == "" {
			r.Reference = req.Reference
		}
		return &r, nil
	}
	return &ChargeResult{
		Success:       true,
		TransactionID: fmt.Sprintf("%s_txn_%s", s.name, uuid.New().String()[:8]),
		Reference:     req.Reference,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        StatusCompleted,
		Provider:      s.name,
	}, nil
}

func (s *Stub) QueryStatus(ctx context.Context, id string) (*StatusResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, id)

	if s.statusErr != nil {
		return nil, s.statusErr
	}
	if s.status != nil {
		r := *s.status
		return &r, nil
	}
	return &StatusResult{Success: true, Status: StatusPending, ResultDesc: "The transaction is being processed"}, nil
}

func (s *Stub) Refund(ctx context.Context, req RefundRequest) (*ChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &ChargeResult{
		Success:       true,
		TransactionID: fmt.Sprintf("%s_refund_%s", s.name, uuid.New().String()[:8]),
		Reference:     req.Reference,
		Amount:        req.Amount,
		Status:        StatusCompleted,
		Provider:      s.name,
	}, nil
}

func (s *Stub) Payout(ctx context.Context, req PayoutRequest) (*ChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &ChargeResult{
		Success:       true,
		TransactionID: fmt.Sprintf("%s_payout_%s", s.name, uuid.New().String()[:8]),
		Reference:     req.Reference,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        StatusCompleted,
		Provider:      s.name,
	}, nil
}

// Charges returns the charge requests received so far.
func (s *Stub) Charges() []ChargeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChargeRequest(nil), s.charges...)
}

// Queries returns the ids queried so far.
func (s *Stub) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func (s *Stub) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
