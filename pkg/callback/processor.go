package callback

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Processor consumes canonical events. Implementations must tolerate the
// same event arriving more than once.
type Processor interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ev Event) error

func (f ProcessorFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Handlers dispatches events by type. Nil handlers are skipped.
type Handlers struct {
	OnPaymentComplete func(ctx context.Context, ev Event) error
	OnPaymentFailed   func(ctx context.Context, ev Event, cause *ErrorInfo) error
	OnRefundComplete  func(ctx context.Context, ev Event) error
	OnUnknownEvent    func(ctx context.Context, ev Event) error
}

func (h Handlers) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventPaymentComplete:
		if h.OnPaymentComplete != nil {
			return h.OnPaymentComplete(ctx, ev)
		}
	case EventPaymentFailed:
		if h.OnPaymentFailed != nil {
			return h.OnPaymentFailed(ctx, ev, ev.Error)
		}
	case EventRefundComplete:
		if h.OnRefundComplete != nil {
			return h.OnRefundComplete(ctx, ev)
		}
	default:
		if h.OnUnknownEvent != nil {
			return h.OnUnknownEvent(ctx, ev)
		}
	}
	return nil
}

// Received is one event collected by a TestReceiver.
type Received struct {
	Type      EventType
	Event     Event
	Error     *ErrorInfo
	Timestamp time.Time
}

// TestReceiver records every event it is handed. It is meant for tests and
// sandbox wiring.
type TestReceiver struct {
	mu     sync.Mutex
	events []Received
}

func NewTestReceiver() *TestReceiver { return &TestReceiver{} }

// Handlers returns dispatch handlers feeding the receiver.
func (r *TestReceiver) Handlers() Handlers {
	record := func(ev Event, cause *ErrorInfo) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, Received{Type: ev.Type, Event: ev, Error: cause, Timestamp: time.Now()})
	}
	return Handlers{
		OnPaymentComplete: func(_ context.Context, ev Event) error { record(ev, nil); return nil },
		OnPaymentFailed:   func(_ context.Context, ev Event, cause *ErrorInfo) error { record(ev, cause); return nil },
		OnRefundComplete:  func(_ context.Context, ev Event) error { record(ev, nil); return nil },
	}
}

func (r *TestReceiver) HandleEvent(ctx context.Context, ev Event) error {
	return r.Handlers().HandleEvent(ctx, ev)
}

func (r *TestReceiver) Events() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Last returns the most recent event, or false when none arrived.
func (r *TestReceiver) Last() (Received, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Received{}, false
	}
	return r.events[len(r.events)-1], true
}

func (r *TestReceiver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
