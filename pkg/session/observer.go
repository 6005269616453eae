package session

import "github.com/turingfp/micropay/pkg/transaction"

// StatusChange is delivered once per transition, before any resolution
// notification for the same transition.
type StatusChange struct {
	Session *Session
	From    Status
	To      Status
}

// Success is delivered after the session completes.
type Success struct {
	Session     *Session
	Transaction *transaction.Transaction
}

// Failure is delivered after the session fails.
type Failure struct {
	Session *Session
	Err     error
}

// Observer receives session lifecycle notifications.
type Observer interface {
	OnStatusChange(StatusChange)
	OnSuccess(Success)
	OnError(Failure)
	OnCancel(*Session)
}

// ObserverFuncs adapts optional funcs to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StatusChange func(StatusChange)
	Success      func(Success)
	Error        func(Failure)
	Cancel       func(*Session)
}

func (f ObserverFuncs) OnStatusChange(c StatusChange) {
	if f.StatusChange != nil {
		f.StatusChange(c)
	}
}

func (f ObserverFuncs) OnSuccess(s Success) {
	if f.Success != nil {
		f.Success(s)
	}
}

func (f ObserverFuncs) OnError(e Failure) {
	if f.Error != nil {
		f.Error(e)
	}
}

func (f ObserverFuncs) OnCancel(s *Session) {
	if f.Cancel != nil {
		f.Cancel(s)
	}
}
