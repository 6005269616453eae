// Package store defines the session and transaction registries the gateway
// is built on, with in-memory defaults.
package store

import (
	"context"

	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/transaction"
)

// SessionStore holds payment sessions.
//
// Observers passed to Get and FindByTransaction are attached only when the
// store rehydrates a session from durable state. Stores that hand out live
// in-process sessions ignore them, since those sessions keep the observers
// they were created with.
type SessionStore interface {
	Save(ctx context.Context, s *session.Session) error
	Get(ctx context.Context, id string, observers ...session.Observer) (*session.Session, error)
	// FindByTransaction resolves a transaction id or external id to its
	// owning session.
	FindByTransaction(ctx context.Context, ref string, observers ...session.Observer) (*session.Session, error)
	List(ctx context.Context) ([]session.Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// TransactionStore holds standalone transactions. Implementations store and
// return copies.
type TransactionStore interface {
	Save(ctx context.Context, t *transaction.Transaction) error
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
	FindByExternalID(ctx context.Context, externalID string) (*transaction.Transaction, error)
	List(ctx context.Context) ([]*transaction.Transaction, error)
	Clear(ctx context.Context) error
}
