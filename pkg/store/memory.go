package store

import (
	"context"
	"slices"
	"sync"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/transaction"
)

// MemorySessionStore keeps live sessions in a process-wide map.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

var _ SessionStore = (*MemorySessionStore)(nil)

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*session.Session)}
}

func (m *MemorySessionStore) Save(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string, _ ...session.Observer) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.NewSessionError(id, errors.ErrSessionNotFound)
	}
	return s, nil
}

func (m *MemorySessionStore) FindByTransaction(_ context.Context, ref string, _ ...session.Observer) (*session.Session, error) {
	for _, s := range m.all() {
		id, ext := s.TransactionID()
		if id == "" {
			continue
		}
		if id == ref || ext == ref {
			return s, nil
		}
	}
	return nil, errors.NewTransactionError(ref, errors.ErrTransactionNotFound)
}

// List returns snapshots ordered by creation time.
func (m *MemorySessionStore) List(context.Context) ([]session.Snapshot, error) {
	sessions := m.all()
	out := make([]session.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}

	slices.SortFunc(out, func(a, b session.Snapshot) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// all copies the session pointers out so session methods, which take the
// session's own lock, are never called under the store lock.
func (m *MemorySessionStore) all() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of tracked sessions.
func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// MemoryTransactionStore keeps copies of transactions in a map.
type MemoryTransactionStore struct {
	mu           sync.RWMutex
	transactions map[string]*transaction.Transaction
}

var _ TransactionStore = (*MemoryTransactionStore)(nil)

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{transactions: make(map[string]*transaction.Transaction)}
}

func (m *MemoryTransactionStore) Save(_ context.Context, t *transaction.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[t.ID] = t.Clone()
	return nil
}

func (m *MemoryTransactionStore) Get(_ context.Context, id string) (*transaction.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, errors.NewTransactionError(id, errors.ErrTransactionNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryTransactionStore) FindByExternalID(_ context.Context, externalID string) (*transaction.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transactions {
		if externalID != "" && t.ExternalID == externalID {
			return t.Clone(), nil
		}
	}
	return nil, errors.NewTransactionError(externalID, errors.ErrTransactionNotFound)
}

// List returns copies ordered by creation time.
func (m *MemoryTransactionStore) List(context.Context) ([]*transaction.Transaction, error) {
	m.mu.RLock()
	out := make([]*transaction.Transaction, 0, len(m.transactions))
	for _, t := range m.transactions {
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *transaction.Transaction) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryTransactionStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.transactions)
	return nil
}
