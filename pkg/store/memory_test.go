package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/store"
	"github.com/turingfp/micropay/pkg/transaction"
)

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemorySessionStore()
	s := session.New(session.Options{Amount: decimal.NewFromInt(50)})
	require.NoError(t, st.Save(ctx, s))

	got, err := st.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = st.Get(ctx, "sess_missing")
	assert.ErrorIs(t, err, perrors.ErrSessionNotFound)

	require.NoError(t, st.Delete(ctx, s.ID()))
	assert.Zero(t, st.Len())
}

func TestMemorySessionStore_FindByTransaction(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemorySessionStore()
	idle := session.New(session.Options{})
	s := session.New(session.Options{})
	require.NoError(t, s.SetCustomerPhone("254712345678"))
	txn, err := s.StartProcessing("mpesa")
	require.NoError(t, err)
	s.AttachExternalID("ws_CO_1")
	require.NoError(t, st.Save(ctx, idle))
	require.NoError(t, st.Save(ctx, s))

	byID, err := st.FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Same(t, s, byID)

	byExt, err := st.FindByTransaction(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Same(t, s, byExt)

	_, err = st.FindByTransaction(ctx, "")
	assert.ErrorIs(t, err, perrors.ErrTransactionNotFound)

	list, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryTransactionStore_StoresCopies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryTransactionStore()
	txn := transaction.New(transaction.Params{Amount: decimal.NewFromInt(10)})
	require.NoError(t, st.Save(ctx, txn))

	txn.Complete("ext_1")
	got, err := st.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCreated, got.Status)

	require.NoError(t, st.Save(ctx, txn))
	byExt, err := st.FindByExternalID(ctx, "ext_1")
	require.NoError(t, err)
	assert.Equal(t, txn.ID, byExt.ID)

	_, err = st.FindByExternalID(ctx, "")
	assert.ErrorIs(t, err, perrors.ErrTransactionNotFound)

	require.NoError(t, st.Clear(ctx))
	list, err := st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemorySessionStore_LookupsDuringTransitions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemorySessionStore()
	s := session.New(session.Options{
		Amount: decimal.NewFromInt(50),
		Observers: []session.Observer{session.ObserverFuncs{StatusChange: func(c session.StatusChange) {
			_ = st.Save(ctx, c.Session)
		}}},
	})
	require.NoError(t, s.SetCustomerPhone("254712345678"))
	_, err := s.StartProcessing("mpesa")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 500 {
				_, _ = st.FindByTransaction(ctx, "ws_CO_missing")
				_, _ = st.List(ctx)
			}
		}()
		go func() {
			defer wg.Done()
			for range 500 {
				_ = s.AwaitConfirmation()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("lookups and transitions did not finish")
	}

	got, err := st.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingConfirmation, got.Status())
}
