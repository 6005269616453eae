//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	infraRedis "github.com/turingfp/micropay/internal/infrastructure/redis"
	"github.com/turingfp/micropay/pkg/callback"
	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/gateway"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/transaction"
)

func startRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	addr, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSessionStore_Integration(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	st := infraRedis.NewSessionStore(client, infraRedis.Keyspace("it"))

	sess := session.New(session.Options{ProductID: "premium", Amount: decimal.NewFromInt(50)})
	require.NoError(t, sess.SetCustomerPhone("254712345678"))
	txn, err := sess.StartProcessing("mpesa")
	require.NoError(t, err)
	sess.AttachExternalID("ws_CO_9")
	require.NoError(t, st.Save(ctx, sess))

	var changes []session.Status
	obs := session.ObserverFuncs{StatusChange: func(c session.StatusChange) { changes = append(changes, c.To) }}

	got, err := st.FindByTransaction(ctx, "ws_CO_9", obs)
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), got.ID())
	require.NoError(t, got.Complete(""))
	assert.Equal(t, []session.Status{session.StatusCompleted}, changes)
	require.NoError(t, st.Save(ctx, got))

	byTxn, err := st.FindByTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, byTxn.Status())

	snaps, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	require.NoError(t, st.Delete(ctx, sess.ID()))
	_, err = st.Get(ctx, sess.ID())
	assert.ErrorIs(t, err, perrors.ErrSessionNotFound)
	_, err = st.FindByTransaction(ctx, "ws_CO_9")
	assert.ErrorIs(t, err, perrors.ErrTransactionNotFound)
}

func TestSessionStore_RefusesToOverwriteResolvedSession(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	st := infraRedis.NewSessionStore(client, infraRedis.Keyspace("it"))

	sess := session.New(session.Options{ProductID: "premium", Amount: decimal.NewFromInt(50)})
	require.NoError(t, sess.SetCustomerPhone("254712345678"))
	_, err := sess.StartProcessing("mpesa")
	require.NoError(t, err)
	require.NoError(t, sess.AwaitConfirmation())
	require.NoError(t, st.Save(ctx, sess))

	a, err := st.Get(ctx, sess.ID())
	require.NoError(t, err)
	b, err := st.Get(ctx, sess.ID())
	require.NoError(t, err)

	require.NoError(t, b.Cancel())
	require.NoError(t, st.Save(ctx, b))
	require.NoError(t, st.Save(ctx, b), "same status again")

	require.NoError(t, a.Complete("ws_CO_1"))
	err = st.Save(ctx, a)
	assert.ErrorIs(t, err, perrors.ErrConflictingResolution)

	got, err := st.Get(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, got.Status())
}

func TestGateway_CancelDuringChargeOverRedis(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	st := infraRedis.NewSessionStore(client, infraRedis.Keyspace("it"))

	stub := provider.NewStub("mpesa", provider.WithLatency(200*time.Millisecond))
	g, err := gateway.New(gateway.Config{Country: "KE", Currency: "KES"},
		gateway.WithAdapter(stub), gateway.WithSessionStore(st))
	require.NoError(t, err)

	sess, err := g.CreateSession(ctx, gateway.SessionOptions{ProductID: "premium", Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := g.ProcessPayment(ctx, sess.ID(), "0712345678")
		errc <- err
	}()
	require.Eventually(t, func() bool {
		got, err := st.Get(ctx, sess.ID())
		return err == nil && got.Status() == session.StatusAwaitingConfirmation
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, g.CancelSession(ctx, sess.ID()))

	assert.ErrorIs(t, <-errc, perrors.ErrConflictingResolution)
	got, err := st.Get(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, got.Status())
}

func TestTransactionStore_Integration(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	st := infraRedis.NewTransactionStore(client, infraRedis.Keyspace("it"))

	txn := transaction.New(transaction.Params{Amount: decimal.NewFromInt(10), Currency: "KES"})
	txn.ExternalID = "ws_CO_1"
	require.NoError(t, st.Save(ctx, txn))

	got, err := st.FindByExternalID(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, txn.ID, got.ID)

	all, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, st.Clear(ctx))
	_, err = st.Get(ctx, txn.ID)
	assert.ErrorIs(t, err, perrors.ErrTransactionNotFound)
}

func TestLockAndStream_Integration(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	ks := infraRedis.Keyspace("it")

	a := infraRedis.NewDistributedLock(client, ks, "reconcile", 5*time.Second)
	b := infraRedis.NewDistributedLock(client, ks, "reconcile", 5*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Extend(ctx, 10*time.Second))
	ran, err := b.RunLocked(ctx, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ran)
	require.NoError(t, a.Release(ctx))

	producer := infraRedis.NewCallbackProducer(client, ks, "callbacks")
	consumer := infraRedis.NewCallbackConsumer(client, ks, "callbacks", "group", "c1", 10, 100*time.Millisecond)
	require.NoError(t, consumer.CreateGroup(ctx))
	require.NoError(t, consumer.CreateGroup(ctx), "idempotent")

	_, err = producer.Publish(ctx, callback.Event{Type: callback.EventPaymentComplete, TransactionID: "ws_CO_1"})
	require.NoError(t, err)

	msgs, err := consumer.Read(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ws_CO_1", msgs[0].Event.TransactionID)
	require.NoError(t, consumer.Ack(ctx, msgs[0].ID))
}

func TestIdempotencyStore_Integration(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	st := infraRedis.NewIdempotencyStore(client, infraRedis.Keyspace("it"))

	_, _, found, err := st.Lookup(ctx, "m1:key")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, st.Remember(ctx, "m1:key", 201, []byte(`{"id":"sess_1"}`), time.Minute))
	status, body, found, err := st.Lookup(ctx, "m1:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 201, status)
	assert.Equal(t, `{"id":"sess_1"}`, string(body))

	ttl, err := client.TTL(ctx, st.Key("m1:key")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
