package redis

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turingfp/micropay/pkg/callback"
	"github.com/turingfp/micropay/pkg/session"
)

func TestKeyspace(t *testing.T) {
	assert.Equal(t, "micropay:session:s1", Keyspace("micropay").key("session", "s1"))
	assert.Equal(t, "session:s1", Keyspace("").key("session", "s1"))

	lock := NewDistributedLock(nil, Keyspace("micropay"), "reconcile", time.Second)
	assert.Equal(t, "micropay:lock:reconcile", lock.Key())
	assert.False(t, lock.IsAcquired())
}

func TestSessionStore_Keys(t *testing.T) {
	s := NewSessionStore(nil, Keyspace("mp"))

	assert.Equal(t, "mp:session:sess_1", s.sessionKey("sess_1"))
	assert.Equal(t, "mp:session:txn:ws_CO_1", s.refKey("ws_CO_1"))
	assert.Equal(t, "mp:sessions", s.indexKey())

	idem := NewIdempotencyStore(nil, Keyspace("mp"))
	assert.Equal(t, "mp:idem:m1:key", idem.Key("m1:key"))
}

func TestSessionStore_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewSessionStore(nil, Keyspace("mp"), WithRetention(time.Hour))
	s.now = func() time.Time { return now }

	assert.Equal(t, 70*time.Minute, s.TTL(session.Snapshot{ExpiresAt: now.Add(10 * time.Minute)}))
	assert.Equal(t, time.Minute, s.TTL(session.Snapshot{ExpiresAt: now.Add(-2 * time.Hour)}), "floor")
}

func TestSnapshotRoundTrip(t *testing.T) {
	sess := session.New(session.Options{
		ProductID: "premium",
		Amount:    decimal.RequireFromString("49.50"),
		Currency:  "KES",
		Metadata:  map[string]any{"plan": "monthly"},
	})
	require.NoError(t, sess.SetCustomerPhone("254712345678"))
	_, err := sess.StartProcessing("mpesa")
	require.NoError(t, err)
	sess.AttachExternalID("ws_CO_1")

	raw, err := EncodeSnapshot(sess.Snapshot())
	require.NoError(t, err)
	snap, err := DecodeSnapshot(raw)
	require.NoError(t, err)

	restored := session.Restore(snap)
	assert.Equal(t, sess.ID(), restored.ID())
	assert.Equal(t, session.StatusProcessing, restored.Status())
	assert.True(t, restored.Amount().Equal(decimal.RequireFromString("49.50")))
	id, ext := restored.TransactionID()
	wantID, _ := sess.TransactionID()
	assert.Equal(t, wantID, id)
	assert.Equal(t, "ws_CO_1", ext)
	assert.Equal(t, "monthly", restored.Metadata()["plan"])
}

func TestDecodeSnapshot_Invalid(t *testing.T) {
	_, err := DecodeSnapshot([]byte("{"))
	assert.Error(t, err)
}

func TestEventEncoding(t *testing.T) {
	amount := decimal.NewFromInt(50)
	ev := callback.Event{
		Type:          callback.EventPaymentComplete,
		TransactionID: "ws_CO_1",
		Amount:        &amount,
		ReceiptNumber: "NLJ7RT61SV",
		ReceivedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	values, err := encodeEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, "payment.complete", values[fieldType])
	assert.Equal(t, "ws_CO_1", values[fieldTxn])

	msg := DecodeMessage(redis.XMessage{ID: "1-0", Values: values})
	require.NoError(t, msg.Err)
	assert.Equal(t, "1-0", msg.ID)
	assert.Equal(t, ev.TransactionID, msg.Event.TransactionID)
	assert.Equal(t, ev.ReceiptNumber, msg.Event.ReceiptNumber)
	assert.True(t, msg.Event.Amount.Equal(amount))
}

func TestDecodeMessage_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{"missing field", map[string]any{"other": "x"}},
		{"bad json", map[string]any{fieldEvent: "{"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := DecodeMessage(redis.XMessage{ID: "2-0", Values: tt.values})
			assert.Error(t, msg.Err)
		})
	}
}
