package gateway_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turingfp/micropay/internal/testutil"
	"github.com/turingfp/micropay/pkg/callback"
	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/gateway"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/transaction"
	"github.com/turingfp/micropay/pkg/txmanager"
)

func chargeRequest() txmanager.PaymentRequest {
	return txmanager.PaymentRequest{
		CustomerPhone: testutil.TestPhone,
		Amount:        decimal.NewFromInt(100),
		Reference:     "ORDER-1",
		Description:   "Top-up",
	}
}

func TestCharge_Success(t *testing.T) {
	stub := provider.NewStub("mpesa")
	g := newDirect(t, stub)
	var events []string
	g.On(gateway.EventPaymentSuccess, func(gateway.Event) { events = append(events, gateway.EventPaymentSuccess) })
	g.On(gateway.EventPaymentFailed, func(gateway.Event) { events = append(events, gateway.EventPaymentFailed) })

	res, err := g.Charge(context.Background(), chargeRequest())

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, transaction.StatusCompleted, res.Transaction.Status)
	assert.Equal(t, "KES", res.Transaction.Currency)
	assert.Equal(t, "254712345678", res.Transaction.CustomerPhone)
	assert.Equal(t, res.Result.TransactionID, res.Transaction.ExternalID)
	assert.Equal(t, []string{gateway.EventPaymentSuccess}, events)

	charges := stub.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, res.Transaction.ID, charges[0].TransactionReference)
}

func TestCharge_InvalidRequestCreatesNothing(t *testing.T) {
	stub := provider.NewStub("mpesa")
	g := newDirect(t, stub)
	req := chargeRequest()
	req.CustomerPhone = "123"
	req.Amount = decimal.NewFromInt(-5)

	_, err := g.Charge(context.Background(), req)

	var ve *perrors.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Fields, 2)
	assert.Equal(t, "customerPhone", ve.Fields[0].Field)
	assert.Equal(t, "amount", ve.Fields[1].Field)

	all, err := g.Transactions().All(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, stub.Charges())
}

func TestCharge_RetriesThenFails(t *testing.T) {
	netErr := &perrors.NetworkError{Message: "connection refused"}
	stub := provider.NewStub("mpesa", provider.WithError(netErr))
	g := newDirect(t, stub)
	var failed *transaction.Transaction
	g.On(gateway.EventPaymentFailed, func(e gateway.Event) { failed = e.Transaction })

	res, err := g.Charge(context.Background(), chargeRequest())

	assert.Nil(t, res)
	var pe *perrors.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Payment failed: connection refused", pe.Message)
	assert.ErrorIs(t, err, netErr)
	assert.Len(t, stub.Charges(), 3, "MaxRetries 2 allows three attempts")

	require.NotNil(t, failed)
	stored, err := g.Transactions().Get(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
}

func TestCharge_PaymentErrorNotRetried(t *testing.T) {
	stub := provider.NewStub("mpesa", provider.WithError(perrors.NewPaymentError("Insufficient funds", "1", "")))
	g := newDirect(t, stub)

	_, err := g.Charge(context.Background(), chargeRequest())

	require.Error(t, err)
	assert.Len(t, stub.Charges(), 1)
}

func TestCharge_RejectedResult(t *testing.T) {
	stub := provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success:         false,
		ProviderCode:    "2001",
		ProviderMessage: "The initiator information is invalid.",
	}))
	g := newDirect(t, stub)

	res, err := g.Charge(context.Background(), chargeRequest())

	var pe *perrors.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "2001", pe.ProviderCode)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, transaction.StatusFailed, res.Transaction.Status)
	assert.Equal(t, "The initiator information is invalid.", res.Transaction.Error.Message)
}

func TestCharge_PendingResolvedByCallback(t *testing.T) {
	stub := provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success: true, TransactionID: "ws_CO_77", Status: provider.StatusPending,
	}))
	g := newDirect(t, stub)

	res, err := g.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPending, res.Transaction.Status)

	pending, err := g.PendingTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ev, err := callback.Parse(testutil.STKCallback("ws_CO_77", 0, "ok"))
	require.NoError(t, err)
	require.NoError(t, g.HandleEvent(context.Background(), ev))

	txn, err := g.GetTransaction(context.Background(), "ws_CO_77")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, txn.Status)
}

func TestCharge_RequiresAdapter(t *testing.T) {
	g, err := gateway.New(gateway.Config{PublicKey: "pk_test"}, gateway.WithPlatformClient(testutil.NewMockPlatformAPI()))
	require.NoError(t, err)

	_, err = g.Charge(context.Background(), chargeRequest())

	var cfgErr *perrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"credentials"}, cfgErr.MissingKeys)
}

func TestRefund(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa"))
	var refunded []gateway.Event
	g.On(gateway.EventRefundSuccess, func(e gateway.Event) { refunded = append(refunded, e) })
	res, err := g.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)

	out, err := g.Refund(context.Background(), provider.RefundRequest{TransactionID: res.Transaction.ExternalID})

	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.True(t, out.Amount.Equal(decimal.NewFromInt(100)), "zero amount refunds in full")
	require.Len(t, refunded, 1)
	assert.Equal(t, transaction.StatusRefunded, refunded[0].Transaction.Status)

	_, err = g.Refund(context.Background(), provider.RefundRequest{TransactionID: res.Transaction.ID})
	assert.ErrorIs(t, err, perrors.ErrInvalidStateTransition)
}

func TestRefund_CallbackMarksRefunded(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa"))
	res, err := g.Charge(context.Background(), chargeRequest())
	require.NoError(t, err)

	ev := callback.Event{Type: callback.EventRefundComplete, TransactionID: res.Transaction.ExternalID}
	require.NoError(t, g.HandleEvent(context.Background(), ev))
	require.NoError(t, g.HandleEvent(context.Background(), ev))

	txn, err := g.Transactions().Get(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRefunded, txn.Status)
}

func TestRefund_UnknownTransaction(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa"))

	_, err := g.Refund(context.Background(), provider.RefundRequest{TransactionID: "nope"})

	assert.ErrorIs(t, err, perrors.ErrTransactionNotFound)
}

func TestPayout(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa"))
	var ok int
	g.On(gateway.EventPayoutSuccess, func(gateway.Event) { ok++ })

	res, err := g.Payout(context.Background(), provider.PayoutRequest{
		CustomerPhone: "+254712345678",
		Amount:        decimal.NewFromInt(250),
		Reference:     "PAYOUT-1",
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "KES", res.Currency)
	assert.Equal(t, 1, ok)
}

func TestPayout_Validation(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa"))

	tests := []struct {
		name  string
		req   provider.PayoutRequest
		field string
	}{
		{"bad phone", provider.PayoutRequest{CustomerPhone: "12", Amount: decimal.NewFromInt(1)}, "customerPhone"},
		{"zero amount", provider.PayoutRequest{CustomerPhone: testutil.TestPhone}, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Payout(context.Background(), tt.req)

			var ve *perrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestQueryStatus(t *testing.T) {
	stub := provider.NewStub("mpesa")
	g := newDirect(t, stub)

	res, err := g.QueryStatus(context.Background(), "ws_CO_1")

	require.NoError(t, err)
	assert.Equal(t, provider.StatusPending, res.Status)
	assert.Equal(t, []string{"ws_CO_1"}, stub.Queries())
}
