package transaction_test

import (
	"errors"
	"regexp"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/transaction"
)

func newTxn() *transaction.Transaction {
	return transaction.New(transaction.Params{
		SessionID:     "sess_1",
		ProductID:     "premium",
		Amount:        decimal.NewFromInt(50),
		Currency:      "KES",
		CustomerPhone: "254712345678",
		Provider:      "mpesa",
		Metadata:      map[string]any{"plan": "monthly"},
	})
}

func TestNew(t *testing.T) {
	txn := newTxn()

	assert.Regexp(t, regexp.MustCompile(`^txn_[0-9a-z]+_[0-9a-z]{9}$`), txn.ID)
	assert.Equal(t, transaction.StatusCreated, txn.Status)
	assert.Equal(t, "sess_1", txn.SessionID)
	assert.True(t, txn.Amount.Equal(decimal.NewFromInt(50)))
	assert.Nil(t, txn.CompletedAt)
	assert.Nil(t, txn.Error)
	assert.Zero(t, txn.RetryCount)
	assert.True(t, txn.IsPending())
	assert.False(t, txn.IsFinal())
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]struct{})
	for range 200 {
		id := transaction.NewID("sess")
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestComplete(t *testing.T) {
	txn := newTxn()
	txn.MarkProcessing()
	txn.Complete("CHK123")

	assert.Equal(t, transaction.StatusCompleted, txn.Status)
	assert.Equal(t, "CHK123", txn.ExternalID)
	require.NotNil(t, txn.CompletedAt)
	assert.Nil(t, txn.Error)
	assert.True(t, txn.IsFinal())
}

func TestComplete_KeepsAttachedExternalID(t *testing.T) {
	txn := newTxn()
	txn.ExternalID = "pi_1"
	txn.Complete("")

	assert.Equal(t, "pi_1", txn.ExternalID)
}

func TestFail(t *testing.T) {
	txn := newTxn()
	txn.Fail(perrors.NewPaymentError("1032: Request cancelled by user", "1032", txn.ID))

	assert.Equal(t, transaction.StatusFailed, txn.Status)
	require.NotNil(t, txn.Error)
	assert.Equal(t, "1032: Request cancelled by user", txn.Error.Message)
	assert.Equal(t, perrors.CodePayment, txn.Error.Code)
	assert.Nil(t, txn.CompletedAt)
}

func TestFail_PlainError(t *testing.T) {
	txn := newTxn()
	txn.Fail(errors.New("boom"))

	assert.Equal(t, perrors.CodeUnknown, txn.Error.Code)
}

func TestRetry(t *testing.T) {
	txn := newTxn()
	id := txn.ID
	txn.Fail(errors.New("timeout"))

	assert.True(t, txn.CanRetry(3))
	txn.Retry()

	assert.Equal(t, id, txn.ID)
	assert.Equal(t, transaction.StatusPending, txn.Status)
	assert.Equal(t, 1, txn.RetryCount)
	assert.Nil(t, txn.Error)
	assert.False(t, txn.CanRetry(3), "only failed transactions are retryable")
}

func TestCanRetry_Limit(t *testing.T) {
	txn := newTxn()
	for range 3 {
		txn.Fail(errors.New("x"))
		txn.Retry()
	}
	txn.Fail(errors.New("x"))

	assert.False(t, txn.CanRetry(3))
	assert.True(t, txn.CanRetry(4))
}

func TestCancel(t *testing.T) {
	txn := newTxn()
	txn.Cancel()

	assert.Equal(t, transaction.StatusCancelled, txn.Status)
	assert.Nil(t, txn.Error)
	assert.Nil(t, txn.CompletedAt)
	assert.True(t, txn.IsFinal())
}

func TestRefund(t *testing.T) {
	txn := newTxn()
	err := txn.Refund()
	assert.ErrorIs(t, err, perrors.ErrInvalidStateTransition)

	txn.Complete("CHK1")
	require.NoError(t, txn.Refund())
	assert.Equal(t, transaction.StatusRefunded, txn.Status)
}

func TestCompletedAtInvariant(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*transaction.Transaction)
		want  bool
	}{
		{"created", func(*transaction.Transaction) {}, false},
		{"processing", func(t *transaction.Transaction) { t.MarkProcessing() }, false},
		{"completed", func(t *transaction.Transaction) { t.Complete("x") }, true},
		{"failed after complete", func(t *transaction.Transaction) { t.Complete("x"); t.Fail(errors.New("late")) }, false},
		{"cancelled", func(t *transaction.Transaction) { t.Cancel() }, false},
		{"refunded", func(t *transaction.Transaction) { t.Complete("x"); _ = t.Refund() }, true},
		{"refund rejected", func(t *transaction.Transaction) { _ = t.Refund() }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := newTxn()
			tt.apply(txn)
			assert.Equal(t, tt.want, txn.CompletedAt != nil)
			succeeded := txn.Status == transaction.StatusCompleted || txn.Status == transaction.StatusRefunded
			assert.Equal(t, succeeded, txn.CompletedAt != nil)
			assert.Equal(t, txn.Status == transaction.StatusFailed, txn.Error != nil)
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	txn := newTxn()
	txn.Fail(errors.New("x"))

	c := txn.Clone()
	c.Metadata["plan"] = "yearly"
	c.Error.Message = "changed"

	assert.Equal(t, "monthly", txn.Metadata["plan"])
	assert.Equal(t, "x", txn.Error.Message)
	assert.Nil(t, (*transaction.Transaction)(nil).Clone())
}
