package testutil

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/transaction"
)

// TestPhone is a valid Kenyan number in national format.
const TestPhone = "0712345678"

func NewTestSession(amount int64) *session.Session {
	return session.New(session.Options{
		ProductID: "premium",
		Amount:    decimal.NewFromInt(amount),
		Currency:  "KES",
	})
}

// NewAwaitingSession returns a session whose transaction was dispatched
// with externalID.
func NewAwaitingSession(amount int64, externalID string) (*session.Session, error) {
	s := NewTestSession(amount)
	if err := s.SetCustomerPhone("254712345678"); err != nil {
		return nil, err
	}
	if _, err := s.StartProcessing("mpesa"); err != nil {
		return nil, err
	}
	if err := s.AwaitConfirmation(); err != nil {
		return nil, err
	}
	s.AttachExternalID(externalID)
	return s, nil
}

func NewTestTransaction(amount int64) *transaction.Transaction {
	return transaction.New(transaction.Params{
		Amount:        decimal.NewFromInt(amount),
		Currency:      "KES",
		CustomerPhone: "254712345678",
		Provider:      "mpesa",
		Reference:     "ORDER-1",
	})
}

// STKCallback builds a Daraja STK callback body.
func STKCallback(checkoutRequestID string, resultCode int, desc string) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":%q}}}`,
		checkoutRequestID, resultCode, desc))
}
