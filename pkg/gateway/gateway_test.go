package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turingfp/micropay/internal/testutil"
	"github.com/turingfp/micropay/pkg/callback"
	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/gateway"
	"github.com/turingfp/micropay/pkg/platform"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/retry"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/transaction"
	"github.com/turingfp/micropay/pkg/txmanager"
)

func fastConfig() gateway.Config {
	return gateway.Config{
		Country:      "KE",
		Currency:     "KES",
		Retry:        retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2},
		Transactions: txmanager.Config{MaxRetries: 2, RetryDelay: time.Millisecond, BackoffMultiplier: 2},
	}
}

func newDirect(t *testing.T, stub *provider.Stub, opts ...gateway.Option) *gateway.Gateway {
	t.Helper()
	g, err := gateway.New(fastConfig(), append([]gateway.Option{gateway.WithAdapter(stub)}, opts...)...)
	require.NoError(t, err)
	require.Equal(t, gateway.ModeDirect, g.Mode())
	return g
}

func newPlatform(t *testing.T, api *testutil.MockPlatformAPI) *gateway.Gateway {
	t.Helper()
	cfg := fastConfig()
	cfg.PublicKey = "pk_test_1"
	g, err := gateway.New(cfg, gateway.WithPlatformClient(api))
	require.NoError(t, err)
	require.Equal(t, gateway.ModePlatform, g.Mode())
	return g
}

func createSession(t *testing.T, g *gateway.Gateway, opts ...session.Observer) *session.Session {
	t.Helper()
	s, err := g.CreateSession(context.Background(), gateway.SessionOptions{
		ProductID: "premium",
		Amount:    decimal.NewFromInt(50),
		Currency:  "KES",
		Observers: opts,
	})
	require.NoError(t, err)
	return s
}

func TestNew_RequiresKeyOrCredentials(t *testing.T) {
	_, err := gateway.New(gateway.Config{})

	var cfgErr *perrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ElementsMatch(t, []string{"publicKey", "credentials"}, cfgErr.MissingKeys)
}

func TestNew_UnknownProviderFailsFast(t *testing.T) {
	_, err := gateway.New(gateway.Config{
		Provider:    "airtel",
		Credentials: map[string]string{"consumerKey": "k"},
	})

	assert.ErrorIs(t, err, perrors.ErrUnknownProvider)
}

func TestNew_ModeSelection(t *testing.T) {
	g, err := gateway.New(gateway.Config{Passthrough: true})
	require.NoError(t, err)
	assert.Equal(t, gateway.ModeMock, g.Mode())

	g, err = gateway.New(gateway.Config{PublicKey: "pk_test"})
	require.NoError(t, err)
	assert.Equal(t, gateway.ModePlatform, g.Mode())

	g, err = gateway.New(gateway.Config{PublicKey: "pk_test", Credentials: map[string]string{
		"consumerKey": "k", "consumerSecret": "s", "shortcode": "174379", "passkey": "p",
	}})
	require.NoError(t, err)
	assert.Equal(t, gateway.ModeDirect, g.Mode())
}

func TestProcessPayment_DirectCompletes(t *testing.T) {
	stub := provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success:       true,
		TransactionID: "CHK123",
		Status:        provider.StatusCompleted,
	}))
	g := newDirect(t, stub)
	s := createSession(t, g)

	res, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.PendingConfirmation)
	assert.Equal(t, session.StatusCompleted, s.Status())
	assert.Equal(t, session.StatusCompleted, res.Session.Status)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, transaction.StatusCompleted, res.Transaction.Status)
	assert.Equal(t, "CHK123", res.Transaction.ExternalID)
	assert.NotNil(t, res.Transaction.CompletedAt)

	charges := stub.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, "254712345678", charges[0].CustomerPhone)
	assert.Equal(t, "premium", charges[0].Reference)
	assert.Equal(t, res.Transaction.ID, charges[0].TransactionReference)
	assert.True(t, charges[0].Amount.Equal(decimal.NewFromInt(50)))
}

func TestProcessPayment_InvalidPhone(t *testing.T) {
	stub := provider.NewStub("mpesa")
	g := newDirect(t, stub)
	s := createSession(t, g)

	res, err := g.ProcessPayment(context.Background(), s.ID(), "123")

	assert.Nil(t, res)
	var ve *perrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "customerPhone", ve.Field)
	assert.Equal(t, session.StatusCollectingInfo, s.Status())
	assert.Nil(t, s.Transaction())
	assert.Empty(t, stub.Charges())
}

func TestProcessPayment_ProviderErrorFailsSession(t *testing.T) {
	cause := perrors.NewProviderError("M-Pesa request failed", "mpesa", errors.New("connection reset"))
	stub := provider.NewStub("mpesa", provider.WithError(cause))
	var failures []session.Failure
	g := newDirect(t, stub)
	s := createSession(t, g, session.ObserverFuncs{Error: func(f session.Failure) { failures = append(failures, f) }})

	res, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	assert.Nil(t, res)
	var pe *perrors.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, session.StatusFailed, s.Status())
	txn := s.Transaction()
	require.NotNil(t, txn)
	assert.Equal(t, transaction.StatusFailed, txn.Status)
	assert.Equal(t, "M-Pesa request failed", txn.Error.Message)
	require.Len(t, failures, 1)
	assert.Len(t, stub.Charges(), 1, "provider errors are not transient")
}

func TestProcessPayment_RejectionReturnsResultAndError(t *testing.T) {
	stub := provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success:         false,
		ProviderCode:    "1",
		ProviderMessage: "Insufficient funds",
	}))
	g := newDirect(t, stub)
	s := createSession(t, g)

	res, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	var pe *perrors.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "1", pe.ProviderCode)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, session.StatusFailed, res.Session.Status)
	assert.Equal(t, "Insufficient funds", res.Transaction.Error.Message)
}

func TestProcessPayment_RetriesTransientFailures(t *testing.T) {
	stub := provider.NewStub("mpesa",
		provider.WithFailures(&perrors.NetworkError{Message: "bad gateway", StatusCode: 502}),
		provider.WithResult(provider.ChargeResult{Success: true, TransactionID: "CHK9", Status: provider.StatusCompleted}),
	)
	g := newDirect(t, stub)
	s := createSession(t, g)

	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	require.NoError(t, err)
	assert.Len(t, stub.Charges(), 2)
	assert.Equal(t, session.StatusCompleted, s.Status())
}

func TestProcessPayment_AuthFailureNotRetried(t *testing.T) {
	auth := perrors.NewProviderError("Auth Error: Auth failed: 401", "mpesa",
		&perrors.NetworkError{Message: "Auth failed: 401", StatusCode: 401})
	stub := provider.NewStub("mpesa", provider.WithError(auth))
	g := newDirect(t, stub)
	s := createSession(t, g)

	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	require.Error(t, err)
	assert.Len(t, stub.Charges(), 1)
	assert.Equal(t, session.StatusFailed, s.Status())
}

func TestProcessPayment_PendingThenCallback(t *testing.T) {
	stub := provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success:       true,
		TransactionID: "ws_CO_1",
		Status:        provider.StatusPending,
	}))
	var successes int
	g := newDirect(t, stub)
	s := createSession(t, g, session.ObserverFuncs{Success: func(session.Success) { successes++ }})

	res, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)
	require.NoError(t, err)
	assert.True(t, res.PendingConfirmation)
	assert.Equal(t, session.StatusAwaitingConfirmation, s.Status())

	ev, err := callback.Parse(testutil.STKCallback("ws_CO_1", 0, "The service request is processed successfully."))
	require.NoError(t, err)
	require.NoError(t, g.HandleEvent(context.Background(), ev))
	require.NoError(t, g.HandleEvent(context.Background(), ev), "repeated delivery")

	assert.Equal(t, session.StatusCompleted, s.Status())
	assert.Equal(t, "ws_CO_1", s.Transaction().ExternalID)
	assert.Equal(t, 1, successes)
}

func TestHandleEvent_ConflictingLateFailureIgnored(t *testing.T) {
	stub := provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success: true, TransactionID: "ws_CO_2", Status: provider.StatusCompleted,
	}))
	g := newDirect(t, stub)
	s := createSession(t, g)
	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)
	require.NoError(t, err)

	ev, err := callback.Parse(testutil.STKCallback("ws_CO_2", 1032, "Request cancelled by user"))
	require.NoError(t, err)

	require.NoError(t, g.HandleEvent(context.Background(), ev))
	assert.Equal(t, session.StatusCompleted, s.Status())
	assert.Nil(t, s.Transaction().Error)
}

func TestHandleEvent_AfterCancel(t *testing.T) {
	stub := provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success: true, TransactionID: "ws_CO_3", Status: provider.StatusPending,
	}))
	g := newDirect(t, stub)
	s := createSession(t, g)
	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)
	require.NoError(t, err)

	require.NoError(t, g.CancelSession(context.Background(), s.ID()))
	require.NoError(t, g.CancelSession(context.Background(), s.ID()), "cancel is idempotent")

	ev, err := callback.Parse(testutil.STKCallback("ws_CO_3", 0, "ok"))
	require.NoError(t, err)
	require.NoError(t, g.HandleEvent(context.Background(), ev))

	assert.Equal(t, session.StatusCancelled, s.Status())
	assert.Equal(t, transaction.StatusCancelled, s.Transaction().Status)
}

func TestHandleEvent_UnknownTransaction(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa"))

	err := g.HandleEvent(context.Background(), callback.Event{Type: callback.EventPaymentComplete, TransactionID: "ws_CO_missing"})

	assert.ErrorIs(t, err, perrors.ErrTransactionNotFound)
}

func TestProcessPayment_SecondCallRejected(t *testing.T) {
	stub := provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success: true, TransactionID: "ws_CO_4", Status: provider.StatusPending,
	}))
	g := newDirect(t, stub)
	s := createSession(t, g)
	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)
	require.NoError(t, err)

	_, err = g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	assert.ErrorIs(t, err, perrors.ErrTransactionExists)
	assert.Equal(t, session.StatusAwaitingConfirmation, s.Status())
	assert.Len(t, stub.Charges(), 1)
}

func TestProcessPayment_UnknownSession(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa"))

	_, err := g.ProcessPayment(context.Background(), "sess_missing", testutil.TestPhone)

	assert.ErrorIs(t, err, perrors.ErrSessionNotFound)
	assert.Equal(t, perrors.CodeSession, perrors.CodeOf(err))
}

func TestProcessPayment_InitializeFailure(t *testing.T) {
	initErr := perrors.NewConfigurationError("Missing M-Pesa credentials: passkey", "passkey")
	g := newDirect(t, provider.NewStub("mpesa", provider.WithInitError(initErr)))
	s := createSession(t, g)

	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	var cfgErr *perrors.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, session.StatusIdle, s.Status())
}

func TestProcessPayment_PlatformPendingThenStatus(t *testing.T) {
	api := testutil.NewMockPlatformAPI()
	g := newPlatform(t, api)
	s := createSession(t, g)

	res, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.PendingConfirmation)
	require.NotNil(t, res.Intent)
	assert.Equal(t, session.StatusAwaitingConfirmation, s.Status())
	intentID, secret := s.Intent()
	assert.Equal(t, res.Intent.ID, intentID)
	assert.NotEmpty(t, secret)
	assert.Equal(t, intentID, s.Transaction().ExternalID)

	api.SetStatus(intentID, platform.IntentCompleted, "")
	view, err := g.GetTransactionStatus(context.Background(), intentID)

	require.NoError(t, err)
	assert.True(t, view.IsCompleted())
	assert.Equal(t, session.StatusCompleted, s.Status())
	assert.Equal(t, []string{"create", "confirm", "status"}, api.Calls())
}

func TestProcessPayment_PlatformImmediateSuccess(t *testing.T) {
	api := testutil.NewMockPlatformAPI()
	api.ConfirmStatus = platform.IntentSucceeded
	g := newPlatform(t, api)
	s := createSession(t, g)

	res, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	require.NoError(t, err)
	assert.False(t, res.PendingConfirmation)
	assert.Equal(t, session.StatusCompleted, s.Status())
}

func TestProcessPayment_PlatformConfirmFailed(t *testing.T) {
	api := testutil.NewMockPlatformAPI()
	api.ConfirmPaymentIntentFunc = func(_ context.Context, id string, _ platform.ConfirmParams) (*platform.Intent, error) {
		return &platform.Intent{ID: id, Status: platform.IntentFailed, Metadata: map[string]any{"last_error": "Insufficient funds"}}, nil
	}
	g := newPlatform(t, api)
	s := createSession(t, g)

	res, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	var pe *perrors.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "Insufficient funds", pe.Message)
	require.NotNil(t, res)
	assert.Equal(t, session.StatusFailed, s.Status())
	assert.Equal(t, "Insufficient funds", s.Transaction().Error.Message)
}

func TestProcessPayment_PlatformReusesIntent(t *testing.T) {
	api := testutil.NewMockPlatformAPI()
	var confirmedWith string
	api.ConfirmPaymentIntentFunc = func(_ context.Context, id string, p platform.ConfirmParams) (*platform.Intent, error) {
		confirmedWith = p.ClientSecret
		return &platform.Intent{ID: id, Status: platform.IntentProcessing}, nil
	}
	g := newPlatform(t, api)
	s, err := g.CreateSession(context.Background(), gateway.SessionOptions{
		Amount:       decimal.NewFromInt(20),
		IntentID:     "pi_existing",
		ClientSecret: "pi_existing_secret",
	})
	require.NoError(t, err)

	_, err = g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	require.NoError(t, err)
	assert.Equal(t, []string{"confirm"}, api.Calls())
	assert.Equal(t, "pi_existing_secret", confirmedWith)
}

func TestGetTransactionStatus_PlatformFailure(t *testing.T) {
	api := testutil.NewMockPlatformAPI()
	g := newPlatform(t, api)
	s := createSession(t, g)
	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)
	require.NoError(t, err)
	intentID, _ := s.Intent()

	api.SetStatus(intentID, platform.IntentFailed, "Request cancelled by user")
	txnID, _ := s.TransactionID()
	view, err := g.GetTransactionStatus(context.Background(), txnID)

	require.Error(t, err, "the local transaction id is unknown upstream")
	assert.Nil(t, view)

	view, err = g.GetTransactionStatus(context.Background(), intentID)
	require.NoError(t, err)
	assert.True(t, view.IsFailed())
	assert.Equal(t, session.StatusFailed, s.Status())
	assert.Equal(t, "Request cancelled by user", s.Transaction().Error.Message)
}

func TestGetTransactionStatus_WithoutLocalState(t *testing.T) {
	api := testutil.NewMockPlatformAPI()
	api.SetStatus("pi_other_process", platform.IntentCompleted, "")
	g := newPlatform(t, api)

	view, err := g.GetTransactionStatus(context.Background(), "pi_other_process")

	require.NoError(t, err)
	assert.True(t, view.IsCompleted())
}

func TestGetTransactionStatus_DirectQueriesProvider(t *testing.T) {
	stub := provider.NewStub("mpesa",
		provider.WithResult(provider.ChargeResult{Success: true, TransactionID: "ws_CO_5", Status: provider.StatusPending}),
		provider.WithStatus(provider.StatusResult{Success: true, Status: provider.StatusSucceeded, ResultCode: "0"}),
	)
	g := newDirect(t, stub)
	s := createSession(t, g)
	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)
	require.NoError(t, err)
	txnID, _ := s.TransactionID()

	view, err := g.Reconcile(context.Background(), txnID)

	require.NoError(t, err)
	assert.True(t, view.IsCompleted())
	assert.Equal(t, []string{"ws_CO_5"}, stub.Queries())
	assert.Equal(t, session.StatusCompleted, s.Status())
}

func TestPollPaymentStatus(t *testing.T) {
	api := testutil.NewMockPlatformAPI()
	var mu sync.Mutex
	polls := 0
	api.GetStatusFunc = func(_ context.Context, id string) (*platform.TransactionView, error) {
		mu.Lock()
		defer mu.Unlock()
		polls++
		status := platform.IntentProcessing
		if polls == 3 {
			status = platform.IntentCompleted
		}
		return &platform.TransactionView{ID: id, Status: status}, nil
	}
	g := newPlatform(t, api)

	view, err := g.PollPaymentStatus(context.Background(), "pi_1", gateway.PollOptions{MaxAttempts: 5, Interval: time.Millisecond})

	require.NoError(t, err)
	assert.True(t, view.IsCompleted())
	assert.Equal(t, 3, polls)
}

func TestPollPaymentStatus_Exhausted(t *testing.T) {
	api := testutil.NewMockPlatformAPI()
	api.GetStatusFunc = func(_ context.Context, id string) (*platform.TransactionView, error) {
		return &platform.TransactionView{ID: id, Status: platform.IntentProcessing}, nil
	}
	g := newPlatform(t, api)

	view, err := g.PollPaymentStatus(context.Background(), "pi_1", gateway.PollOptions{MaxAttempts: 2, Interval: time.Millisecond})

	assert.ErrorIs(t, err, gateway.ErrStillPending)
	require.NotNil(t, view)
	assert.Equal(t, platform.IntentProcessing, view.Status)
}

func TestProcessPayment_MockMode(t *testing.T) {
	g, err := gateway.New(gateway.Config{Passthrough: true})
	require.NoError(t, err)
	s := createSession(t, g)

	res, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.PendingConfirmation)
	assert.Equal(t, session.StatusAwaitingConfirmation, s.Status())

	txnID, _ := s.TransactionID()
	view, err := g.GetTransactionStatus(context.Background(), txnID)
	require.NoError(t, err)
	assert.Equal(t, platform.IntentProcessing, view.Status)
}

func TestSessionUpdatesInOrder(t *testing.T) {
	var statuses []session.Status
	cfg := fastConfig()
	cfg.OnSessionUpdate = func(s session.Snapshot) { statuses = append(statuses, s.Status) }
	stub := provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success: true, TransactionID: "CHK1", Status: provider.StatusCompleted,
	}))
	g, err := gateway.New(cfg, gateway.WithAdapter(stub))
	require.NoError(t, err)
	s := createSession(t, g)

	_, err = g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)

	require.NoError(t, err)
	assert.Equal(t, []session.Status{
		session.StatusCollectingInfo,
		session.StatusProcessing,
		session.StatusAwaitingConfirmation,
		session.StatusCompleted,
	}, statuses)
}

func TestCreateSession_Validation(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa"))

	_, err := g.CreateSession(context.Background(), gateway.SessionOptions{Amount: decimal.Zero})

	var ve *perrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Field)
}

func TestCancelSession_CompletedRejected(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa"))
	s := createSession(t, g)
	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)
	require.NoError(t, err)

	err = g.CancelSession(context.Background(), s.ID())

	assert.ErrorIs(t, err, perrors.ErrConflictingResolution)
	assert.Equal(t, session.StatusCompleted, s.Status())
}

func TestInfo(t *testing.T) {
	g := newDirect(t, provider.NewStub("mpesa", provider.WithResult(provider.ChargeResult{
		Success: true, TransactionID: "x", Status: provider.StatusPending,
	})))
	createSession(t, g)
	s := createSession(t, g)
	_, err := g.ProcessPayment(context.Background(), s.ID(), testutil.TestPhone)
	require.NoError(t, err)
	done := createSession(t, g)
	require.NoError(t, g.CancelSession(context.Background(), done.ID()))

	info, err := g.Info(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "mpesa", info.Provider)
	assert.Equal(t, "KE", info.Country)
	assert.Equal(t, gateway.ModeDirect, info.Mode)
	assert.True(t, info.Initialized)
	assert.Equal(t, 2, info.ActiveSessions)
}
