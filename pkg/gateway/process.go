package gateway

import (
	"context"
	stderrors "errors"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/phone"
	"github.com/turingfp/micropay/pkg/platform"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/retry"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/transaction"
)

// Result is the outcome of ProcessPayment.
type Result struct {
	Success bool             `json:"success"`
	Session session.Snapshot `json:"session"`
	// Transaction is the session's transaction after dispatch.
	Transaction *transaction.Transaction `json:"transaction,omitempty"`
	Intent      *platform.Intent         `json:"intent,omitempty"`
	// PendingConfirmation is true when the outcome arrives later through a
	// callback or a status poll.
	PendingConfirmation bool `json:"pendingConfirmation"`
}

// ProcessPayment collects the customer phone and dispatches the payment in
// the gateway's mode.
//
// A provider or platform that reports completion immediately completes the
// session; an accepted but unconfirmed request leaves it in
// AWAITING_CONFIRMATION. Every failure after the transaction exists fails
// the session before it is returned, and a rejected charge returns both the
// Result and the PaymentError.
func (g *Gateway) ProcessPayment(ctx context.Context, sessionID, customerPhone string) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.ProcessPayment", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("gateway.mode", string(g.mode)),
	))
	defer span.End()

	if err := g.Initialize(ctx); err != nil {
		return nil, g.record(span, err)
	}
	s, err := g.GetSession(ctx, sessionID)
	if err != nil {
		return nil, g.record(span, err)
	}

	// A dispatched session must not fall back to COLLECTING_INFO.
	if id, _ := s.TransactionID(); id != "" && s.IsActive() {
		return nil, g.record(span, errors.NewSessionError(s.ID(), errors.ErrTransactionExists))
	}
	if err := s.SetCustomerPhone(customerPhone); err != nil {
		return nil, g.record(span, err)
	}
	if !phone.IsValid(customerPhone, g.cfg.Country) {
		err := errors.NewValidationError("customerPhone", "Invalid phone number format").WithValue(customerPhone)
		return nil, g.record(span, err)
	}

	txn, err := s.StartProcessing(g.providerName())
	if err != nil {
		return nil, g.record(span, err)
	}
	span.SetAttributes(attribute.String("transaction.id", txn.ID))
	log := g.logger.With().Str("session_id", s.ID()).Str("transaction_id", txn.ID).Logger()

	if err := s.AwaitConfirmation(); err != nil {
		return nil, g.record(span, err)
	}

	normalized := phone.Normalize(customerPhone, g.cfg.Country)
	var res *Result
	switch g.mode {
	case ModeDirect:
		res, err = g.processDirect(ctx, s, txn, normalized)
	case ModePlatform:
		res, err = g.processPlatform(ctx, s, normalized)
	default:
		res = &Result{Success: true, PendingConfirmation: true}
	}

	if err != nil {
		log.Warn().Err(err).Str("code", errors.CodeOf(err)).Msg("payment failed")
		if ferr := s.Fail(err); ferr != nil {
			log.Warn().Err(ferr).Msg("session already resolved")
		}
		if res == nil {
			res = &Result{}
		}
		res.Success = false
	} else {
		log.Info().Bool("pending", res.PendingConfirmation).Msg("payment dispatched")
	}
	if serr := g.save(ctx, s); stderrors.Is(serr, errors.ErrConflictingResolution) {
		return nil, g.record(span, serr)
	}

	res.Session = s.Snapshot()
	res.Transaction = s.Transaction()
	if err != nil && !isRejection(err) {
		return nil, g.record(span, err)
	}
	return res, g.record(span, err)
}

func (g *Gateway) processDirect(ctx context.Context, s *session.Session, txn *transaction.Transaction, normalized string) (*Result, error) {
	reference := s.ProductID()
	if reference == "" {
		reference = s.ID()
	}
	req := provider.ChargeRequest{
		CustomerPhone:        normalized,
		Amount:               s.Amount(),
		Currency:             s.Currency(),
		Reference:            reference,
		TransactionReference: txn.ID,
		Description:          s.Description(),
		Metadata:             s.Metadata(),
	}

	result, err := retry.DoWithResult(ctx, g.cfg.Retry, func() (*provider.ChargeResult, error) {
		return g.adapter.Charge(ctx, req)
	},
		retry.If(isTransient),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Warn().Err(err).Str("session_id", s.ID()).Uint("attempt", n+1).Msg("provider charge failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}

	s.AttachExternalID(result.ID())
	if !result.Success {
		msg := result.ProviderMessage
		if msg == "" {
			msg = "Payment was rejected by the provider"
		}
		return &Result{}, &errors.PaymentError{Message: msg, ProviderCode: result.ProviderCode, TransactionID: txn.ID}
	}
	if result.IsCompleted() {
		if err := s.Complete(result.ID()); err != nil {
			return nil, err
		}
		return &Result{Success: true}, nil
	}
	return &Result{Success: true, PendingConfirmation: true}, nil
}

func (g *Gateway) processPlatform(ctx context.Context, s *session.Session, normalized string) (*Result, error) {
	intentID, secret := s.Intent()
	if !s.HasUsableIntent() {
		metadata := maps.Clone(s.Metadata())
		if metadata == nil {
			metadata = map[string]any{}
		}
		if s.ProductID() != "" {
			metadata["product_id"] = s.ProductID()
		}
		intent, err := g.platform.CreatePaymentIntent(ctx, platform.CreateIntentParams{
			Amount:         s.Amount(),
			Currency:       s.Currency(),
			CustomerPhone:  normalized,
			Description:    s.Description(),
			Metadata:       metadata,
			IdempotencyKey: s.ID(),
		})
		if err != nil {
			return nil, err
		}
		intentID, secret = intent.ID, intent.ClientSecret
		s.AttachIntent(intentID, secret)
	}
	s.AttachExternalID(intentID)

	confirmed, err := g.platform.ConfirmPaymentIntent(ctx, intentID, platform.ConfirmParams{
		ClientSecret: secret,
		PhoneNumber:  normalized,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case confirmed.Status == platform.IntentProcessing:
		return &Result{Success: true, Intent: confirmed, PendingConfirmation: true}, nil
	case confirmed.IsSucceeded():
		if err := s.Complete(intentID); err != nil {
			return nil, err
		}
		return &Result{Success: true, Intent: confirmed}, nil
	}

	msg := confirmed.LastError()
	if msg == "" {
		msg = "Payment confirmation failed"
	}
	return &Result{Intent: confirmed}, &errors.PaymentError{Message: msg, ProviderCode: "PAYMENT_FAILED", TransactionID: intentID}
}

// isTransient reports failures worth another attempt: no response at all or
// a server-side error.
func isTransient(err error) bool {
	var netErr *errors.NetworkError
	if !stderrors.As(err, &netErr) {
		return false
	}
	return netErr.StatusCode == 0 || netErr.StatusCode >= 500
}

// isRejection reports an upstream decline, as opposed to a failure to reach
// the upstream at all.
func isRejection(err error) bool {
	var payErr *errors.PaymentError
	return stderrors.As(err, &payErr)
}
