package gateway

import (
	"context"
	stderrors "errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/phone"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/retry"
	"github.com/turingfp/micropay/pkg/transaction"
	"github.com/turingfp/micropay/pkg/txmanager"
)

// ChargeResponse is the outcome of a standalone charge.
type ChargeResponse struct {
	Success     bool                     `json:"success"`
	Transaction *transaction.Transaction `json:"transaction"`
	Result      *provider.ChargeResult   `json:"result,omitempty"`
}

// Charge collects a payment outside any session. The request is validated
// before a transaction is created; provider calls run under the transaction
// manager's retry policy.
func (g *Gateway) Charge(ctx context.Context, req txmanager.PaymentRequest) (*ChargeResponse, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Charge")
	defer span.End()

	if err := g.requireAdapter(); err != nil {
		return nil, g.record(span, err)
	}
	if err := req.Validate(g.cfg.Country); err != nil {
		return nil, g.record(span, err)
	}
	if err := g.Initialize(ctx); err != nil {
		return nil, g.record(span, err)
	}
	if req.Currency == "" {
		req.Currency = g.cfg.Currency
	}
	req.CustomerPhone = phone.Normalize(req.CustomerPhone, g.cfg.Country)

	txn, err := g.manager.Create(ctx, req, g.adapter.Name())
	if err != nil {
		return nil, g.record(span, err)
	}
	span.SetAttributes(attribute.String("transaction.id", txn.ID))

	txRef := req.TransactionReference
	if txRef == "" {
		txRef = txn.ID
	}
	result, err := txmanager.ExecuteWithResult(ctx, g.manager, txn, func(ctx context.Context) (*provider.ChargeResult, error) {
		res, err := g.adapter.Charge(ctx, provider.ChargeRequest{
			CustomerPhone:        req.CustomerPhone,
			Amount:               req.Amount,
			Currency:             req.Currency,
			Reference:            req.Reference,
			TransactionReference: txRef,
			Description:          req.Description,
			Metadata:             req.Metadata,
		})
		return res, permanent(err)
	})
	if err != nil {
		g.events.Emit(EventPaymentFailed, Event{Transaction: txn.Clone(), Err: err})
		perr := errors.NewProviderError("Payment failed: "+err.Error(), g.adapter.Name(), err)
		return nil, g.record(span, perr)
	}

	updated, err := g.manager.UpdateWithResult(ctx, txn.ID, result)
	if err != nil {
		return nil, g.record(span, err)
	}
	if !result.Success {
		perr := &errors.PaymentError{Message: updated.Error.Message, ProviderCode: result.ProviderCode, TransactionID: updated.ID}
		g.events.Emit(EventPaymentFailed, Event{Transaction: updated, Result: result, Err: perr})
		return &ChargeResponse{Transaction: updated, Result: result}, g.record(span, perr)
	}
	g.events.Emit(EventPaymentSuccess, Event{Transaction: updated, Result: result})
	return &ChargeResponse{Success: true, Transaction: updated, Result: result}, nil
}

// Refund reverses a completed transaction, identified by its local or
// external id. Adapters without refund support fail with a ProviderError
// wrapping ErrNotImplemented.
func (g *Gateway) Refund(ctx context.Context, req provider.RefundRequest) (*provider.ChargeResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Refund", trace.WithAttributes(attribute.String("transaction.ref", req.TransactionID)))
	defer span.End()

	if err := g.requireAdapter(); err != nil {
		return nil, g.record(span, err)
	}
	if err := g.Initialize(ctx); err != nil {
		return nil, g.record(span, err)
	}

	txn, err := g.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, g.record(span, err)
	}
	if txn.Status != transaction.StatusCompleted {
		err := errors.NewTransactionError(txn.ID, errors.ErrInvalidStateTransition)
		return nil, g.record(span, err)
	}

	upstream := req
	if txn.ExternalID != "" {
		upstream.TransactionID = txn.ExternalID
	}
	if upstream.Amount.IsZero() {
		upstream.Amount = txn.Amount
	}
	result, err := g.adapter.Refund(ctx, upstream)
	if err != nil {
		g.events.Emit(EventRefundFailed, Event{Transaction: txn, Err: err})
		return nil, g.record(span, err)
	}
	if !result.Success {
		perr := &errors.PaymentError{Message: result.ProviderMessage, ProviderCode: result.ProviderCode, TransactionID: txn.ID}
		g.events.Emit(EventRefundFailed, Event{Transaction: txn, Result: result, Err: perr})
		return result, g.record(span, perr)
	}

	// Session transactions live on their session and are not marked here.
	if refunded, err := g.manager.MarkRefunded(ctx, txn.ID); err == nil {
		txn = refunded
	} else if !stderrors.Is(err, errors.ErrTransactionNotFound) {
		g.logger.Error().Err(err).Str("transaction_id", txn.ID).Msg("failed to mark transaction refunded")
	}
	g.events.Emit(EventRefundSuccess, Event{Transaction: txn, Result: result})
	return result, nil
}

// Payout sends money to a customer through adapters that support it.
func (g *Gateway) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.ChargeResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Payout")
	defer span.End()

	if err := g.requireAdapter(); err != nil {
		return nil, g.record(span, err)
	}
	if !phone.IsValid(req.CustomerPhone, g.cfg.Country) {
		err := errors.NewValidationError("customerPhone", "Invalid phone number format").WithValue(req.CustomerPhone)
		return nil, g.record(span, err)
	}
	if !req.Amount.IsPositive() {
		err := errors.NewValidationError("amount", "Amount must be a positive number").WithValue(req.Amount.String())
		return nil, g.record(span, err)
	}
	if err := g.Initialize(ctx); err != nil {
		return nil, g.record(span, err)
	}
	if req.Currency == "" {
		req.Currency = g.cfg.Currency
	}
	req.CustomerPhone = phone.Normalize(req.CustomerPhone, g.cfg.Country)

	p, ok := g.adapter.(provider.Payouter)
	if !ok {
		err := errors.NewProviderError("Payout not supported by "+g.adapter.Name(), g.adapter.Name(), errors.ErrNotImplemented)
		g.events.Emit(EventPayoutFailed, Event{Err: err})
		return nil, g.record(span, err)
	}
	result, err := p.Payout(ctx, req)
	if err != nil {
		g.events.Emit(EventPayoutFailed, Event{Err: err})
		return nil, g.record(span, err)
	}
	if !result.Success {
		perr := &errors.PaymentError{Message: result.ProviderMessage, ProviderCode: result.ProviderCode, TransactionID: result.ID()}
		g.events.Emit(EventPayoutFailed, Event{Result: result, Err: perr})
		return result, g.record(span, perr)
	}
	g.events.Emit(EventPayoutSuccess, Event{Result: result})
	return result, nil
}

// QueryStatus asks the provider directly for the status of an external id.
func (g *Gateway) QueryStatus(ctx context.Context, externalID string) (*provider.StatusResult, error) {
	if err := g.requireAdapter(); err != nil {
		return nil, err
	}
	if err := g.Initialize(ctx); err != nil {
		return nil, err
	}
	return g.adapter.QueryStatus(ctx, externalID)
}

// GetTransaction finds a transaction by local or external id among
// standalone charges and session transactions.
func (g *Gateway) GetTransaction(ctx context.Context, ref string) (*transaction.Transaction, error) {
	if txn, err := g.manager.Lookup(ctx, ref); err == nil {
		return txn, nil
	}
	s, err := g.sessions.FindByTransaction(ctx, ref, g.sessionObservers()...)
	if err != nil {
		return nil, err
	}
	return s.Transaction(), nil
}

// PendingTransactions returns standalone transactions awaiting an outcome.
func (g *Gateway) PendingTransactions(ctx context.Context) ([]*transaction.Transaction, error) {
	return g.manager.Pending(ctx)
}

func (g *Gateway) requireAdapter() error {
	if g.adapter == nil {
		return &errors.ConfigurationError{
			Message:     "Provider credentials are required for this operation",
			MissingKeys: []string{"credentials"},
		}
	}
	return nil
}

// permanent stops the retry loop for errors another attempt cannot fix.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	var valErr *errors.ValidationError
	var cfgErr *errors.ConfigurationError
	var payErr *errors.PaymentError
	if stderrors.As(err, &valErr) || stderrors.As(err, &cfgErr) || stderrors.As(err, &payErr) ||
		stderrors.Is(err, errors.ErrNotImplemented) {
		return retry.Unrecoverable(err)
	}
	return err
}
