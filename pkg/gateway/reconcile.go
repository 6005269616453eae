package gateway

import (
	"context"
	stderrors "errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/turingfp/micropay/pkg/callback"
	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/platform"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/retry"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/transaction"
)

// ErrStillPending is wrapped by PollPaymentStatus when attempts run out.
var ErrStillPending = stderrors.New("payment still awaiting confirmation")

// GetTransactionStatus looks up the upstream view of ref, a local
// transaction id or an external id, and applies a terminal upstream status
// to the matching local session or transaction. The upstream view is
// returned even when nothing local matches.
func (g *Gateway) GetTransactionStatus(ctx context.Context, ref string) (*platform.TransactionView, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.GetTransactionStatus", trace.WithAttributes(attribute.String("transaction.ref", ref)))
	defer span.End()

	view, err := g.upstreamStatus(ctx, ref, false)
	if err != nil {
		return nil, g.record(span, err)
	}
	g.apply(ctx, ref, view)
	return view, nil
}

// Reconcile asks the upstream to re-check ref before reading its status.
func (g *Gateway) Reconcile(ctx context.Context, ref string) (*platform.TransactionView, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Reconcile", trace.WithAttributes(attribute.String("transaction.ref", ref)))
	defer span.End()

	view, err := g.upstreamStatus(ctx, ref, true)
	if err != nil {
		return nil, g.record(span, err)
	}
	g.apply(ctx, ref, view)
	return view, nil
}

// PollOptions tunes PollPaymentStatus.
type PollOptions struct {
	MaxAttempts uint
	Interval    time.Duration
}

func DefaultPollOptions() PollOptions {
	return PollOptions{MaxAttempts: 12, Interval: 5 * time.Second}
}

// PollPaymentStatus calls GetTransactionStatus at a fixed interval until the
// upstream reports a terminal status. When attempts run out the last view is
// returned with a PaymentError wrapping ErrStillPending.
func (g *Gateway) PollPaymentStatus(ctx context.Context, ref string, opts PollOptions) (*platform.TransactionView, error) {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultPollOptions().MaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollOptions().Interval
	}

	var last *platform.TransactionView
	cfg := retry.Config{MaxAttempts: opts.MaxAttempts, InitialDelay: opts.Interval, MaxDelay: opts.Interval, Multiplier: 1}
	view, err := retry.DoWithResult(ctx, cfg, func() (*platform.TransactionView, error) {
		v, err := g.GetTransactionStatus(ctx, ref)
		if err != nil {
			if isTransient(err) {
				return nil, err
			}
			return nil, retry.Unrecoverable(err)
		}
		last = v
		if !v.IsCompleted() && !v.IsFailed() {
			return v, ErrStillPending
		}
		return v, nil
	})
	if stderrors.Is(err, ErrStillPending) {
		return last, &errors.PaymentError{Message: "Payment confirmation timed out", TransactionID: ref, Err: ErrStillPending}
	}
	if err != nil {
		return last, err
	}
	return view, nil
}

func (g *Gateway) upstreamStatus(ctx context.Context, ref string, reconcile bool) (*platform.TransactionView, error) {
	switch g.mode {
	case ModePlatform:
		if reconcile {
			return g.platform.Reconcile(ctx, ref)
		}
		return g.platform.GetStatus(ctx, ref)
	case ModeDirect:
		if err := g.Initialize(ctx); err != nil {
			return nil, err
		}
		externalID := g.externalID(ctx, ref)
		res, err := g.adapter.QueryStatus(ctx, externalID)
		if err != nil {
			return nil, err
		}
		return viewFromStatus(externalID, res), nil
	}
	return g.localView(ctx, ref)
}

// externalID maps a local transaction id to the id the provider knows.
func (g *Gateway) externalID(ctx context.Context, ref string) string {
	if s, err := g.sessions.FindByTransaction(ctx, ref, g.sessionObservers()...); err == nil {
		if _, ext := s.TransactionID(); ext != "" {
			return ext
		}
	}
	if txn, err := g.manager.Lookup(ctx, ref); err == nil && txn.ExternalID != "" {
		return txn.ExternalID
	}
	return ref
}

func viewFromStatus(id string, res *provider.StatusResult) *platform.TransactionView {
	view := &platform.TransactionView{ID: id, ExternalID: id, ResultCode: res.ResultCode}
	switch res.Status {
	case provider.StatusSucceeded, provider.StatusCompleted:
		view.Status = platform.IntentCompleted
	case provider.StatusFailed:
		view.Status = platform.IntentFailed
		view.ErrorMessage = res.ResultDesc
	default:
		view.Status = platform.IntentProcessing
	}
	return view
}

// localView answers status lookups in mock mode, where nothing upstream
// exists.
func (g *Gateway) localView(ctx context.Context, ref string) (*platform.TransactionView, error) {
	var txn *transaction.Transaction
	if s, err := g.sessions.FindByTransaction(ctx, ref, g.sessionObservers()...); err == nil {
		txn = s.Transaction()
	} else if t, err := g.manager.Lookup(ctx, ref); err == nil {
		txn = t
	} else {
		return nil, err
	}

	view := &platform.TransactionView{
		ID:         txn.ID,
		ExternalID: txn.ExternalID,
		Amount:     txn.Amount,
		Currency:   txn.Currency,
	}
	switch txn.Status {
	case transaction.StatusCompleted, transaction.StatusRefunded:
		view.Status = platform.IntentCompleted
	case transaction.StatusFailed, transaction.StatusCancelled:
		view.Status = platform.IntentFailed
		if txn.Error != nil {
			view.ErrorMessage = txn.Error.Message
		}
	default:
		view.Status = platform.IntentProcessing
	}
	return view, nil
}

// apply resolves the local session or standalone transaction matching ref
// from a terminal upstream view. Conflicts with an earlier resolution are
// logged and left alone.
func (g *Gateway) apply(ctx context.Context, ref string, view *platform.TransactionView) {
	if !view.IsCompleted() && !view.IsFailed() {
		return
	}
	var cause error
	if view.IsFailed() {
		msg := view.ErrorMessage
		if msg == "" {
			msg = "Payment failed"
		}
		cause = &errors.PaymentError{Message: msg, ProviderCode: view.ResultCode, TransactionID: view.ID}
	}

	for _, candidate := range []string{ref, view.ID, view.ExternalID} {
		if candidate == "" {
			continue
		}
		if s, err := g.sessions.FindByTransaction(ctx, candidate, g.sessionObservers()...); err == nil {
			g.resolveSession(ctx, s, cause)
			return
		}
		if _, err := g.manager.Lookup(ctx, candidate); err == nil {
			g.resolveTransaction(ctx, candidate, cause)
			return
		}
	}
	g.logger.Debug().Str("transaction_ref", ref).Msg("no local state for upstream transaction")
}

// resolveSession completes s when cause is nil and fails it otherwise.
func (g *Gateway) resolveSession(ctx context.Context, s *session.Session, cause error) bool {
	var err error
	if cause == nil {
		err = s.Complete("")
	} else {
		err = s.Fail(cause)
	}
	if err != nil {
		g.logConflict(s.ID(), err)
		return false
	}
	return !stderrors.Is(g.save(ctx, s), errors.ErrConflictingResolution)
}

func (g *Gateway) resolveTransaction(ctx context.Context, ref string, cause error) {
	var detail *transaction.ErrorDetail
	if cause != nil {
		detail = transaction.DetailFrom(cause)
	}
	if _, err := g.manager.Resolve(ctx, ref, cause == nil, detail); err != nil {
		g.logConflict(ref, err)
	}
}

func (g *Gateway) logConflict(id string, err error) {
	if stderrors.Is(err, errors.ErrConflictingResolution) {
		g.logger.Warn().Err(err).Str("id", id).Msg("ignoring conflicting late resolution")
		return
	}
	g.logger.Error().Err(err).Str("id", id).Msg("resolution failed")
}

// HandleEvent applies a normalized callback. Repeated deliveries for the
// same transaction are no-ops. It implements callback.Processor.
func (g *Gateway) HandleEvent(ctx context.Context, ev callback.Event) error {
	ctx, span := g.tracer.Start(ctx, "gateway.HandleEvent", trace.WithAttributes(
		attribute.String("callback.type", string(ev.Type)),
		attribute.String("transaction.ref", ev.TransactionID),
	))
	defer span.End()

	log := g.logger.With().Str("event_type", string(ev.Type)).Str("transaction_ref", ev.TransactionID).Logger()
	if ev.TransactionID == "" || ev.Type == callback.EventUnknown {
		log.Debug().Msg("callback ignored")
		return nil
	}

	if ev.Type == callback.EventRefundComplete {
		txn, err := g.manager.Lookup(ctx, ev.TransactionID)
		if err != nil {
			return g.record(span, err)
		}
		if txn.Status == transaction.StatusRefunded {
			return nil
		}
		_, err = g.manager.MarkRefunded(ctx, txn.ID)
		return g.record(span, err)
	}

	var cause error
	if ev.Type == callback.EventPaymentFailed {
		pe := &errors.PaymentError{Message: "Payment failed", TransactionID: ev.TransactionID}
		if ev.Error != nil {
			pe.ProviderCode = ev.Error.Code
			if ev.Error.Message != "" {
				pe.Message = ev.Error.Message
			}
		}
		cause = pe
	}

	if s, err := g.sessions.FindByTransaction(ctx, ev.TransactionID, g.sessionObservers()...); err == nil {
		if g.resolveSession(ctx, s, cause) {
			log.Info().Str("session_id", s.ID()).Msg("session resolved from callback")
		}
		return nil
	}

	if _, err := g.manager.Lookup(ctx, ev.TransactionID); err != nil {
		log.Warn().Msg("callback for unknown transaction")
		return g.record(span, err)
	}
	g.resolveTransaction(ctx, ev.TransactionID, cause)
	return nil
}
