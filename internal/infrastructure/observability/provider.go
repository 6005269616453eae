package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/provider"
)

// InstrumentedAdapter records a metric sample and a client span for every
// network operation of the wrapped adapter.
type InstrumentedAdapter struct {
	next    provider.Adapter
	metrics *Metrics
	tracer  trace.Tracer
}

var (
	_ provider.Adapter  = (*InstrumentedAdapter)(nil)
	_ provider.Payouter = (*InstrumentedAdapter)(nil)
)

func Instrument(a provider.Adapter, m *Metrics) *InstrumentedAdapter {
	return &InstrumentedAdapter{
		next:    a,
		metrics: m,
		tracer:  otel.Tracer("github.com/turingfp/micropay/internal/infrastructure/observability"),
	}
}

// InstrumentConstructor wraps every adapter c builds.
func InstrumentConstructor(c provider.Constructor, m *Metrics) provider.Constructor {
	return func(cfg provider.Config) (provider.Adapter, error) {
		a, err := c(cfg)
		if err != nil {
			return nil, err
		}
		return Instrument(a, m), nil
	}
}

func (a *InstrumentedAdapter) Name() string { return a.next.Name() }

func (a *InstrumentedAdapter) Initialize(ctx context.Context) error {
	return a.observe(ctx, "initialize", func(ctx context.Context) error {
		return a.next.Initialize(ctx)
	})
}

func (a *InstrumentedAdapter) Charge(ctx context.Context, req provider.ChargeRequest) (*provider.ChargeResult, error) {
	var res *provider.ChargeResult
	err := a.observe(ctx, "charge", func(ctx context.Context) error {
		var err error
		res, err = a.next.Charge(ctx, req)
		return err
	})
	return res, err
}

func (a *InstrumentedAdapter) QueryStatus(ctx context.Context, id string) (*provider.StatusResult, error) {
	var res *provider.StatusResult
	err := a.observe(ctx, "query_status", func(ctx context.Context) error {
		var err error
		res, err = a.next.QueryStatus(ctx, id)
		return err
	})
	return res, err
}

func (a *InstrumentedAdapter) Refund(ctx context.Context, req provider.RefundRequest) (*provider.ChargeResult, error) {
	var res *provider.ChargeResult
	err := a.observe(ctx, "refund", func(ctx context.Context) error {
		var err error
		res, err = a.next.Refund(ctx, req)
		return err
	})
	return res, err
}

func (a *InstrumentedAdapter) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.ChargeResult, error) {
	p, ok := a.next.(provider.Payouter)
	if !ok {
		return nil, errors.NewProviderError("Payout not supported by "+a.Name(), a.Name(), errors.ErrNotImplemented)
	}
	var res *provider.ChargeResult
	err := a.observe(ctx, "payout", func(ctx context.Context) error {
		var err error
		res, err = p.Payout(ctx, req)
		return err
	})
	return res, err
}

func (a *InstrumentedAdapter) observe(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := a.tracer.Start(ctx, "provider."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider.name", a.Name())),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	a.metrics.ProviderRequestDuration.WithLabelValues(a.Name(), op).Observe(time.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = errors.CodeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	a.metrics.ProviderRequestsTotal.WithLabelValues(a.Name(), op, result).Inc()
	return err
}
