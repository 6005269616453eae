package provider

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/turingfp/micropay/pkg/errors"
)

// BreakerConfig tunes the circuit breakers placed around an adapter.
type BreakerConfig struct {
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	MinRequests   uint32
	FailureRatio  float64
	OnStateChange func(name string, from, to gobreaker.State)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  10,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  10,
		FailureRatio: 0.6,
	}
}

func (c BreakerConfig) settings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: c.MaxRequests,
		Interval:    c.Interval,
		Timeout:     c.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= c.MinRequests && failureRatio >= c.FailureRatio
		},
		OnStateChange: c.OnStateChange,
		IsSuccessful:  isBreakerSuccess,
	}
}

// Rejections and bad input prove the provider is reachable, so they do not
// count against the breaker.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var payErr *errors.PaymentError
	var valErr *errors.ValidationError
	var cfgErr *errors.ConfigurationError
	return stderrors.As(err, &payErr) || stderrors.As(err, &valErr) || stderrors.As(err, &cfgErr) ||
		stderrors.Is(err, errors.ErrNotImplemented)
}

// Guarded wraps an adapter's network operations in circuit breakers.
type Guarded struct {
	Adapter
	charge *gobreaker.CircuitBreaker[*ChargeResult]
	status *gobreaker.CircuitBreaker[*StatusResult]
}

// Guard wraps a in per-operation circuit breakers named
// "<provider>.charge" and "<provider>.status".
func Guard(a Adapter, cfg BreakerConfig) *Guarded {
	return &Guarded{
		Adapter: a,
		charge:  gobreaker.NewCircuitBreaker[*ChargeResult](cfg.settings(a.Name() + ".charge")),
		status:  gobreaker.NewCircuitBreaker[*StatusResult](cfg.settings(a.Name() + ".status")),
	}
}

func (g *Guarded) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	res, err := g.charge.Execute(func() (*ChargeResult, error) {
		return g.Adapter.Charge(ctx, req)
	})
	return res, g.mapErr(err)
}

func (g *Guarded) QueryStatus(ctx context.Context, id string) (*StatusResult, error) {
	res, err := g.status.Execute(func() (*StatusResult, error) {
		return g.Adapter.QueryStatus(ctx, id)
	})
	return res, g.mapErr(err)
}

// Payout forwards to the wrapped adapter when it supports payouts.
func (g *Guarded) Payout(ctx context.Context, req PayoutRequest) (*ChargeResult, error) {
	p, ok := g.Adapter.(Payouter)
	if !ok {
		return nil, errors.NewProviderError("Payout not supported by "+g.Name(), g.Name(), errors.ErrNotImplemented)
	}
	res, err := g.charge.Execute(func() (*ChargeResult, error) {
		return p.Payout(ctx, req)
	})
	return res, g.mapErr(err)
}

// State returns the charge breaker state.
func (g *Guarded) State() gobreaker.State {
	return g.charge.State()
}

// Unwrap returns the guarded adapter.
func (g *Guarded) Unwrap() Adapter {
	return g.Adapter
}

func (g *Guarded) mapErr(err error) error {
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.NewProviderError(g.Name()+" unavailable: "+err.Error(), g.Name(), errors.ErrProviderUnavailable)
	}
	return err
}
