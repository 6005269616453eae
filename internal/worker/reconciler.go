// Package worker runs the background loops of the worker binary: the stale
// session reconciler and the queued callback consumer.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/turingfp/micropay/internal/infrastructure/observability"
	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/platform"
	"github.com/turingfp/micropay/pkg/session"
)

// Reconciliation outcomes, used as the result label.
const (
	ResultResolved = "resolved"
	ResultPending  = "pending"
	ResultError    = "error"
	ResultSkipped  = "skipped"
)

// StatusReconciler re-checks a transaction upstream and applies a terminal
// result locally. *gateway.Gateway satisfies it.
type StatusReconciler interface {
	Reconcile(ctx context.Context, ref string) (*platform.TransactionView, error)
}

type SessionLister interface {
	List(ctx context.Context) ([]session.Snapshot, error)
}

// Locker guards a sweep so only one worker runs it at a time.
type Locker interface {
	RunLocked(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
}

type ReconcilerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// Reconciler finds sessions stuck in awaiting_confirmation and asks the
// upstream for their final status. A lost callback would otherwise leave
// them pending until expiry.
type Reconciler struct {
	gw       StatusReconciler
	sessions SessionLister
	lock     Locker
	metrics  *observability.Metrics
	logger   zerolog.Logger
	cfg      ReconcilerConfig
	now      func() time.Time
}

func NewReconciler(
	gw StatusReconciler,
	sessions SessionLister,
	lock Locker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg ReconcilerConfig,
) *Reconciler {
	return &Reconciler{
		gw:       gw,
		sessions: sessions,
		lock:     lock,
		metrics:  metrics,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.cfg.Interval).
		Dur("stale_after", r.cfg.StaleAfter).
		Msg("reconciler started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ran, err := r.lock.RunLocked(ctx, func(ctx context.Context) error {
			_, err := r.Sweep(ctx)
			return err
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error().Err(err).Msg("reconciliation sweep failed")
		}
		if !ran && err == nil {
			r.logger.Debug().Msg("reconciliation lock held elsewhere")
			r.observe(ResultSkipped)
		}
	}
}

// Sweep reconciles every stale session once and returns how many were
// resolved.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	snaps, err := r.sessions.List(ctx)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, snap := range snaps {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if !r.stale(snap) {
			continue
		}
		ref := reconcileRef(snap)
		log := r.logger.With().Str("session_id", snap.ID).Str("transaction_ref", ref).Logger()

		view, err := r.gw.Reconcile(ctx, ref)
		switch {
		case err != nil && errors.Is(err, perrors.ErrTransactionNotFound):
			log.Warn().Msg("upstream has no record of transaction")
			r.observe(ResultError)
		case err != nil:
			log.Error().Err(err).Msg("reconcile failed")
			r.observe(ResultError)
		case view.IsCompleted() || view.IsFailed():
			log.Info().Str("status", view.Status).Msg("stale session reconciled")
			r.observe(ResultResolved)
			resolved++
		default:
			r.observe(ResultPending)
		}
	}
	return resolved, nil
}

func (r *Reconciler) stale(snap session.Snapshot) bool {
	if snap.Status != session.StatusAwaitingConfirmation || snap.Transaction == nil {
		return false
	}
	since := snap.Transaction.UpdatedAt
	if since.IsZero() {
		since = snap.CreatedAt
	}
	return r.now().Sub(since) >= r.cfg.StaleAfter
}

func (r *Reconciler) observe(result string) {
	if r.metrics != nil {
		r.metrics.ReconciliationsTotal.WithLabelValues(result).Inc()
	}
}

// reconcileRef picks the id the upstream knows the payment by.
func reconcileRef(snap session.Snapshot) string {
	if snap.IntentID != "" {
		return snap.IntentID
	}
	if snap.Transaction.ExternalID != "" {
		return snap.Transaction.ExternalID
	}
	return snap.Transaction.ID
}
