// Package gateway orchestrates payment sessions: it validates input, drives
// each session through its lifecycle, dispatches to a provider adapter or
// the hosted platform, and reconciles late confirmations back into the same
// session.
package gateway

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/events"
	"github.com/turingfp/micropay/pkg/platform"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/store"
	"github.com/turingfp/micropay/pkg/transaction"
	"github.com/turingfp/micropay/pkg/txmanager"
)

const tracerName = "github.com/turingfp/micropay/pkg/gateway"

// Standalone operation events.
const (
	EventPaymentSuccess = "payment:success"
	EventPaymentFailed  = "payment:failed"
	EventRefundSuccess  = "refund:success"
	EventRefundFailed   = "refund:failed"
	EventPayoutSuccess  = "payout:success"
	EventPayoutFailed   = "payout:failed"
)

// Event is the payload of a standalone operation event.
type Event struct {
	Transaction *transaction.Transaction
	Result      *provider.ChargeResult
	Err         error
}

// Gateway is safe for concurrent use.
type Gateway struct {
	cfg    Config
	mode   Mode
	logger zerolog.Logger
	tracer trace.Tracer

	registry  *provider.Registry
	adapter   provider.Adapter
	platform  platform.API
	sessions  store.SessionStore
	manager   *txmanager.Manager
	txStore   store.TransactionStore
	observers []session.Observer
	events    *events.Emitter[Event]

	initMu      sync.Mutex
	initialized bool
}

type Option func(*Gateway)

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithRegistry replaces the adapter registry used to resolve Config.Provider.
func WithRegistry(r *provider.Registry) Option {
	return func(g *Gateway) { g.registry = r }
}

// WithAdapter installs an adapter directly and selects direct mode.
func WithAdapter(a provider.Adapter) Option {
	return func(g *Gateway) { g.adapter = a }
}

// WithPlatformClient replaces the hosted API client.
func WithPlatformClient(c platform.API) Option {
	return func(g *Gateway) { g.platform = c }
}

func WithSessionStore(s store.SessionStore) Option {
	return func(g *Gateway) { g.sessions = s }
}

func WithTransactionStore(s store.TransactionStore) Option {
	return func(g *Gateway) { g.txStore = s }
}

// WithObserver attaches o to every session this gateway creates or loads.
func WithObserver(o session.Observer) Option {
	return func(g *Gateway) { g.observers = append(g.observers, o) }
}

// New builds a gateway. The dispatch mode and the provider name are
// validated here, so an unknown provider fails before first use.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	cfg.setDefaults()
	g := &Gateway{
		cfg:      cfg,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		registry: DefaultRegistry(),
		sessions: store.NewMemorySessionStore(),
	}
	for _, opt := range opts {
		opt(g)
	}

	mode, err := cfg.mode(g.adapter != nil, g.platform != nil)
	if err != nil {
		return nil, err
	}
	g.mode = mode

	if g.mode == ModeDirect && g.adapter == nil {
		a, err := g.registry.New(cfg.Provider, provider.Config{
			Credentials: cfg.Credentials,
			Environment: cfg.Environment,
			CallbackURL: cfg.CallbackURL,
			BaseURL:     cfg.ProviderBaseURL,
			HTTPClient:  cfg.HTTPClient,
			Logger:      g.logger,
		})
		if err != nil {
			return nil, err
		}
		g.adapter = a
	}
	if _, ok := g.adapter.(*provider.Guarded); g.adapter != nil && !ok {
		g.adapter = provider.Guard(g.adapter, cfg.Breaker)
	}
	if g.platform == nil && (cfg.PublicKey != "" || cfg.SecretKey != "") {
		c, err := platform.NewClient(platform.Config{
			BaseURL:    cfg.BaseURL,
			PublicKey:  cfg.PublicKey,
			SecretKey:  cfg.SecretKey,
			HTTPClient: cfg.HTTPClient,
			Logger:     g.logger,
		})
		if err != nil {
			return nil, err
		}
		g.platform = c
	}

	txOpts := []txmanager.Option{txmanager.WithLogger(g.logger)}
	if g.txStore != nil {
		txOpts = append(txOpts, txmanager.WithStore(g.txStore))
	}
	g.manager = txmanager.New(cfg.Transactions, txOpts...)
	g.events = events.NewEmitter[Event](g.logger)

	g.logger.Info().
		Str("mode", string(g.mode)).
		Str("provider", cfg.Provider).
		Str("environment", cfg.Environment).
		Msg("payment gateway configured")
	return g, nil
}

// Mode returns the dispatch mode chosen at construction.
func (g *Gateway) Mode() Mode { return g.mode }

// Transactions exposes the standalone transaction manager.
func (g *Gateway) Transactions() *txmanager.Manager { return g.manager }

// Initialize validates the adapter's credentials. It is called lazily by
// operations that need the provider and may be retried after a failure.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.initMu.Lock()
	defer g.initMu.Unlock()
	if g.initialized {
		return nil
	}
	if g.adapter != nil {
		if err := g.adapter.Initialize(ctx); err != nil {
			return err
		}
	}
	g.initialized = true
	return nil
}

// On registers fn for a standalone operation event.
func (g *Gateway) On(event string, fn func(Event)) (off func()) {
	return g.events.On(event, fn)
}

// OnTransaction registers fn for a transaction lifecycle event.
func (g *Gateway) OnTransaction(event string, fn func(*transaction.Transaction)) (off func()) {
	return g.manager.On(event, fn)
}

// SessionOptions describes a new session.
type SessionOptions struct {
	ProductID    string
	Amount       decimal.Decimal
	Currency     string
	Description  string
	Metadata     map[string]any
	IntentID     string
	ClientSecret string
	// Observers are attached to this session instance only.
	Observers []session.Observer
}

// CreateSession registers a new IDLE session.
func (g *Gateway) CreateSession(ctx context.Context, opts SessionOptions) (*session.Session, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.CreateSession")
	defer span.End()

	if !opts.Amount.IsPositive() {
		err := errors.NewValidationError("amount", "Amount must be a positive number").WithValue(opts.Amount.String())
		return nil, g.record(span, err)
	}
	currency := opts.Currency
	if currency == "" {
		currency = g.cfg.Currency
	}

	observers := append(g.sessionObservers(), opts.Observers...)
	s := session.New(session.Options{
		ProductID:    opts.ProductID,
		Amount:       opts.Amount,
		Currency:     currency,
		Description:  opts.Description,
		IntentID:     opts.IntentID,
		ClientSecret: opts.ClientSecret,
		Metadata:     opts.Metadata,
		Expiry:       g.cfg.SessionExpiry,
		Observers:    observers,
	})
	if err := g.sessions.Save(ctx, s); err != nil {
		return nil, g.record(span, err)
	}
	span.SetAttributes(attribute.String("session.id", s.ID()))
	g.logger.Debug().Str("session_id", s.ID()).Str("amount", s.Amount().String()).Msg("session created")
	return s, nil
}

// GetSession returns a tracked session.
func (g *Gateway) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return g.sessions.Get(ctx, id, g.sessionObservers()...)
}

// CancelSession cancels a session. Cancelling an already cancelled session is
// a no-op; cancelling a completed or failed one is rejected. In-flight
// provider calls are not interrupted.
func (g *Gateway) CancelSession(ctx context.Context, id string) error {
	ctx, span := g.tracer.Start(ctx, "gateway.CancelSession", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	s, err := g.GetSession(ctx, id)
	if err != nil {
		return g.record(span, err)
	}
	if err := s.Cancel(); err != nil {
		return g.record(span, err)
	}
	if err := g.save(ctx, s); stderrors.Is(err, errors.ErrConflictingResolution) {
		return g.record(span, err)
	}
	return nil
}

// Info summarizes the gateway configuration.
type Info struct {
	Provider       string `json:"provider"`
	Environment    string `json:"environment"`
	Country        string `json:"country"`
	Currency       string `json:"currency"`
	Mode           Mode   `json:"mode"`
	Initialized    bool   `json:"isInitialized"`
	ActiveSessions int    `json:"activeSessions"`
}

func (g *Gateway) Info(ctx context.Context) (Info, error) {
	g.initMu.Lock()
	initialized := g.initialized
	g.initMu.Unlock()

	snaps, err := g.sessions.List(ctx)
	if err != nil {
		return Info{}, err
	}
	active := 0
	for _, s := range snaps {
		if !s.Status.IsTerminal() {
			active++
		}
	}
	return Info{
		Provider:       g.providerName(),
		Environment:    g.cfg.Environment,
		Country:        g.cfg.Country,
		Currency:       g.cfg.Currency,
		Mode:           g.mode,
		Initialized:    initialized,
		ActiveSessions: active,
	}, nil
}

func (g *Gateway) providerName() string {
	if g.adapter != nil {
		return g.adapter.Name()
	}
	return g.cfg.Provider
}

// sessionObservers are attached to every session instance the gateway
// creates or rehydrates.
func (g *Gateway) sessionObservers() []session.Observer {
	out := make([]session.Observer, 0, len(g.observers)+2)
	out = append(out, session.ObserverFuncs{StatusChange: g.persist})
	if g.cfg.OnSessionUpdate != nil {
		fn := g.cfg.OnSessionUpdate
		out = append(out, session.ObserverFuncs{StatusChange: func(c session.StatusChange) {
			fn(c.Session.Snapshot())
		}})
	}
	return append(out, g.observers...)
}

func (g *Gateway) persist(c session.StatusChange) {
	_ = g.save(context.Background(), c.Session)
}

// save persists s. A store that refuses to overwrite a session resolved by
// another instance returns ErrConflictingResolution, which is logged at warn.
func (g *Gateway) save(ctx context.Context, s *session.Session) error {
	err := g.sessions.Save(context.WithoutCancel(ctx), s)
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrConflictingResolution):
		g.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("session already resolved elsewhere")
	default:
		g.logger.Error().Err(err).Str("session_id", s.ID()).Msg("failed to persist session")
	}
	return err
}

func (g *Gateway) record(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.code", errors.CodeOf(err)))
	}
	return err
}
