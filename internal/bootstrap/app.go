package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/turingfp/micropay/internal/controller"
	"github.com/turingfp/micropay/internal/infrastructure/config"
	"github.com/turingfp/micropay/internal/infrastructure/observability"
	infraRedis "github.com/turingfp/micropay/internal/infrastructure/redis"
	customMW "github.com/turingfp/micropay/internal/middleware"
	"github.com/turingfp/micropay/internal/repository/postgres"
	"github.com/turingfp/micropay/pkg/callback"
	"github.com/turingfp/micropay/pkg/gateway"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/provider/mpesa"
	"github.com/turingfp/micropay/pkg/retry"
	"github.com/turingfp/micropay/pkg/store"
	"github.com/turingfp/micropay/pkg/txmanager"
)

// App holds the shared wiring of the api and worker binaries. Pool and Redis
// are nil when the configured storage does not need them.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Keyspace infraRedis.Keyspace

	Gateway      *gateway.Gateway
	Sessions     store.SessionStore
	Transactions store.TransactionStore

	tracer *sdktrace.TracerProvider
}

func New(ctx context.Context, serviceName string, metricsNamespace string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.InitLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info().Str("service", serviceName).Msg("Starting")

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Keyspace: infraRedis.Keyspace(cfg.Redis.KeyPrefix),
	}

	if cfg.Observability.EnableTracing {
		tp, err := observability.InitTracer(serviceName, cfg.Observability.JaegerEndpoint, cfg.Observability.SampleRatio)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		} else {
			app.tracer = tp
			logger.Info().Msg("Tracing enabled")
		}
	}

	app.Metrics = observability.NewMetrics(metricsNamespace, nil)
	logger.Info().Msg("Metrics initialized")

	if cfg.UsesPostgres() {
		pool, err := postgres.NewPool(ctx, &cfg.Database, observability.Component(logger, "postgres"))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		app.Pool = pool
		logger.Info().Msg("Connected to PostgreSQL")
	}

	if cfg.UsesRedis() {
		client, err := infraRedis.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		app.Redis = client
		logger.Info().Msg("Connected to Redis")
	}

	app.Sessions = app.sessionStore()
	app.Transactions = app.transactionStore()

	gw, err := app.newGateway()
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("build gateway: %w", err)
	}
	app.Gateway = gw
	return app, nil
}

// GatewayConfig maps the micropay config section onto the SDK config.
func GatewayConfig(c config.MicropayConfig, m *observability.Metrics) gateway.Config {
	gc := gateway.Config{
		PublicKey:       c.PublicKey,
		SecretKey:       c.SecretKey,
		Credentials:     c.Credentials,
		Provider:        c.Provider,
		Environment:     c.Environment,
		Country:         c.Country,
		Currency:        c.Currency,
		BaseURL:         c.BaseURL,
		ProviderBaseURL: c.ProviderBaseURL,
		CallbackURL:     c.CallbackURL,
		SessionExpiry:   c.SessionExpiry,
		Passthrough:     c.Passthrough,
		Retry: retry.Config{
			MaxAttempts:  uint(c.MaxRetries) + 1,
			InitialDelay: c.RetryDelay,
			MaxDelay:     c.MaxRetryDelay,
			Multiplier:   c.BackoffMultiplier,
		},
		Transactions: txmanager.Config{
			MaxRetries:        c.MaxRetries,
			RetryDelay:        c.RetryDelay,
			BackoffMultiplier: c.BackoffMultiplier,
			MaxDelay:          c.MaxRetryDelay,
			Timeout:           c.Timeout,
		},
	}

	breaker := provider.DefaultBreakerConfig()
	if c.CircuitBreakerMinRequests > 0 {
		breaker.MinRequests = c.CircuitBreakerMinRequests
	}
	if c.CircuitBreakerFailureRatio > 0 {
		breaker.FailureRatio = c.CircuitBreakerFailureRatio
	}
	if c.CircuitBreakerTimeout > 0 {
		breaker.Timeout = c.CircuitBreakerTimeout
	}
	if m != nil {
		breaker.OnStateChange = m.BreakerStateChange
	}
	gc.Breaker = breaker
	return gc
}

func (a *App) newGateway() (*gateway.Gateway, error) {
	registry := provider.NewRegistry()
	registry.Register(mpesa.Name, observability.InstrumentConstructor(mpesa.Constructor, a.Metrics))

	gw, err := gateway.New(GatewayConfig(a.Config.Micropay, a.Metrics),
		gateway.WithLogger(observability.Component(a.Logger, "gateway")),
		gateway.WithRegistry(registry),
		gateway.WithSessionStore(a.Sessions),
		gateway.WithTransactionStore(a.Transactions),
		gateway.WithObserver(a.Metrics.SessionObserver()),
	)
	if err != nil {
		return nil, err
	}

	for _, event := range []string{
		txmanager.EventCreated,
		txmanager.EventRetry,
		txmanager.EventPending,
		txmanager.EventCompleted,
		txmanager.EventFailed,
		txmanager.EventRefunded,
	} {
		gw.OnTransaction(event, a.Metrics.TransactionListener(event))
	}
	gw.On(gateway.EventPaymentFailed, func(ev gateway.Event) {
		log := a.Logger.Warn().Err(ev.Err)
		if ev.Transaction != nil {
			log = log.Str("transaction_id", ev.Transaction.ID)
		}
		log.Msg("payment failed")
	})

	a.Logger.Info().Str("mode", string(gw.Mode())).Msg("Gateway ready")
	return gw, nil
}

func (a *App) sessionStore() store.SessionStore {
	if a.Config.Storage.Sessions == config.StorageRedis {
		return infraRedis.NewSessionStore(a.Redis, a.Keyspace)
	}
	return store.NewMemorySessionStore()
}

func (a *App) transactionStore() store.TransactionStore {
	switch a.Config.Storage.Transactions {
	case config.StoragePostgres:
		return postgres.NewTransactionRepository(a.Pool, postgres.NewTxManager(a.Pool))
	case config.StorageRedis:
		return infraRedis.NewTransactionStore(a.Redis, a.Keyspace)
	}
	return store.NewMemoryTransactionStore()
}

// CallbackProducer returns the stream producer, or nil without redis.
func (a *App) CallbackProducer() *infraRedis.CallbackProducer {
	if a.Redis == nil {
		return nil
	}
	return infraRedis.NewCallbackProducer(a.Redis, a.Keyspace, a.Config.Worker.Stream)
}

// CallbackProcessor applies callbacks in the request, or queues them for the
// worker when webhook.async is set.
func (a *App) CallbackProcessor() callback.Processor {
	if a.Config.Webhook.Async {
		if p := a.CallbackProducer(); p != nil {
			return p.Processor()
		}
	}
	return a.Gateway
}

// IdempotencyStore prefers postgres, then redis. It returns nil when
// neither is configured, which disables replay.
func (a *App) IdempotencyStore() customMW.IdempotencyStore {
	switch {
	case a.Pool != nil:
		return postgres.NewIdempotencyRepository(a.Pool)
	case a.Redis != nil:
		return infraRedis.NewIdempotencyStore(a.Redis, a.Keyspace)
	}
	return nil
}

func (a *App) callbackAuditor() controller.Auditor {
	if a.Pool == nil {
		return nil
	}
	return postgres.NewCallbackLog(a.Pool, observability.Component(a.Logger, "callback_log"))
}

// Checks returns one readiness check per connected backend.
func (a *App) Checks() []controller.Check {
	var checks []controller.Check
	if a.Pool != nil {
		checks = append(checks, controller.Check{Name: "database", Ping: a.Pool.Ping})
	}
	if a.Redis != nil {
		checks = append(checks, controller.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}
	return checks
}

// RouterDeps assembles the HTTP surface for the api binary.
func (a *App) RouterDeps(serviceName string) controller.RouterDeps {
	deps := controller.RouterDeps{
		Gateway:        a.Gateway,
		Processor:      a.CallbackProcessor(),
		Logger:         observability.Component(a.Logger, "http"),
		Server:         a.Config.Server,
		Webhook:        a.Config.Webhook,
		Auth:           a.Config.Auth,
		Service:        serviceName,
		Callback:       controller.CallbackConfig{Providers: []string{a.Config.Micropay.Provider}},
		IdempotencyTTL: a.Config.Worker.IdempotencyTTL,
		Checks:         a.Checks(),
	}
	if a.Config.Observability.EnableMetrics {
		deps.Metrics = a.Metrics
	}
	if auditor := a.callbackAuditor(); auditor != nil {
		deps.Callback.Auditor = auditor
	}
	if st := a.IdempotencyStore(); st != nil {
		deps.Idempotency = st
	}
	return deps
}

func (a *App) Close() {
	if a.tracer != nil {
		if err := observability.Shutdown(context.Background(), a.tracer); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
