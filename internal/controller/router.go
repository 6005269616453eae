package controller

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/turingfp/micropay/internal/infrastructure/config"
	"github.com/turingfp/micropay/internal/infrastructure/observability"
	customMW "github.com/turingfp/micropay/internal/middleware"
	"github.com/turingfp/micropay/pkg/callback"
)

type RouterDeps struct {
	Gateway Gateway
	// Processor applies callbacks; it is the gateway itself or a queue
	// producer when callbacks are processed asynchronously.
	Processor callback.Processor
	Metrics   *observability.Metrics
	Logger    zerolog.Logger

	Server   config.ServerConfig
	Webhook  config.WebhookConfig
	Auth     config.AuthConfig
	Service  string
	Callback CallbackConfig

	// Idempotency is optional; nil disables replay.
	Idempotency    customMW.IdempotencyStore
	IdempotencyTTL time.Duration

	Checks []Check
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing(deps.Service))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(customMW.CORS(deps.Server.CORS.AllowedOrigins, deps.Server.CORS.AllowCredentials))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.Checks...)
	sessionH := NewSessionController(deps.Gateway)
	txnH := NewTransactionController(deps.Gateway)

	callbackCfg := deps.Callback
	callbackCfg.Secret = deps.Webhook.Secret
	callbackCfg.MaxBodyBytes = deps.Webhook.MaxBodyBytes
	callbackCfg.Metrics = deps.Metrics
	callbackCfg.Logger = deps.Logger
	callbackH := NewCallbackController(deps.Processor, callbackCfg)
	callbackPath := deps.Webhook.Path
	if callbackPath == "" {
		callbackPath = "/callbacks"
	}

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if deps.Webhook.RateLimit > 0 {
			r.Use(customMW.CallbackRateLimit(deps.Webhook.RateLimit))
		}
		r.Post(callbackPath+"/{provider}", callbackH.Receive)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if deps.Auth.JWTSecret != "" {
			r.Use(customMW.RequireAuth(deps.Auth.JWTSecret))
		}
		if deps.Server.RateLimit > 0 {
			r.Use(customMW.RateLimit(deps.Server.RateLimit))
		}
		if deps.Idempotency != nil {
			r.Use(customMW.Idempotency(deps.Idempotency, deps.IdempotencyTTL, deps.Logger))
		}

		r.Get("/info", sessionH.Info)

		// Sessions
		r.Post("/sessions", sessionH.Create)
		r.Get("/sessions/{id}", sessionH.Get)
		r.Post("/sessions/{id}/pay", sessionH.Pay)
		r.Post("/sessions/{id}/cancel", sessionH.Cancel)

		// Transactions
		r.Get("/transactions/{id}/status", txnH.Status)
		r.Post("/transactions/{id}/reconcile", txnH.Reconcile)
		r.Post("/charges", txnH.Charge)
		r.Post("/refunds", txnH.Refund)
		r.Post("/payouts", txnH.Payout)
	})

	return r
}
