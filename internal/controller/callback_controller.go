package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/turingfp/micropay/internal/infrastructure/observability"
	"github.com/turingfp/micropay/pkg/callback"
)

// Auditor records every delivery for a provider.
type Auditor interface {
	Audit(provider string) func(*http.Request, callback.Receipt)
}

type CallbackConfig struct {
	Providers    []string
	Secret       string
	MaxBodyBytes int64
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
	Auditor      Auditor
}

// CallbackController receives provider notifications on
// /callbacks/{provider}.
type CallbackController struct {
	handler   http.Handler
	providers map[string]bool
}

func NewCallbackController(p callback.Processor, cfg CallbackConfig) *CallbackController {
	providers := make(map[string]bool, len(cfg.Providers))
	for _, name := range cfg.Providers {
		providers[name] = true
	}

	opts := []callback.HandlerOption{
		callback.WithSecret(cfg.Secret),
		callback.WithLogger(cfg.Logger),
		callback.WithAudit(func(r *http.Request, rec callback.Receipt) {
			name := chi.URLParam(r, "provider")
			if cfg.Metrics != nil {
				cfg.Metrics.CallbacksTotal.WithLabelValues(eventType(rec), callbackResult(rec)).Inc()
			}
			if cfg.Auditor != nil {
				cfg.Auditor.Audit(name)(r, rec)
			}
		}),
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, callback.WithMaxBodyBytes(cfg.MaxBodyBytes))
	}

	return &CallbackController{
		handler:   callback.NewHTTPHandler(p, opts...),
		providers: providers,
	}
}

// Receive handles POST /callbacks/{provider}
func (h *CallbackController) Receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if !h.providers[name] {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown provider: " + name, Code: "not_found"})
		return
	}
	h.handler.ServeHTTP(w, r)
}

func eventType(rec callback.Receipt) string {
	if rec.Event == nil {
		return string(callback.EventUnknown)
	}
	return string(rec.Event.Type)
}

func callbackResult(rec callback.Receipt) string {
	switch {
	case rec.Rejected != "":
		return "rejected"
	case rec.ProcessingErr != nil:
		return "error"
	default:
		return "accepted"
	}
}
