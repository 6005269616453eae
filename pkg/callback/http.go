package callback

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "x-webhook-secret"

// DefaultMaxBodyBytes caps a notification body.
const DefaultMaxBodyBytes = 1 << 20

// Receipt describes one delivery, accepted or not.
type Receipt struct {
	Event    *Event
	Body     []byte
	Status   int
	Rejected string
	// ProcessingErr is the processor failure that was still acknowledged.
	ProcessingErr error
}

type handler struct {
	processor Processor
	secret    string
	maxBody   int64
	logger    zerolog.Logger
	audit     func(r *http.Request, rec Receipt)
}

type HandlerOption func(*handler)

// WithSecret requires deliveries to present secret in SecretHeader.
func WithSecret(secret string) HandlerOption {
	return func(h *handler) { h.secret = secret }
}

func WithLogger(l zerolog.Logger) HandlerOption {
	return func(h *handler) { h.logger = l }
}

func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *handler) { h.maxBody = n }
}

// WithAudit registers fn to observe every delivery after it is answered.
func WithAudit(fn func(r *http.Request, rec Receipt)) HandlerOption {
	return func(h *handler) { h.audit = fn }
}

// NewHTTPHandler acknowledges provider notifications. Every authenticated
// delivery gets 200 {"received":true}; a processor failure is reported in
// processingError instead of a non-2xx status so the provider does not
// redeliver.
func NewHTTPHandler(p Processor, opts ...HandlerOption) http.Handler {
	h := &handler{processor: p, maxBody: DefaultMaxBodyBytes, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type ack struct {
	Received        bool   `json:"received,omitempty"`
	ProcessingError string `json:"processingError,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(h.secret)) != 1 {
		h.logger.Warn().Str("remote_addr", r.RemoteAddr).Msg("callback rejected: invalid webhook secret")
		h.reply(w, r, http.StatusUnauthorized, ack{Error: "Invalid webhook secret"}, Receipt{Rejected: "invalid webhook secret"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.logger.Warn().Err(err).Msg("callback body unreadable")
		h.reply(w, r, http.StatusOK, ack{Received: true, ProcessingError: err.Error()}, Receipt{Body: body, ProcessingErr: err})
		return
	}

	ev, err := Parse(body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("callback payload rejected")
		h.reply(w, r, http.StatusOK, ack{Received: true, ProcessingError: err.Error()}, Receipt{Body: body, ProcessingErr: err})
		return
	}

	log := h.logger.With().
		Str("event_type", string(ev.Type)).
		Str("transaction_id", ev.TransactionID).
		Logger()
	log.Info().Str("status_code", ev.StatusCode).Msg("callback received")

	rec := Receipt{Event: &ev, Body: body}
	resp := ack{Received: true}
	if err := h.processor.HandleEvent(r.Context(), ev); err != nil {
		log.Error().Err(err).Msg("callback processing failed")
		resp.ProcessingError = err.Error()
		rec.ProcessingErr = err
	}
	h.reply(w, r, http.StatusOK, resp, rec)
}

func (h *handler) reply(w http.ResponseWriter, r *http.Request, status int, body ack, rec Receipt) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)

	if h.audit != nil {
		rec.Status = status
		h.audit(r, rec)
	}
}
