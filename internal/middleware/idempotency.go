package middleware

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const (
	IdempotencyHeader      = "Idempotency-Key"
	maxIdempotencyBodySize = 1 << 20
)

// IdempotencyStore keeps responses so a retried request replays the first
// answer instead of creating a second session or charge.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (status int, body []byte, found bool, err error)
	Remember(ctx context.Context, key string, status int, body []byte, ttl time.Duration) error
}

// Idempotency replays stored responses for POST requests carrying an
// Idempotency-Key. Keys are scoped to the authenticated merchant. 5xx
// responses are not stored so the client can retry them.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if merchant, ok := GetMerchantID(r.Context()); ok {
				key = merchant + ":" + key
			}

			status, body, found, err := store.Lookup(r.Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency lookup failed")
			}
			if found {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Replayed", "true")
				w.WriteHeader(status)
				w.Write(body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, body: &bytes.Buffer{}, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode >= 200 && rec.statusCode < 500 && !rec.bodyTruncated {
				if err := store.Remember(r.Context(), key, rec.statusCode, rec.body.Bytes(), ttl); err != nil {
					logger.Warn().Err(err).Str("idempotency_key", key).Msg("failed to store idempotent response")
				}
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode    int
	body          *bytes.Buffer
	bodyTruncated bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.bodyTruncated {
		if r.body.Len()+len(b) > maxIdempotencyBodySize {
			r.bodyTruncated = true
		} else {
			r.body.Write(b)
		}
	}
	return r.ResponseWriter.Write(b)
}
