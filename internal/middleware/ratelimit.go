package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit allows requestsPerMinute per merchant on authenticated routes,
// falling back to the client IP when no claims are present.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return limit(requestsPerMinute, keyByMerchant)
}

// CallbackRateLimit allows requestsPerMinute per client IP and callback
// route, so a burst for one provider does not throttle another.
func CallbackRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return limit(requestsPerMinute, httprate.KeyByIP, httprate.KeyByEndpoint)
}

func limit(requestsPerMinute int, keys ...httprate.KeyFunc) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(keys...),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded",
				"code":  "RATE_LIMIT_ERROR",
			})
		}),
	)
}

func keyByMerchant(r *http.Request) (string, error) {
	if id, ok := GetMerchantID(r.Context()); ok && id != "" {
		return "merchant:" + id, nil
	}
	return httprate.KeyByIP(r)
}
