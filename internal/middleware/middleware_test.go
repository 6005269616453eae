package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/turingfp/micropay/internal/infrastructure/observability"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func TestRequireAuth(t *testing.T) {
	valid, err := IssueToken(testSecret, "merchant-1", time.Hour)
	require.NoError(t, err)
	wrongKey, err := IssueToken("another-secret-another-secret-xx", "merchant-1", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(testSecret, "merchant-1", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   string
	}{
		{"missing header", "", http.StatusUnauthorized, "auth_required"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "auth_invalid_scheme"},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, "auth_invalid"},
		{"wrong key", "Bearer " + wrongKey, http.StatusUnauthorized, "auth_invalid"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, "auth_invalid"},
		{"valid", "Bearer " + valid, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var merchant string
			h := RequireAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				merchant, _ = GetMerchantID(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				assert.Contains(t, w.Body.String(), tt.wantCode)
			} else {
				assert.Equal(t, "merchant-1", merchant)
			}
		})
	}
}

type storedResponse struct {
	status int
	body   []byte
}

type memoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]storedResponse
}

func (m *memoryIdempotency) Lookup(_ context.Context, key string) (int, []byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e.status, e.body, ok, nil
}

func (m *memoryIdempotency) Remember(_ context.Context, key string, status int, body []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]storedResponse)
	}
	m.entries[key] = storedResponse{status: status, body: bytes.Clone(body)}
	return nil
}

func TestIdempotency_ReplaysStoredResponse(t *testing.T) {
	store := &memoryIdempotency{}
	calls := 0
	h := Idempotency(store, time.Hour, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"sess_1"}`))
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
		req.Header.Set(IdempotencyHeader, "abc")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.JSONEq(t, `{"id":"sess_1"}`, w.Body.String())
		if i == 1 {
			assert.Equal(t, "true", w.Header().Get("X-Idempotency-Replayed"))
		}
	}
	assert.Equal(t, 1, calls)
}

func TestIdempotency_SkipsServerErrorsAndOtherMethods(t *testing.T) {
	store := &memoryIdempotency{}
	calls := 0
	h := Idempotency(store, time.Hour, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/pay", nil)
		req.Header.Set(IdempotencyHeader, "abc")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil)
	req.Header.Set(IdempotencyHeader, "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 3, calls)
	assert.Empty(t, store.entries)
}

func TestIdempotency_ScopesKeysByMerchant(t *testing.T) {
	store := &memoryIdempotency{}
	h := Idempotency(store, time.Hour, zerolog.Nop())(http.HandlerFunc(okHandler))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
	req.Header.Set(IdempotencyHeader, "abc")
	req = req.WithContext(context.WithValue(req.Context(), MerchantIDKey, "merchant-1"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	_, _, found, _ := store.Lookup(context.Background(), "merchant-1:abc")
	assert.True(t, found)
}

func TestResponseRecorder_Truncates(t *testing.T) {
	rec := &responseRecorder{ResponseWriter: httptest.NewRecorder(), body: &bytes.Buffer{}, statusCode: http.StatusOK}
	_, err := rec.Write(make([]byte, maxIdempotencyBodySize+1))
	require.NoError(t, err)
	assert.True(t, rec.bodyTruncated)
	assert.Zero(t, rec.body.Len())
}

func TestMetrics_LabelsByRoutePattern(t *testing.T) {
	m := observability.NewMetrics("test", prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/api/v1/sessions/{id}", okHandler)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s2", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/sessions/{id}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/missing", "404")))
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(1)(http.HandlerFunc(okHandler))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/callbacks/mpesa", nil))
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/callbacks/mpesa", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "RATE_LIMIT_ERROR")
}

func TestRateLimit_PerMerchant(t *testing.T) {
	h := RateLimit(1)(http.HandlerFunc(okHandler))
	send := func(merchant string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
		req = req.WithContext(context.WithValue(req.Context(), MerchantIDKey, merchant))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("merchant-1"))
	assert.Equal(t, http.StatusOK, send("merchant-2"), "same IP, different merchant")
	assert.Equal(t, http.StatusTooManyRequests, send("merchant-1"))
}

func TestCallbackRateLimit_PerProviderRoute(t *testing.T) {
	h := CallbackRateLimit(1)(http.HandlerFunc(okHandler))
	send := func(path string) int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("/callbacks/mpesa"))
	assert.Equal(t, http.StatusOK, send("/callbacks/airtel"))
	assert.Equal(t, http.StatusTooManyRequests, send("/callbacks/mpesa"))
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders()(http.HandlerFunc(okHandler)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"), "no HSTS without TLS")
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS([]string{"https://shop.example"}, false)(http.HandlerFunc(okHandler))
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestTracing_NamesSpanAfterRoute(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := chi.NewRouter()
	r.Use(Tracing("micropay"))
	r.Post("/api/v1/sessions/{id}/pay", okHandler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/pay", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /api/v1/sessions/{id}/pay", spans[0].Name())
}
