// Package platform is a client for the hosted Micropay payment-intent API.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/turingfp/micropay/pkg/errors"
)

// DefaultBaseURL is the hosted API root.
const DefaultBaseURL = "https://micropay.dev/v1"

// API is the subset of the platform the gateway depends on.
type API interface {
	CreatePaymentIntent(ctx context.Context, p CreateIntentParams) (*Intent, error)
	ConfirmPaymentIntent(ctx context.Context, id string, p ConfirmParams) (*Intent, error)
	GetPaymentIntent(ctx context.Context, id string) (*Intent, error)
	GetStatus(ctx context.Context, id string) (*TransactionView, error)
	Reconcile(ctx context.Context, id string) (*TransactionView, error)
}

type Config struct {
	BaseURL string
	// PublicKey authorizes client-side calls.
	PublicKey string
	// SecretKey is preferred for intent creation when set.
	SecretKey  string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

type Client struct {
	baseURL   string
	publicKey string
	secretKey string
	http      *http.Client
	logger    zerolog.Logger
}

var _ API = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.PublicKey == "" && cfg.SecretKey == "" {
		return nil, &errors.ConfigurationError{
			Message:     "Public Key required",
			MissingKeys: []string{"publicKey"},
			Err:         errors.ErrPublicKeyRequired,
		}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		publicKey: cfg.PublicKey,
		secretKey: cfg.SecretKey,
		http:      httpClient,
		logger:    cfg.Logger,
	}, nil
}

// CreatePaymentIntent registers an intended charge. An Idempotency-Key is
// generated when the caller supplies none.
func (c *Client) CreatePaymentIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	key := p.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	var intent Intent
	err := c.do(ctx, http.MethodPost, "/payment_intents", c.serverKey(), p, &intent, map[string]string{
		"Idempotency-Key": key,
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// ConfirmPaymentIntent triggers the STK push for an intent.
func (c *Client) ConfirmPaymentIntent(ctx context.Context, id string, p ConfirmParams) (*Intent, error) {
	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(id)+"/confirm", c.clientKey(), p, &intent, nil); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) GetPaymentIntent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	if err := c.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(id), c.clientKey(), nil, &intent, nil); err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetStatus looks up a transaction by platform or external id.
func (c *Client) GetStatus(ctx context.Context, id string) (*TransactionView, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/status?id="+url.QueryEscape(id), c.clientKey(), nil, &out, nil); err != nil {
		return nil, err
	}
	if out.Transaction == nil {
		return nil, errors.NewTransactionError(id, errors.ErrTransactionNotFound)
	}
	return out.Transaction, nil
}

// Reconcile asks the platform to re-check an intent upstream, then returns
// its status.
func (c *Client) Reconcile(ctx context.Context, id string) (*TransactionView, error) {
	if err := c.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(id)+"/reconcile", c.serverKey(), struct{}{}, nil, nil); err != nil {
		return nil, err
	}
	return c.GetStatus(ctx, id)
}

func (c *Client) serverKey() string {
	if c.secretKey != "" {
		return c.secretKey
	}
	return c.publicKey
}

func (c *Client) clientKey() string {
	if c.publicKey != "" {
		return c.publicKey
	}
	return c.secretKey
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, in, out any, headers map[string]string) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewNetworkError(fmt.Sprintf("%s %s failed: %v", method, path, err), 0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.NewNetworkError("read response: "+err.Error(), resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error
		if msg == "" {
			msg = "Request failed"
		}
		c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("platform request failed")
		netErr := errors.NewNetworkError(msg, resp.StatusCode, nil)
		netErr.Body = string(raw)
		return netErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.NewNetworkError("decode response: "+err.Error(), resp.StatusCode, err)
	}
	return nil
}
