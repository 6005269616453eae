// Package mpesa implements the Safaricom Daraja STK Push adapter.
package mpesa

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/provider"
)

// Name is the registry name of the adapter.
const Name = "mpesa"

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	authPath     = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"
	defaultLabel    = "Payment"
	timestampLayout = "20060102150405"
	tokenMargin     = 60 * time.Second
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// Credential keys and their accepted aliases.
var credentialAliases = []struct {
	key     string
	aliases []string
}{
	{"consumerKey", []string{"consumerKey", "apiKey"}},
	{"consumerSecret", []string{"consumerSecret", "publicKey"}},
	{"shortcode", []string{"shortcode", "serviceProviderCode"}},
	{"passkey", []string{"passkey"}},
}

type credentials struct {
	consumerKey    string
	consumerSecret string
	shortcode      string
	passkey        string
}

// Adapter talks to Daraja. It is safe for concurrent use.
type Adapter struct {
	cfg     provider.Config
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
	now     func() time.Time

	initOnce sync.Once
	initErr  error
	creds    credentials

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithClock overrides time.Now, for deterministic timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

func New(cfg provider.Config, opts ...Option) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = SandboxURL
		if cfg.IsProduction() {
			baseURL = ProductionURL
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	a := &Adapter{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  cfg.Logger.With().Str("provider", Name).Logger(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Constructor registers the adapter with a provider.Registry.
func Constructor(cfg provider.Config) (provider.Adapter, error) {
	return New(cfg), nil
}

func (a *Adapter) Name() string { return Name }

// Initialize validates credentials once. Every missing key is reported.
func (a *Adapter) Initialize(context.Context) error {
	a.initOnce.Do(func() {
		a.creds, a.initErr = resolveCredentials(a.cfg.Credentials)
	})
	return a.initErr
}

func resolveCredentials(raw map[string]string) (credentials, error) {
	values := make(map[string]string, len(credentialAliases))
	var missing []string
	for _, c := range credentialAliases {
		for _, alias := range c.aliases {
			if v := strings.TrimSpace(raw[alias]); v != "" {
				values[c.key] = v
				break
			}
		}
		if values[c.key] == "" {
			missing = append(missing, c.key)
		}
	}
	if len(missing) > 0 {
		return credentials{}, errors.NewConfigurationError(
			fmt.Sprintf("Missing M-Pesa credentials: %s", strings.Join(missing, ", ")), missing...)
	}
	return credentials{
		consumerKey:    values["consumerKey"],
		consumerSecret: values["consumerSecret"],
		shortcode:      values["shortcode"],
		passkey:        values["passkey"],
	}, nil
}

// Refund is not offered by the STK Push integration.
func (a *Adapter) Refund(context.Context, provider.RefundRequest) (*provider.ChargeResult, error) {
	return nil, errors.NewProviderError("Refunds are not yet implemented for M-Pesa", Name, errors.ErrNotImplemented)
}

// Payout is not offered by the STK Push integration.
func (a *Adapter) Payout(context.Context, provider.PayoutRequest) (*provider.ChargeResult, error) {
	return nil, errors.NewProviderError("Payouts are not yet implemented for M-Pesa", Name, errors.ErrNotImplemented)
}

func (a *Adapter) timestamp() string {
	return a.now().In(eat).Format(timestampLayout)
}
