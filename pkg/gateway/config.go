package gateway

import (
	"net/http"
	"time"

	"github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/phone"
	"github.com/turingfp/micropay/pkg/provider"
	"github.com/turingfp/micropay/pkg/provider/mpesa"
	"github.com/turingfp/micropay/pkg/retry"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/txmanager"
)

// Mode is the dispatch strategy, fixed at construction.
type Mode string

const (
	// ModeDirect charges through a provider adapter with local credentials.
	ModeDirect Mode = "direct"
	// ModePlatform creates and confirms payment intents on the hosted API.
	ModePlatform Mode = "platform"
	// ModeMock dispatches nothing and leaves sessions awaiting confirmation.
	ModeMock Mode = "mock"
)

// Config configures a Gateway.
type Config struct {
	PublicKey string
	SecretKey string
	// Credentials are handed to the provider adapter. Setting any selects
	// direct mode.
	Credentials map[string]string
	Provider    string
	Environment string
	Country     string
	Currency    string
	// BaseURL is the platform API root.
	BaseURL string
	// ProviderBaseURL overrides the adapter's API host.
	ProviderBaseURL string
	CallbackURL     string
	HTTPClient      *http.Client

	// Retry governs direct-mode retries of transient provider failures.
	Retry retry.Config
	// Transactions is the retry policy for standalone charges.
	Transactions txmanager.Config
	Breaker      provider.BreakerConfig

	SessionExpiry time.Duration
	// Passthrough permits mock mode when neither a key nor credentials are
	// set.
	Passthrough bool
	// OnSessionUpdate receives a snapshot after every session transition.
	OnSessionUpdate func(session.Snapshot)
}

// DefaultRetryConfig is the direct-mode transient retry policy.
func DefaultRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

func (c *Config) setDefaults() {
	if c.Provider == "" {
		c.Provider = mpesa.Name
	}
	if c.Environment == "" {
		c.Environment = provider.EnvironmentSandbox
	}
	if c.Country == "" {
		c.Country = phone.DefaultRegion
	}
	if c.Currency == "" {
		c.Currency = "KES"
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryConfig()
	}
	if c.Transactions == (txmanager.Config{}) {
		c.Transactions = txmanager.DefaultConfig()
	}
	if c.Breaker.MinRequests == 0 && c.Breaker.FailureRatio == 0 {
		onChange := c.Breaker.OnStateChange
		c.Breaker = provider.DefaultBreakerConfig()
		c.Breaker.OnStateChange = onChange
	}
}

func (c *Config) mode(hasAdapter, hasPlatform bool) (Mode, error) {
	switch {
	case hasAdapter || len(c.Credentials) > 0:
		return ModeDirect, nil
	case hasPlatform || c.PublicKey != "":
		return ModePlatform, nil
	case c.Passthrough:
		return ModeMock, nil
	}
	return "", &errors.ConfigurationError{
		Message:     "Either a public key or provider credentials are required",
		MissingKeys: []string{"publicKey", "credentials"},
	}
}

// DefaultRegistry knows every bundled adapter.
func DefaultRegistry() *provider.Registry {
	r := provider.NewRegistry()
	r.Register(mpesa.Name, mpesa.Constructor)
	return r
}
