package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends for sessions and standalone transactions.
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Micropay      MicropayConfig      `mapstructure:"micropay"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	ApplicationName string        `mapstructure:"application_name"`

	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
}

// MicropayConfig is the gateway configuration. Credentials holds the
// provider keys (consumer_key, consumer_secret, shortcode, passkey for
// M-Pesa).
type MicropayConfig struct {
	PublicKey       string            `mapstructure:"public_key"`
	SecretKey       string            `mapstructure:"secret_key"`
	Provider        string            `mapstructure:"provider"`
	Environment     string            `mapstructure:"environment"`
	Country         string            `mapstructure:"country"`
	Currency        string            `mapstructure:"currency"`
	BaseURL         string            `mapstructure:"base_url"`
	ProviderBaseURL string            `mapstructure:"provider_base_url"`
	CallbackURL     string            `mapstructure:"callback_url"`
	Credentials     map[string]string `mapstructure:"credentials"`
	Passthrough     bool              `mapstructure:"passthrough"`
	SessionExpiry   time.Duration     `mapstructure:"session_expiry"`

	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	Timeout           time.Duration `mapstructure:"timeout"`

	CircuitBreakerMinRequests  uint32        `mapstructure:"circuit_breaker_min_requests"`
	CircuitBreakerFailureRatio float64       `mapstructure:"circuit_breaker_failure_ratio"`
	CircuitBreakerTimeout      time.Duration `mapstructure:"circuit_breaker_timeout"`
}

type WebhookConfig struct {
	Secret       string `mapstructure:"secret"`
	Path         string `mapstructure:"path"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	// RateLimit is requests per minute per client IP and provider route.
	RateLimit int `mapstructure:"rate_limit"`
	// Async queues callbacks on the redis stream instead of applying them
	// in the request.
	Async bool `mapstructure:"async"`
}

type WorkerConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	BatchSize         int64         `mapstructure:"batch_size"`
	BlockDuration     time.Duration `mapstructure:"block_duration"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	Stream            string        `mapstructure:"stream"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	IdempotencyTTL    time.Duration `mapstructure:"idempotency_ttl"`
}

type StorageConfig struct {
	Sessions     string `mapstructure:"sessions"`
	Transactions string `mapstructure:"transactions"`
}

type ObservabilityConfig struct {
	LogLevel       string  `mapstructure:"log_level"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool    `mapstructure:"enable_metrics"`
	EnableTracing  bool    `mapstructure:"enable_tracing"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	ServiceName    string  `mapstructure:"service_name"`
}

// Load reads an optional .env file, config.yaml and MICROPAY_* environment
// variables, in increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MICROPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/micropay")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Micropay.Credentials = credentialsFromEnv(cfg.Micropay.Credentials)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// credentialKeys maps MICROPAY_CREDENTIALS_* variables to adapter keys.
// AutomaticEnv cannot discover map entries, so they are read explicitly.
var credentialKeys = map[string]string{
	"CONSUMER_KEY":    "consumerKey",
	"CONSUMER_SECRET": "consumerSecret",
	"SHORTCODE":       "shortcode",
	"PASSKEY":         "passkey",
}

func credentialsFromEnv(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+len(credentialKeys))
	for k, v := range in {
		out[normalizeCredentialKey(k)] = v
	}
	for env, key := range credentialKeys {
		if v := os.Getenv("MICROPAY_CREDENTIALS_" + env); v != "" {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeCredentialKey turns yaml's consumer_key into consumerKey.
func normalizeCredentialKey(k string) string {
	if key, ok := credentialKeys[strings.ToUpper(k)]; ok {
		return key
	}
	return k
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}

	if c.Micropay.PublicKey == "" && len(c.Micropay.Credentials) == 0 && !c.Micropay.Passthrough {
		errs = append(errs, fmt.Errorf("micropay.public_key or micropay.credentials is required"))
	}
	if c.Micropay.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("micropay.max_retries must not be negative"))
	}
	if r := c.Micropay.CircuitBreakerFailureRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("micropay.circuit_breaker_failure_ratio must be between 0 and 1"))
	}

	backends := []string{StorageMemory, StorageRedis, StoragePostgres}
	if !slices.Contains(backends, c.Storage.Sessions) {
		errs = append(errs, fmt.Errorf("storage.sessions must be one of %v, got %q", backends, c.Storage.Sessions))
	}
	if !slices.Contains(backends, c.Storage.Transactions) {
		errs = append(errs, fmt.Errorf("storage.transactions must be one of %v, got %q", backends, c.Storage.Transactions))
	}
	if c.Storage.Sessions == StoragePostgres {
		errs = append(errs, fmt.Errorf("storage.sessions does not support postgres"))
	}
	if c.UsesPostgres() {
		if c.Database.Host == "" {
			errs = append(errs, fmt.Errorf("database.host is required"))
		}
		if c.Database.Port <= 0 {
			errs = append(errs, fmt.Errorf("database.port must be positive"))
		}
	}
	if c.UsesRedis() && c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Webhook.Async && c.Storage.Sessions == StorageMemory {
		errs = append(errs, fmt.Errorf("webhook.async requires shared session storage"))
	}

	if c.Worker.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("worker.lock_ttl must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}
	if c.Worker.ReconcileInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.reconcile_interval must be positive"))
	}

	if c.Micropay.Environment == "production" {
		if c.Webhook.Secret == "" {
			errs = append(errs, fmt.Errorf("webhook.secret required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
		if c.Micropay.Passthrough {
			errs = append(errs, fmt.Errorf("micropay.passthrough not allowed in production"))
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

// UsesPostgres reports whether a database connection is needed.
func (c *Config) UsesPostgres() bool {
	return c.Storage.Transactions == StoragePostgres
}

// UsesRedis reports whether any component needs a redis connection.
func (c *Config) UsesRedis() bool {
	return c.Storage.Sessions == StorageRedis || c.Storage.Transactions == StorageRedis || c.Webhook.Async
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit", 100)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "micropay")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "micropay")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "30m")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.application_name", "micropay")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.connect_retry_delay", "1s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")
	v.SetDefault("redis.key_prefix", "micropay")

	// Gateway defaults. Keys without a real default are registered empty so
	// AutomaticEnv can populate them during Unmarshal.
	for _, k := range []string{"public_key", "secret_key", "base_url", "provider_base_url", "callback_url"} {
		v.SetDefault("micropay."+k, "")
	}
	v.SetDefault("micropay.passthrough", false)
	v.SetDefault("micropay.provider", "mpesa")
	v.SetDefault("micropay.environment", "sandbox")
	v.SetDefault("micropay.country", "KE")
	v.SetDefault("micropay.currency", "KES")
	v.SetDefault("micropay.session_expiry", "10m")
	v.SetDefault("micropay.max_retries", 3)
	v.SetDefault("micropay.retry_delay", "1s")
	v.SetDefault("micropay.backoff_multiplier", 2.0)
	v.SetDefault("micropay.max_retry_delay", "30s")
	v.SetDefault("micropay.timeout", "30s")
	v.SetDefault("micropay.circuit_breaker_min_requests", 10)
	v.SetDefault("micropay.circuit_breaker_failure_ratio", 0.6)
	v.SetDefault("micropay.circuit_breaker_timeout", "30s")

	// Webhook defaults
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.path", "/callbacks")
	v.SetDefault("webhook.max_body_bytes", 1<<20)
	v.SetDefault("webhook.rate_limit", 600)
	v.SetDefault("webhook.async", false)

	// Worker defaults
	v.SetDefault("worker.reconcile_interval", "30s")
	v.SetDefault("worker.stale_after", "2m")
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_duration", "1s")
	v.SetDefault("worker.consumer_group", "micropay-callbacks")
	v.SetDefault("worker.stream", "callbacks")
	v.SetDefault("worker.lock_ttl", "30s")
	v.SetDefault("worker.idempotency_ttl", "24h")

	// Storage defaults
	v.SetDefault("storage.sessions", StorageMemory)
	v.SetDefault("storage.transactions", StorageMemory)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)
	v.SetDefault("observability.sample_ratio", 1.0)
	v.SetDefault("observability.service_name", "micropay")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiry", "24h")

	v.SetDefault("instance_id", "micropay-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL is the URL form required by golang-migrate.
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
