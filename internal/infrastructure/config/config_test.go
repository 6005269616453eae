package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Host: "localhost", Port: 5432},
		Redis:    RedisConfig{Host: "localhost", Port: 6379},
		Micropay: MicropayConfig{PublicKey: "pk_test_1", Environment: "sandbox"},
		Worker: WorkerConfig{
			ReconcileInterval: 30 * time.Second,
			BatchSize:         10,
			LockTTL:           30 * time.Second,
		},
		Storage: StorageConfig{Sessions: StorageMemory, Transactions: StorageMemory},
	}
}

func TestConfig_Validate_Success(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 99999 }, "server.port"},
		{"read timeout", func(c *Config) { c.Server.ReadTimeout = 0 }, "server.read_timeout"},
		{"write timeout", func(c *Config) { c.Server.WriteTimeout = 0 }, "server.write_timeout"},
		{"no credentials", func(c *Config) { c.Micropay.PublicKey = "" }, "micropay.public_key"},
		{"negative retries", func(c *Config) { c.Micropay.MaxRetries = -1 }, "micropay.max_retries"},
		{"failure ratio", func(c *Config) { c.Micropay.CircuitBreakerFailureRatio = 1.5 }, "failure_ratio"},
		{"unknown backend", func(c *Config) { c.Storage.Sessions = "etcd" }, "storage.sessions"},
		{"postgres sessions", func(c *Config) { c.Storage.Sessions = StoragePostgres }, "does not support postgres"},
		{"postgres host", func(c *Config) {
			c.Storage.Transactions = StoragePostgres
			c.Database.Host = ""
		}, "database.host"},
		{"redis port", func(c *Config) {
			c.Storage.Sessions = StorageRedis
			c.Redis.Port = 0
		}, "redis.port"},
		{"async webhook without shared sessions", func(c *Config) { c.Webhook.Async = true }, "webhook.async"},
		{"lock ttl", func(c *Config) { c.Worker.LockTTL = 0 }, "worker.lock_ttl"},
		{"batch size", func(c *Config) { c.Worker.BatchSize = 0 }, "worker.batch_size"},
		{"reconcile interval", func(c *Config) { c.Worker.ReconcileInterval = 0 }, "worker.reconcile_interval"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "at least 32 characters"},
		{"production webhook secret", func(c *Config) { c.Micropay.Environment = "production" }, "webhook.secret"},
		{"production passthrough", func(c *Config) {
			c.Micropay.Environment = "production"
			c.Micropay.Passthrough = true
		}, "passthrough not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Validate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Worker.BatchSize = 0
	cfg.Micropay.PublicKey = ""

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "worker.batch_size")
	assert.Contains(t, err.Error(), "micropay.public_key")
}

func TestConfig_PassthroughNeedsNoKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Micropay.PublicKey = ""
	cfg.Micropay.Passthrough = true

	assert.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MICROPAY_MICROPAY_PUBLIC_KEY", "pk_test_env")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "pk_test_env", cfg.Micropay.PublicKey)
	assert.Equal(t, "mpesa", cfg.Micropay.Provider)
	assert.Equal(t, "KE", cfg.Micropay.Country)
	assert.Equal(t, 10*time.Minute, cfg.Micropay.SessionExpiry)
	assert.Equal(t, StorageMemory, cfg.Storage.Sessions)
	assert.Equal(t, 30*time.Second, cfg.Worker.ReconcileInterval)
	assert.Equal(t, 600, cfg.Webhook.RateLimit)
}

func TestLoad_YAMLAndCredentialEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := `
server:
  port: 9090
micropay:
  environment: sandbox
  credentials:
    consumer_key: yaml-key
    shortcode: "174379"
storage:
  sessions: redis
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("MICROPAY_CREDENTIALS_PASSKEY", "env-passkey")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, StorageRedis, cfg.Storage.Sessions)
	assert.Equal(t, map[string]string{
		"consumerKey": "yaml-key",
		"shortcode":   "174379",
		"passkey":     "env-passkey",
	}, cfg.Micropay.Credentials)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MICROPAY_SERVER_PORT", "0")
	t.Setenv("MICROPAY_MICROPAY_PASSTHROUGH", "true")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestConnectionStrings(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "micropay", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=micropay sslmode=disable", db.DatabaseDSN())
	assert.Equal(t, "postgres://u:p@db:5432/micropay?sslmode=disable", db.DatabaseURL())

	r := RedisConfig{Host: "cache", Port: 6380}
	assert.Equal(t, "cache:6380", r.RedisAddr())
}
