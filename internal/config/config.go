package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Logger   LoggerConfig
	Cron     CronConfig
	Billing  BillingConfig
	Secrets  SecretsConfig
	Webhook  WebhookConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int
	Host        string
	MetricsPort int
	Environment string // development, staging, production
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32

	// LockTimeout bounds the wait for a subscription row held by another worker.
	LockTimeout time.Duration
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string // debug, info, warn, error
	Development bool
}

// CronConfig holds the sweep schedule and the cron endpoint protection
type CronConfig struct {
	Secret          string
	RenewalInterval time.Duration
	RetryInterval   time.Duration
	// EnableSweeps runs the sweeps in-process; disable when an external cron calls the endpoints.
	EnableSweeps bool
	RateLimit    float64 // requests per second
	RateBurst    int
}

// BillingConfig holds engine tuning
type BillingConfig struct {
	BatchSize   int
	Concurrency int
	// Precision is the number of decimals proration amounts are rounded to.
	Precision int32
	// RulesPath points at the retry rule and proration policy file; empty uses the defaults.
	RulesPath string
}

// WebhookConfig lists the endpoints billing events are forwarded to
type WebhookConfig struct {
	URLs []string
	// Events restricts forwarding to these event types; empty forwards everything.
	Events      []string
	Secret      string
	MaxAttempts int
}

// Enabled reports whether any endpoint is configured
func (w *WebhookConfig) Enabled() bool {
	return len(w.URLs) > 0
}

// SecretsConfig selects where DB_PASSWORD and CRON_SECRET come from
type SecretsConfig struct {
	Backend        string // env, aws, gcp, vault, local
	CacheTTL       time.Duration
	DBPasswordPath string
	CronSecretPath string

	// WebhookSecretPath fills WEBHOOK_SECRET from the backend when set.
	WebhookSecretPath string

	AWSRegion   string
	AWSProfile  string
	AWSEndpoint string

	GCPProjectID string

	VaultAddress    string
	VaultAuthMethod string
	VaultToken      string
	VaultRoleID     string
	VaultSecretID   string
	VaultMountPath  string
	VaultNamespace  string

	LocalPath string
}

// UsesSecretManager reports whether secrets come from a backend rather than the environment
func (s *SecretsConfig) UsesSecretManager() bool {
	return s.Backend != "" && s.Backend != "env"
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        getEnvAsInt("SERVER_PORT", 8080),
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			MetricsPort: getEnvAsInt("METRICS_PORT", 9090),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "recurring_billing"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvAsInt("DB_MIN_CONNS", 5)),

			LockTimeout: getEnvAsDuration("DB_LOCK_TIMEOUT", 5*time.Second),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
		Cron: CronConfig{
			Secret:          getEnv("CRON_SECRET", ""),
			RenewalInterval: getEnvAsDuration("CRON_RENEWAL_INTERVAL", 5*time.Minute),
			RetryInterval:   getEnvAsDuration("CRON_RETRY_INTERVAL", time.Minute),
			EnableSweeps:    getEnvAsBool("CRON_ENABLE_SWEEPS", true),
			RateLimit:       getEnvAsFloat("CRON_RATE_LIMIT", 1),
			RateBurst:       getEnvAsInt("CRON_RATE_BURST", 5),
		},
		Billing: BillingConfig{
			BatchSize:   getEnvAsInt("BILLING_BATCH_SIZE", 100),
			Concurrency: getEnvAsInt("BILLING_CONCURRENCY", 4),
			Precision:   int32(getEnvAsInt("BILLING_PRECISION", 2)),
			RulesPath:   getEnv("BILLING_RULES_PATH", ""),
		},
		Secrets: SecretsConfig{
			Backend:           getEnv("SECRETS_BACKEND", "env"),
			CacheTTL:          getEnvAsDuration("SECRETS_CACHE_TTL", 5*time.Minute),
			DBPasswordPath:    getEnv("SECRETS_DB_PASSWORD_PATH", ""),
			CronSecretPath:    getEnv("SECRETS_CRON_SECRET_PATH", ""),
			WebhookSecretPath: getEnv("SECRETS_WEBHOOK_SECRET_PATH", ""),
			AWSRegion:         getEnv("AWS_REGION", "us-east-1"),
			AWSProfile:        getEnv("AWS_PROFILE", ""),
			AWSEndpoint:       getEnv("AWS_SECRETS_ENDPOINT", ""),
			GCPProjectID:      getEnv("GCP_PROJECT_ID", ""),
			VaultAddress:      getEnv("VAULT_ADDR", ""),
			VaultAuthMethod:   getEnv("VAULT_AUTH_METHOD", "token"),
			VaultToken:        getEnv("VAULT_TOKEN", ""),
			VaultRoleID:       getEnv("VAULT_ROLE_ID", ""),
			VaultSecretID:     getEnv("VAULT_SECRET_ID", ""),
			VaultMountPath:    getEnv("VAULT_MOUNT_PATH", "secret"),
			VaultNamespace:    getEnv("VAULT_NAMESPACE", ""),
			LocalPath:         getEnv("SECRETS_LOCAL_PATH", "./secrets"),
		},
		Webhook: WebhookConfig{
			URLs:        getEnvAsList("WEBHOOK_URLS"),
			Events:      getEnvAsList("WEBHOOK_EVENTS"),
			Secret:      getEnv("WEBHOOK_SECRET", ""),
			MaxAttempts: getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 3),
		},
	}

	switch cfg.Secrets.Backend {
	case "env", "aws", "gcp", "vault", "local":
	default:
		return nil, fmt.Errorf("SECRETS_BACKEND must be one of env, aws, gcp, vault, local; got %q", cfg.Secrets.Backend)
	}
	if cfg.Billing.BatchSize < 1 {
		return nil, fmt.Errorf("BILLING_BATCH_SIZE must be positive")
	}
	if cfg.Billing.Concurrency < 1 {
		return nil, fmt.Errorf("BILLING_CONCURRENCY must be positive")
	}

	// Secrets held in a backend are checked once they have been resolved
	if !cfg.Secrets.UsesSecretManager() {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks the required secrets are present
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Cron.Secret == "" {
		return fmt.Errorf("CRON_SECRET is required")
	}
	if c.Webhook.Enabled() && c.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	return nil
}

// ConnectionString returns PostgreSQL connection string
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
