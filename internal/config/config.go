package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds every environment option recognized by the api and worker binaries.
type Config struct {
	Stripe     Stripe
	Tables     Tables
	Settlement Settlement
	Server     Server

	ReceiptLookupTimeout time.Duration `env:"RECEIPT_LOOKUP_TIMEOUT" env-default:"3s"`
	IdempotencyTTL       time.Duration `env:"IDEMPOTENCY_TTL" env-default:"48h"`
	MetricsNamespace     string        `env:"METRICS_NAMESPACE"`
	LogLevel             string        `env:"LOG_LEVEL" env-default:"info"`
}

// Stripe holds provider credentials. An empty WebhookSecret is not rejected here:
// the webhook endpoint answers 500 for every call until it is set.
type Stripe struct {
	WebhookSecret    string        `env:"STRIPE_WEBHOOK_SECRET"`
	SecretKey        string        `env:"STRIPE_SECRET_KEY"`
	WebhookTolerance time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" env-default:"5m"`
}

type Tables struct {
	Orders      string `env:"ORDERS_TABLE" env-required:"true"`
	Idempotency string `env:"IDEMPOTENCY_TABLE" env-required:"true"`
}

// Settlement bounds the backfill window for charge events that arrive before their session:
// RetryDelay x MaxAttempts.
type Settlement struct {
	QueueURL    string        `env:"SETTLEMENT_QUEUE_URL"`
	RetryDelay  time.Duration `env:"SETTLEMENT_RETRY_DELAY" env-default:"60s"`
	MaxAttempts int           `env:"SETTLEMENT_MAX_ATTEMPTS" env-default:"10"`
}

type Server struct {
	Port          string `env:"PORT" env-default:"8080"`
	RunLocal      bool   `env:"RUN_LOCAL" env-default:"false"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env config: %w", err)
	}
	if cfg.Tables.Orders == "" || cfg.Tables.Idempotency == "" {
		return nil, fmt.Errorf("ORDERS_TABLE and IDEMPOTENCY_TABLE are required")
	}
	if cfg.Settlement.MaxAttempts < 0 {
		return nil, fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be >= 0, got %d", cfg.Settlement.MaxAttempts)
	}
	return &cfg, nil
}

// BackfillWindow is how long a charge event is retried while waiting for its session.
func (c *Config) BackfillWindow() time.Duration {
	if c.Settlement.QueueURL == "" {
		return 0
	}
	return c.Settlement.RetryDelay * time.Duration(c.Settlement.MaxAttempts)
}
