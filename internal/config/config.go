package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	StoreProvider string `env:"STORE_PROVIDER" envDefault:"postgres" validate:"omitempty,oneof=postgres memory"`
	DatabaseURL   string `env:"DATABASE_URL" validate:"required_if=StoreProvider postgres"`

	DBConnectMaxAttempts int           `env:"DB_CONNECT_MAX_ATTEMPTS" envDefault:"5" validate:"gte=1"`
	DBConnectRetryDelay  time.Duration `env:"DB_CONNECT_RETRY_DELAY" envDefault:"5s"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS" envDefault:"20" validate:"gte=1"`
	DBAutoMigrate        bool          `env:"DB_AUTO_MIGRATE" envDefault:"true"`
	DBTxMaxAttempts      int           `env:"DB_TX_RETRY_MAX_ATTEMPTS" envDefault:"3" validate:"gte=1"`
	DBTxRetryDelay       time.Duration `env:"DB_TX_RETRY_DELAY" envDefault:"50ms"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required" validate:"required"`

	JWTSecret string `env:"JWT_SECRET,required" validate:"required,min=16"`

	Currency           string `env:"CURRENCY" envDefault:"eur" validate:"required,len=3"`
	ReconcileScanLimit int    `env:"RECONCILE_SCAN_LIMIT" envDefault:"50" validate:"gte=1,lte=1000"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`

	NotifierProvider       string   `env:"NOTIFIER_PROVIDER" envDefault:"log" validate:"omitempty,oneof=log kafka"`
	KafkaBrokers           []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaNotificationTopic string   `env:"KAFKA_NOTIFICATION_TOPIC" envDefault:"order-notifications"`

	SentryDSN         string `env:"SENTRY_DSN" validate:"omitempty,url"`
	SentryEnvironment string `env:"SENTRY_ENVIRONMENT" envDefault:"development"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	Port      string     `env:"PORT" envDefault:"8080"`

	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	if strings.EqualFold(c.NotifierProvider, "kafka") {
		if len(c.brokers()) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when NOTIFIER_PROVIDER is kafka")
		}
		if strings.TrimSpace(c.KafkaNotificationTopic) == "" {
			return fmt.Errorf("KAFKA_NOTIFICATION_TOPIC must not be empty")
		}
	}

	if c.DBConnectRetryDelay < 0 {
		return fmt.Errorf("DB_CONNECT_RETRY_DELAY must not be negative")
	}
	if c.DBTxRetryDelay < 0 {
		return fmt.Errorf("DB_TX_RETRY_DELAY must not be negative")
	}

	return nil
}

// Brokers returns the configured Kafka brokers without blanks.
func (c *Config) Brokers() []string {
	return c.brokers()
}

func (c *Config) brokers() []string {
	out := make([]string, 0, len(c.KafkaBrokers))
	for _, broker := range c.KafkaBrokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// UsesMemoryStore reports whether orders live in process memory.
func (c *Config) UsesMemoryStore() bool {
	return strings.EqualFold(strings.TrimSpace(c.StoreProvider), "memory")
}
