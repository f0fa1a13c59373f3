package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read once at startup from the
// environment.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	AMQPURL      string `env:"AMQP_URL" envDefault:""`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"notifications"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:""`

	OutboxInterval time.Duration `env:"OUTBOX_INTERVAL" envDefault:"1s"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`

	// OverdueSweepInterval controls the installment overdue sweep; zero
	// disables it.
	OverdueSweepInterval time.Duration `env:"OVERDUE_SWEEP_INTERVAL" envDefault:"1h"`

	// RefundLimit caps direct refunds; larger amounts need an approved
	// refund request. Empty or "0" leaves direct refunds unrestricted.
	RefundLimit string `env:"REFUND_LIMIT" envDefault:"0"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
