// Package config loads the command bus's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/freesidenomad/commandbus/internal/domain"
)

// Config is the single configuration surface shared by every composition
// root (cmd/worker, cmd/router, cmd/server). Fields map to the
// environment/configuration keys named in the design's external interfaces
// section.
type Config struct {
	AppEnv          string `env:"APP_ENV" envDefault:"dev"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"commandbus"`
	OTLPEndpoint    string `env:"OTLP_ENDPOINT"`

	PostgresDSN         string `env:"POSTGRES_DSN,required"`
	PoolMin             int32  `env:"POOL_MIN" envDefault:"2"`
	PoolMax             int32  `env:"POOL_MAX" envDefault:"10"`
	StatementTimeoutMS  int    `env:"STATEMENT_TIMEOUT_MS" envDefault:"25000"`

	Domains []string `env:"DOMAINS" envSeparator:"," envDefault:"default"`

	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BackoffScheduleSec []int         `env:"BACKOFF_SCHEDULE" envSeparator:"," envDefault:"10,60,300"`
	RetryMultiplier    float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryMaxDelay      time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30m"`

	VisibilityTimeoutSec int           `env:"VISIBILITY_TIMEOUT" envDefault:"30"`
	PollInterval         time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	Concurrency          int           `env:"CONCURRENCY" envDefault:"8"`
	BatchSize            int           `env:"BATCH_SIZE" envDefault:"16"`

	RedisAddr string `env:"REDIS_ADDR"`

	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaAuditEnabled bool     `env:"KAFKA_AUDIT_ENABLED" envDefault:"false"`

	AdminHTTPAddr        string        `env:"ADMIN_HTTP_ADDR" envDefault:":8090"`
	AdminCORSOrigin      string        `env:"ADMIN_CORS_ORIGIN" envDefault:"*"`
	AdminRateLimitPerMin int           `env:"ADMIN_RATE_LIMIT_PER_MIN" envDefault:"120"`
	MetricsAddr          string        `env:"METRICS_ADDR" envDefault:":9090"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	MigrationsRequiredVersion int64 `env:"MIGRATIONS_REQUIRED_VERSION" envDefault:"2"`
}

// Load reads Config from the process environment, applying defaults, then
// validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsDev, IsProd, IsTest classify AppEnv for callers that vary behavior by environment.
func (c Config) IsDev() bool  { return c.AppEnv == "dev" }
func (c Config) IsProd() bool { return c.AppEnv == "prod" }
func (c Config) IsTest() bool { return c.AppEnv == "test" }

// Validate enforces the hard invariants named in the design's concurrency
// model: statement_timeout must be strictly less than visibility_timeout in
// milliseconds, and the pool must be large enough to cover concurrency plus
// two listener connections.
func (c Config) Validate() error {
	if c.StatementTimeoutMS >= c.VisibilityTimeoutSec*1000 {
		return fmt.Errorf("op=config.Validate: statement_timeout_ms (%d) must be less than visibility_timeout*1000 (%d): %w",
			c.StatementTimeoutMS, c.VisibilityTimeoutSec*1000, domain.ErrInvalidConfig)
	}
	if c.PoolMax < int32(c.Concurrency)+2 {
		return fmt.Errorf("op=config.Validate: pool_max (%d) must cover concurrency (%d) plus listener connections: %w",
			c.PoolMax, c.Concurrency, domain.ErrInvalidConfig)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("op=config.Validate: max_attempts must be >= 1: %w", domain.ErrInvalidConfig)
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("op=config.Validate: at least one domain must be configured: %w", domain.ErrInvalidConfig)
	}
	return nil
}

// RetryPolicy builds a domain.RetryPolicy from the configured schedule.
func (c Config) RetryPolicy() domain.RetryPolicy {
	schedule := make([]time.Duration, len(c.BackoffScheduleSec))
	for i, s := range c.BackoffScheduleSec {
		schedule[i] = time.Duration(s) * time.Second
	}
	return domain.RetryPolicy{
		MaxAttempts:     c.MaxAttempts,
		BackoffSchedule: schedule,
		Multiplier:      c.RetryMultiplier,
		MaxDelay:        c.RetryMaxDelay,
	}
}

// VisibilityTimeout returns the configured VT as a time.Duration.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSec) * time.Second
}

// StatementTimeout returns the configured statement timeout as a time.Duration.
func (c Config) StatementTimeout() time.Duration {
	return time.Duration(c.StatementTimeoutMS) * time.Millisecond
}
