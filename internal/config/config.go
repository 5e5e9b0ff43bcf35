package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Store   StoreConfig   `mapstructure:"store" validate:"required"`
	Queue   QueueConfig   `mapstructure:"queue" validate:"required"`
	Retry   RetryConfig   `mapstructure:"retry" validate:"required"`
	Workers WorkersConfig `mapstructure:"workers" validate:"required"`
	Runner  RunnerConfig  `mapstructure:"runner" validate:"required"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	LogLevel  string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	AdminAddr string `mapstructure:"admin_addr" validate:"required"`
}

// Supported storage backends.
const (
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
)

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Backend         string        `mapstructure:"backend" validate:"required,oneof=postgres pebble"`
	DatabaseURL     string        `mapstructure:"database_url" validate:"required_if=Backend postgres,omitempty,url"`
	DataDir         string        `mapstructure:"data_dir" validate:"required_if=Backend pebble"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// QueueConfig contains claim and enqueue behaviour.
type QueueConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy" validate:"required,oneof=fifo lifo priority weighted weighted_random"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	ClaimRetries    uint64        `mapstructure:"claim_retries"`
	ClaimRetryBase  time.Duration `mapstructure:"claim_retry_base" validate:"gt=0"`
	WeightedWindow  int           `mapstructure:"weighted_window" validate:"gt=0,lte=10000"`
	DedupePolicy    string        `mapstructure:"dedupe_policy" validate:"required,oneof=return_existing reject"`
	DefaultPriority int           `mapstructure:"default_priority" validate:"gte=0"`
}

// RetryConfig is the default backoff policy applied to failed tasks.
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" validate:"gte=0"`
	Multiplier   float64       `mapstructure:"multiplier" validate:"gte=1"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"gtefield=InitialDelay"`
	JitterFactor float64       `mapstructure:"jitter_factor" validate:"gte=0,lt=1"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gt=0"`
}

// WorkersConfig controls liveness tracking.
type WorkersConfig struct {
	StaleThreshold    time.Duration `mapstructure:"stale_threshold" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0,ltfield=StaleThreshold"`
}

// RunnerConfig tunes the in-process worker loop.
type RunnerConfig struct {
	Concurrency     int           `mapstructure:"concurrency" validate:"gt=0"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval" validate:"gtefield=PollInterval"`
	RenewFraction   float64       `mapstructure:"renew_fraction" validate:"gt=0,lt=1"`
}
