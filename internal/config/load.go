package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable Load consults.
const EnvPrefix = "TASKENGINE"

// flagKeys maps command-line flag names to configuration keys. Only flags the
// user actually set override lower-precedence sources.
var flagKeys = map[string]string{
	"log-level":    "server.log_level",
	"admin-addr":   "server.admin_addr",
	"backend":      "store.backend",
	"database-url": "store.database_url",
	"data-dir":     "store.data_dir",
	"strategy":     "queue.default_strategy",
	"concurrency":  "runner.concurrency",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.admin_addr", ":9090")

	v.SetDefault("store.backend", BackendPostgres)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.data_dir", "")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("queue.default_strategy", "fifo")
	v.SetDefault("queue.lease_duration", 30*time.Second)
	v.SetDefault("queue.claim_retries", 5)
	v.SetDefault("queue.claim_retry_base", 10*time.Millisecond)
	v.SetDefault("queue.weighted_window", 64)
	v.SetDefault("queue.dedupe_policy", "return_existing")
	v.SetDefault("queue.default_priority", 50)

	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", 300*time.Second)
	v.SetDefault("retry.jitter_factor", 0.1)
	v.SetDefault("retry.max_attempts", 3)

	v.SetDefault("workers.stale_threshold", 300*time.Second)
	v.SetDefault("workers.heartbeat_interval", 10*time.Second)

	v.SetDefault("runner.concurrency", 2)
	v.SetDefault("runner.poll_interval", 500*time.Millisecond)
	v.SetDefault("runner.max_poll_interval", 5*time.Second)
	v.SetDefault("runner.renew_fraction", 0.5)
}

// Load builds the configuration from, in increasing precedence: defaults, the
// optional config file, TASKENGINE_* environment variables and flags that were
// explicitly set. flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("error binding flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags on cfg.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
