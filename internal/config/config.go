// Package config loads the order-pipeline configuration from a YAML
// file plus environment overrides: a defaulted struct, viper.BindEnv
// for a handful of flat env var names operators already use, and a
// Validate pass that rejects impossible settings at startup rather
// than at first use.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Database struct {
	DSN         string `mapstructure:"dsn"`
	MaxOpenConn int    `mapstructure:"max_open_conns"`
	MaxIdleConn int    `mapstructure:"max_idle_conns"`
}

type Broker struct {
	Addr string `mapstructure:"addr"`
}

type Ingress struct {
	Port int `mapstructure:"port"`
}

type Relay struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type Worker struct {
	Shards             []int         `mapstructure:"shards"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	FetchBatchSize     int           `mapstructure:"fetch_batch_size"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	StuckAfter         time.Duration `mapstructure:"stuck_after"`
}

type Payment struct {
	// FailEveryNth makes payment.MockService raise a TransientError on
	// every Nth call (1-indexed); 0 disables injected failures. There is
	// no real gateway integration here, so this only tunes the mock's
	// retry/DLQ demonstration behavior.
	FailEveryNth int `mapstructure:"fail_every_nth"`
}

type CircuitBreaker struct {
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Tracing struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type Observability struct {
	MetricsPort     int           `mapstructure:"metrics_port"`
	LogLevel        string        `mapstructure:"log_level"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	Tracing         Tracing       `mapstructure:"tracing"`
}

type Config struct {
	Database       Database       `mapstructure:"database"`
	Broker         Broker         `mapstructure:"broker"`
	Ingress        Ingress        `mapstructure:"ingress"`
	Relay          Relay          `mapstructure:"relay"`
	Worker         Worker         `mapstructure:"worker"`
	Payment        Payment        `mapstructure:"payment"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Database: Database{
			DSN:         "postgres://localhost:5432/orderpipeline?sslmode=disable",
			MaxOpenConn: 10,
			MaxIdleConn: 5,
		},
		Broker: Broker{
			Addr: "nats://localhost:4222",
		},
		Ingress: Ingress{
			Port: 8080,
		},
		Relay: Relay{
			PollInterval: 500 * time.Millisecond,
			BatchSize:    10,
			RetryBackoff: 1 * time.Second,
		},
		Worker: Worker{
			Shards:            []int{0, 1, 2, 3, 4, 5, 6, 7},
			MaxRetries:        3,
			RetryBackoff:      2 * time.Second,
			FetchBatchSize:    10,
			FetchTimeout:      5 * time.Second,
			ReconcileInterval: 30 * time.Second,
			StuckAfter:        5 * time.Minute,
		},
		Payment: Payment{
			FailEveryNth: 0,
		},
		CircuitBreaker: CircuitBreaker{
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			FailureThreshold: 0.5,
			MinSamples:       10,
		},
		Observability: Observability{
			MetricsPort:     9090,
			LogLevel:        "info",
			MetricsInterval: 10 * time.Second,
			Tracing:         Tracing{Enabled: false, SamplingRate: 0.1},
		},
	}
}

// Load reads configuration from the YAML file at path (if present),
// applies the environment overrides below, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := defaultConfig()
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConn)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConn)
	v.SetDefault("broker.addr", def.Broker.Addr)
	v.SetDefault("ingress.port", def.Ingress.Port)
	v.SetDefault("relay.poll_interval", def.Relay.PollInterval)
	v.SetDefault("relay.batch_size", def.Relay.BatchSize)
	v.SetDefault("relay.retry_backoff", def.Relay.RetryBackoff)
	v.SetDefault("worker.shards", def.Worker.Shards)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.retry_backoff", def.Worker.RetryBackoff)
	v.SetDefault("worker.fetch_batch_size", def.Worker.FetchBatchSize)
	v.SetDefault("worker.fetch_timeout", def.Worker.FetchTimeout)
	v.SetDefault("worker.reconcile_interval", def.Worker.ReconcileInterval)
	v.SetDefault("worker.stuck_after", def.Worker.StuckAfter)
	v.SetDefault("payment.fail_every_nth", def.Payment.FailEveryNth)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.metrics_interval", def.Observability.MetricsInterval)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	// These flat env var names don't follow the SECTION_KEY convention
	// viper's AutomaticEnv replacer would derive, so each is bound
	// explicitly rather than guessed.
	bindings := map[string]string{
		"database.dsn":              "DB_DSN",
		"broker.addr":                "BROKER_ADDR",
		"ingress.port":               "APP_PORT",
		"relay.poll_interval":        "POLL_INTERVAL_MS",
		"relay.batch_size":           "BATCH_SIZE",
		"worker.max_retries":         "MAX_RETRIES",
		"worker.retry_backoff":       "RETRY_BACKOFF_MS",
		"observability.metrics_interval": "METRICS_INTERVAL_MS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", env, err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		millisToDurationHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would make the pipeline's
// invariants unsatisfiable.
func Validate(cfg *Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if cfg.Broker.Addr == "" {
		return fmt.Errorf("broker.addr must not be empty")
	}
	if cfg.Ingress.Port <= 0 || cfg.Ingress.Port > 65535 {
		return fmt.Errorf("ingress.port must be 1..65535")
	}
	if cfg.Relay.BatchSize < 1 {
		return fmt.Errorf("relay.batch_size must be >= 1")
	}
	if cfg.Relay.PollInterval <= 0 {
		return fmt.Errorf("relay.poll_interval must be > 0")
	}
	if len(cfg.Worker.Shards) == 0 {
		return fmt.Errorf("worker.shards must be non-empty")
	}
	if cfg.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0")
	}
	if cfg.Worker.RetryBackoff <= 0 {
		return fmt.Errorf("worker.retry_backoff must be > 0")
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 || cfg.CircuitBreaker.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be in (0, 1]")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

// millisToDurationHook interprets a bare integer (as arrives from an
// *_MS environment variable, e.g. POLL_INTERVAL_MS=500) as a millisecond
// count when the destination field is a time.Duration, falling back to
// mapstructure's normal string-to-duration parsing (e.g. "500ms" from
// YAML) otherwise.
func millisToDurationHook(from reflect.Kind, to reflect.Kind, data interface{}) (interface{}, error) {
	if to != reflect.Int64 {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return data, nil
}

var _ mapstructure.DecodeHookFuncKind = millisToDurationHook
