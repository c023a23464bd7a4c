package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Ingress.Port)
	require.Equal(t, 10, cfg.Relay.BatchSize)
	require.Equal(t, 3, cfg.Worker.MaxRetries)
}

func TestLoad_EnvOverridesFlatNames(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://example/orders")
	t.Setenv("BROKER_ADDR", "nats://broker:4222")
	t.Setenv("APP_PORT", "9999")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("RETRY_BACKOFF_MS", "1500")
	t.Setenv("METRICS_INTERVAL_MS", "5000")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)

	require.Equal(t, "postgres://example/orders", cfg.Database.DSN)
	require.Equal(t, "nats://broker:4222", cfg.Broker.Addr)
	require.Equal(t, 9999, cfg.Ingress.Port)
	require.Equal(t, 250*time.Millisecond, cfg.Relay.PollInterval)
	require.Equal(t, 25, cfg.Relay.BatchSize)
	require.Equal(t, 7, cfg.Worker.MaxRetries)
	require.Equal(t, 1500*time.Millisecond, cfg.Worker.RetryBackoff)
	require.Equal(t, 5000*time.Millisecond, cfg.Observability.MetricsInterval)
}

func TestValidate_RejectsImpossibleSettings(t *testing.T) {
	cfg := defaultConfig()
	cfg.Ingress.Port = 0
	require.Error(t, Validate(cfg))

	cfg = defaultConfig()
	cfg.Relay.BatchSize = 0
	require.Error(t, Validate(cfg))

	cfg = defaultConfig()
	cfg.Worker.Shards = nil
	require.Error(t, Validate(cfg))

	cfg = defaultConfig()
	cfg.CircuitBreaker.FailureThreshold = 1.5
	require.Error(t, Validate(cfg))
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	require.NoError(t, Validate(defaultConfig()))
}
