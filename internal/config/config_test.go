package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetConfigDefaults(t *testing.T) {
	cfg, err := GetConfig("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Handler.ServerAddr)
	require.Equal(t, "info", cfg.Logger.LogLevel)
	require.Empty(t, cfg.Store.DBDsn)
	require.Equal(t, "lipila", cfg.Service.Aggregator)
	require.Equal(t, 15*time.Second, cfg.Service.AggregatorTimeout)
	require.Equal(t, "ZMW", cfg.Service.Currency)
	require.Equal(t, []string{"mtn", "airtel", "zamtel"}, cfg.Service.Providers)
	require.Equal(t, 50, cfg.Sweeper.BatchSize)
	require.Equal(t, 72*time.Hour, cfg.Callback.TTL)
}

func TestGetConfigEnv(t *testing.T) {
	t.Setenv("TICKETPAY_SERVER_ADDR", ":9090")
	t.Setenv("TICKETPAY_AGGREGATOR_DEFAULT", "moneyunify")
	t.Setenv("TICKETPAY_AGGREGATOR_TIMEOUT", "3s")
	t.Setenv("TICKETPAY_PROVIDERS", " MTN , Airtel ")
	t.Setenv("TICKETPAY_SWEEP_RATE", "0.5")
	t.Setenv("TICKETPAY_DB_MIGRATE_ON_START", "false")

	cfg, err := GetConfig("")
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Handler.ServerAddr)
	require.Equal(t, "moneyunify", cfg.Service.Aggregator)
	require.Equal(t, 3*time.Second, cfg.Aggregator.Timeout)
	require.Equal(t, []string{"mtn", "airtel"}, cfg.Service.Providers)
	require.Equal(t, 0.5, cfg.Sweeper.Rate)
	require.False(t, cfg.Store.MigrateOnStart)
}

func TestGetConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticketpay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
public_base_url: https://tickets.example.com
log:
  level: debug
sweep:
  batch_size: 5
`), 0o600))

	// переменные окружения важнее файла
	t.Setenv("TICKETPAY_SWEEP_BATCH_SIZE", "7")

	cfg, err := GetConfig(path)
	require.NoError(t, err)
	require.Equal(t, "https://tickets.example.com", cfg.Service.PublicBaseURL)
	require.Equal(t, "debug", cfg.Logger.LogLevel)
	require.Equal(t, 7, cfg.Sweeper.BatchSize)

	_, err = GetConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestGetConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"TICKETPAY_AGGREGATOR_DEFAULT": "paypal",
		"TICKETPAY_LOG_LEVEL":          "loud",
		"TICKETPAY_PUBLIC_BASE_URL":    "not a url",
		"TICKETPAY_FALLBACK_WHATSAPP":  "+260 97",
		"TICKETPAY_SWEEP_BATCH_SIZE":   "0",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := GetConfig("")
			require.Error(t, err)
		})
	}
}
