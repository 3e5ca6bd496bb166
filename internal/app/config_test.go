package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://u:p@db:5432/stock")
	t.Setenv("ALLOW_NEGATIVE_STOCK", "true")
	t.Setenv("RECONCILE_CRON", "0 3 * * *")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "postgres://u:p@db:5432/stock", cfg.PGDSN)
	require.True(t, cfg.AllowNegativeStock)
	require.Equal(t, "0 3 * * *", cfg.ReconcileCron)
	require.Equal(t, 168*time.Hour, cfg.IdempotencyRetention)
	require.Equal(t, 4, cfg.ReconcileConcurrency)
	require.False(t, cfg.IsProduction())
	require.Equal(t, time.UTC, cfg.Location())
}

func TestLoadConfigBusinessTimezone(t *testing.T) {
	t.Setenv("BUSINESS_TIMEZONE", "Asia/Jakarta")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "Asia/Jakarta", cfg.Location().String())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"RATE_LIMIT_PER_MINUTE": "0",
		"RECONCILE_CONCURRENCY": "-1",
		"IDEMPOTENCY_RETENTION": "5m",
		"SEQUENCE_MAX":          "-2",
		"BUSINESS_TIMEZONE":     "Mars/Olympus",
	}
	for env, value := range cases {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, value)
			_, err := LoadConfig()
			require.ErrorContains(t, err, env)
		})
	}
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}
