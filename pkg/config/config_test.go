package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CI", "")
	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, "sqlite", cfg.Database.Type)
	require.Equal(t, "10 0 * * *", cfg.Scheduler.Spec)
	require.Equal(t, 30*time.Second, cfg.Scheduler.TaskTimeout)
	require.Equal(t, 3, cfg.Ledger.MaxRetries)
	require.True(t, cfg.SchedulerEnabled())
	require.True(t, cfg.Database.Metrics)
	require.Equal(t, "grpc", cfg.Otel.Protocol)
	require.Empty(t, cfg.Otel.Endpoint)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	body := []byte("APP_ENV: production\nDATABASE:\n  TYPE: postgres\n  DBNAME: care\nSCHEDULER:\n  SPEC: \"30 1 * * *\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), body, 0o600))
	t.Setenv("DATABASE_DBNAME", "care_override")
	t.Setenv("LEDGER_MAX_RETRIES", "7")

	cfg, err := load(viper.New(), dir)
	require.NoError(t, err)

	require.Equal(t, "production", cfg.AppEnv)
	require.Equal(t, "postgres", cfg.Database.Type)
	require.Equal(t, "care_override", cfg.Database.DBNAME)
	require.Equal(t, "30 1 * * *", cfg.Scheduler.Spec)
	require.Equal(t, 7, cfg.Ledger.MaxRetries)
}

func TestSchedulerDisabledInTestAndCI(t *testing.T) {
	cfg := &Config{AppEnv: "development"}
	cfg.Scheduler.Enabled = true

	t.Setenv("CI", "true")
	require.False(t, cfg.SchedulerEnabled())

	t.Setenv("CI", "")
	require.True(t, cfg.SchedulerEnabled())

	cfg.AppEnv = "test"
	require.False(t, cfg.SchedulerEnabled())
}

func TestTLSRequiresPaths(t *testing.T) {
	t.Setenv("TLS_ENABLE", "true")
	_, err := load(viper.New(), t.TempDir())
	require.Error(t, err)
}

func TestRejectsUnknownOtelProtocol(t *testing.T) {
	t.Setenv("OTEL_PROTOCOL", "thrift")
	_, err := load(viper.New(), t.TempDir())
	require.ErrorContains(t, err, "OTEL.PROTOCOL")
}

func TestLocation(t *testing.T) {
	require.Equal(t, time.Local, (&Config{Timezone: "Local"}).Location())
	require.Equal(t, "UTC", (&Config{Timezone: "UTC"}).Location().String())
	require.Equal(t, time.Local, (&Config{Timezone: "Mars/Olympus"}).Location())
}
