package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SiriusScan/threat-intel/nvd"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, nvd.DefaultBaseURL, cfg.NVD.BaseURL)
	assert.Equal(t, time.Hour, cfg.Ingestion.Interval)
	assert.Equal(t, 30, cfg.Correlation.WindowDays)
	assert.Equal(t, 10, cfg.Correlation.ScanLimit)
	assert.Equal(t, 30*time.Second, cfg.Ingestion.FeedTimeout)
	assert.False(t, cfg.Database.AutoMigrate, "postgres schema comes from migrations by default")
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "threatintel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: file:threatintel.db
ingestion:
  window_days: 14
  interval: 30m
correlation:
  workers: 8
`), 0o600))

	t.Setenv("THREATINTEL_NVD_API_KEY", "from-env")
	t.Setenv("THREATINTEL_CORRELATION_WORKERS", "2")
	t.Setenv("THREATINTEL_DATABASE_AUTO_MIGRATE", "true")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 14, cfg.Ingestion.WindowDays)
	assert.Equal(t, 30*time.Minute, cfg.Ingestion.Interval)
	assert.Equal(t, "from-env", cfg.NVD.APIKey)
	assert.Equal(t, 2, cfg.Correlation.Workers, "env overrides file")
	assert.True(t, cfg.Database.AutoMigrate)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Database.Driver = "mysql"
	bad.Ingestion.Interval = time.Second
	bad.Ingestion.WindowDays = 365
	bad.Log.Format = "xml"
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "ingestion.interval")
	assert.Contains(t, err.Error(), "window_days")
	assert.Contains(t, err.Error(), "log.format")

	short := cfg
	short.Ingestion.RetentionDays = 7
	assert.ErrorContains(t, short.Validate(), "retention_days")
}
