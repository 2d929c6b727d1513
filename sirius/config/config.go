// Package config loads engine settings from an optional YAML file and
// THREATINTEL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/SiriusScan/threat-intel/kev"
	"github.com/SiriusScan/threat-intel/nvd"
	"github.com/SiriusScan/threat-intel/sirius/queue"
	"github.com/SiriusScan/threat-intel/sirius/store"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, with "." mapped to
// "_": THREATINTEL_DATABASE_DSN sets database.dsn.
const EnvPrefix = "THREATINTEL"

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Valkey      ValkeyConfig      `mapstructure:"valkey"`
	Queue       QueueConfig       `mapstructure:"queue"`
	NVD         NVDConfig         `mapstructure:"nvd"`
	KEV         KEVConfig         `mapstructure:"kev"`
	Ingestion   IngestionConfig   `mapstructure:"ingestion"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Debug           bool          `mapstructure:"debug"`
	// AutoMigrate lets the engine reconcile a postgres schema itself instead
	// of relying on migrations/001_threat_intel.
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ValkeyConfig enables the status mirror when Address is set.
type ValkeyConfig struct {
	Address    string `mapstructure:"address"`
	HistoryTTL int    `mapstructure:"history_ttl_seconds"`
}

// QueueConfig enables the AMQP trigger listener and cycle reports when URL is set.
type QueueConfig struct {
	URL string `mapstructure:"url"`
}

type NVDConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	PageSize int    `mapstructure:"page_size"`
}

type KEVConfig struct {
	URL string `mapstructure:"url"`
}

type IngestionConfig struct {
	WindowDays    int           `mapstructure:"window_days"`
	FeedTimeout   time.Duration `mapstructure:"feed_timeout"`
	RetentionDays int           `mapstructure:"retention_days"`
	Interval      time.Duration `mapstructure:"interval"`
}

type CorrelationConfig struct {
	WindowDays int `mapstructure:"window_days"`
	ScanLimit  int `mapstructure:"scan_limit"`
	Workers    int `mapstructure:"workers"`
}

// SetDefaults registers every key so that environment overrides are seen by
// Unmarshal even when no config file is present.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=sirius-postgres user=postgres password=postgres dbname=sirius port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.debug", false)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("valkey.address", store.DefaultValkeyAddress)
	v.SetDefault("valkey.history_ttl_seconds", store.DefaultHistoryTTL)

	v.SetDefault("queue.url", queue.DefaultURL)

	v.SetDefault("nvd.base_url", nvd.DefaultBaseURL)
	v.SetDefault("nvd.api_key", "")
	v.SetDefault("nvd.page_size", nvd.DefaultPageSize)

	v.SetDefault("kev.url", kev.DefaultURL)

	v.SetDefault("ingestion.window_days", 7)
	v.SetDefault("ingestion.feed_timeout", 30*time.Second)
	v.SetDefault("ingestion.retention_days", 90)
	v.SetDefault("ingestion.interval", time.Hour)

	v.SetDefault("correlation.window_days", 30)
	v.SetDefault("correlation.scan_limit", 10)
	v.SetDefault("correlation.workers", 4)
}

// Load reads path (or ./threatintel.yaml when path is empty and the file
// exists), applies environment overrides and validates the result.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("threatintel")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Ingestion.Interval < time.Minute {
		errs = append(errs, fmt.Errorf("ingestion.interval must be at least 1m, got %s", c.Ingestion.Interval))
	}
	if c.Ingestion.WindowDays < 1 || c.Ingestion.WindowDays > 120 {
		errs = append(errs, fmt.Errorf("ingestion.window_days must be within [1,120], got %d", c.Ingestion.WindowDays))
	}
	if c.Ingestion.RetentionDays < 0 {
		errs = append(errs, errors.New("ingestion.retention_days must not be negative"))
	}
	if c.Ingestion.RetentionDays > 0 && c.Ingestion.RetentionDays < c.Correlation.WindowDays {
		errs = append(errs, errors.New("ingestion.retention_days must cover correlation.window_days"))
	}
	if c.Correlation.Workers < 1 {
		errs = append(errs, errors.New("correlation.workers must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
