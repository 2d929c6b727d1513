// File: connection.go
package postgres

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options configures a database connection.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
	// AutoMigrate runs Migrate on postgres. SQLite databases are always
	// migrated; production postgres schemas come from migrations/.
	AutoMigrate     bool
}

// Open connects to the configured database and, when ShouldMigrate allows
// it, migrates the schema this service owns. Inventory and user tables are
// migrated too so that embedded deployments and tests have them.
func Open(opts Options) (*gorm.DB, error) {
	db, err := Connect(opts)
	if err != nil {
		return nil, err
	}
	if ShouldMigrate(opts) {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// ShouldMigrate reports whether Open runs Migrate for opts.
func ShouldMigrate(opts Options) bool {
	return strings.EqualFold(opts.Driver, DriverSQLite) || opts.AutoMigrate
}

// Connect opens and tunes the connection pool without touching the schema.
func Connect(opts Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(opts.Driver) {
	case DriverPostgres, "":
		dialector = postgres.Open(opts.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	if opts.Debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting database handle: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	slog.Info("Connected to database", "driver", dialector.Name())
	return db, nil
}

// Migrate creates or updates the tables used by the engine.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.CatalogEntry{},
		&models.Correlation{},
		&models.User{},
		&models.InventoryScan{},
		&models.Event{},
	)
	if err != nil {
		return fmt.Errorf("error migrating database schema: %w", err)
	}
	return nil
}
