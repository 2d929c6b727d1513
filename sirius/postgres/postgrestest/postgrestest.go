// Package postgrestest opens throwaway in-memory databases for repository tests.
package postgrestest

import (
	"fmt"
	"testing"

	"github.com/SiriusScan/threat-intel/sirius/postgres"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Open returns a migrated in-memory SQLite database that is closed when the
// test finishes. A single connection keeps the memory database alive and
// serializes concurrent writers.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := postgres.Open(postgres.Options{
		Driver:       postgres.DriverSQLite,
		DSN:          dsn,
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("❌ Failed to open test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}
