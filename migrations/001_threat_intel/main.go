package main

import (
	"fmt"
	"log"
	"os"

	"github.com/SiriusScan/threat-intel/sirius/postgres"
	"gorm.io/gorm"
)

const defaultDSN = "host=sirius-postgres user=postgres password=postgres dbname=sirius port=5432 sslmode=disable"

func main() {
	log.Println("🔄 Starting migration 001: Threat-intel catalog, correlations and events")

	db := connect()

	if len(os.Args) > 1 && os.Args[1] == "--rollback" {
		log.Println("🔄 Running migration rollback...")
		if err := migrateDown(db); err != nil {
			log.Fatalf("❌ Rollback failed: %v", err)
		}
		log.Println("✅ Rollback completed successfully")
		return
	}

	if err := migrateUp(db); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migration 001 completed successfully")
}

// connect opens the database named by THREATINTEL_DATABASE_DSN without
// running the automatic schema migration.
func connect() *gorm.DB {
	dsn := os.Getenv("THREATINTEL_DATABASE_DSN")
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := postgres.Connect(postgres.Options{Driver: postgres.DriverPostgres, DSN: dsn})
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	return db
}

func migrateUp(db *gorm.DB) error {
	tables := []struct {
		name string
		sql  string
	}{
		{"catalog_entries", `
	CREATE TABLE IF NOT EXISTS catalog_entries (
		id VARCHAR(32) PRIMARY KEY,
		title VARCHAR(512),
		description TEXT,
		severity VARCHAR(16),
		cvss_score NUMERIC(3,1) NOT NULL DEFAULT 0,
		exploited BOOLEAN NOT NULL DEFAULT FALSE,
		affected_products TEXT,
		published_date TIMESTAMPTZ NOT NULL,
		source VARCHAR(32),
		exploited_date TIMESTAMPTZ,
		"references" TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`},
		{"correlations", `
	CREATE TABLE IF NOT EXISTS correlations (
		id BIGSERIAL PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		cve_id VARCHAR(32) NOT NULL,
		impacted_endpoints TEXT,
		impacted_software TEXT,
		risk_score INTEGER NOT NULL DEFAULT 0 CHECK (risk_score BETWEEN 0 AND 100),
		risk_factors TEXT,
		last_checked TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		threat_details TEXT,
		action_recommendations TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`},
		{"events", `
	CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		event_id VARCHAR(255) UNIQUE NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		service VARCHAR(100) NOT NULL,
		subcomponent VARCHAR(100),
		event_type VARCHAR(50) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT,
		metadata TEXT,
		entity_type VARCHAR(50),
		entity_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`},
	}

	for _, table := range tables {
		log.Printf("📊 Creating %s table...", table.name)
		if err := db.Exec(table.sql).Error; err != nil {
			return fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}
	log.Println("✅ Tables created")

	log.Println("📊 Creating indexes...")

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_catalog_published ON catalog_entries(published_date DESC);",
		"CREATE INDEX IF NOT EXISTS idx_catalog_severity ON catalog_entries(severity);",
		"CREATE INDEX IF NOT EXISTS idx_catalog_exploited ON catalog_entries(exploited);",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_correlations_user_cve ON correlations(user_id, cve_id);",
		"CREATE INDEX IF NOT EXISTS idx_correlations_cve ON correlations(cve_id);",
		"CREATE INDEX IF NOT EXISTS idx_correlations_risk ON correlations(risk_score DESC);",
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp DESC);",
		"CREATE INDEX IF NOT EXISTS idx_events_service ON events(service);",
		"CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);",
		"CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);",
		"CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id);",
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	log.Println("✅ All indexes created")

	return nil
}

func migrateDown(db *gorm.DB) error {
	log.Println("🔄 Rolling back threat-intel tables...")

	// Indexes go with their tables.
	for _, table := range []string{"correlations", "catalog_entries"} {
		if err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s;", table)).Error; err != nil {
			return fmt.Errorf("failed to drop %s table: %w", table, err)
		}
	}

	// events is shared with other services; only our rows are removed.
	if err := db.Exec("DELETE FROM events WHERE service = ?", "threat-intel").Error; err != nil {
		log.Printf("⚠️  Warning: Failed to clear threat-intel events: %v", err)
	}

	log.Println("✅ Threat-intel tables rolled back")

	return nil
}
