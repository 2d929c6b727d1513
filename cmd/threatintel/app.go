package main

import (
	"fmt"
	"log/slog"

	"github.com/SiriusScan/threat-intel/kev"
	"github.com/SiriusScan/threat-intel/nvd"
	"github.com/SiriusScan/threat-intel/sirius/catalog"
	"github.com/SiriusScan/threat-intel/sirius/config"
	"github.com/SiriusScan/threat-intel/sirius/correlation"
	"github.com/SiriusScan/threat-intel/sirius/events"
	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/inventory"
	"github.com/SiriusScan/threat-intel/sirius/orchestrator"
	"github.com/SiriusScan/threat-intel/sirius/postgres"
	"github.com/SiriusScan/threat-intel/sirius/queue"
	"github.com/SiriusScan/threat-intel/sirius/store"
	"gorm.io/gorm"
)

// app is the fully wired engine.
type app struct {
	db           *gorm.DB
	kv           store.KVStore
	publisher    *store.StatusPublisher
	orchestrator *orchestrator.Orchestrator
}

// Close releases the database and valkey connections.
func (a *app) Close() {
	if a.kv != nil {
		a.kv.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// openDB connects using the database section of cfg.
func openDB(cfg config.Config) (*gorm.DB, error) {
	return postgres.Open(postgres.Options{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Debug:           cfg.Database.Debug,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
}

// openStatus connects to valkey when an address is configured. Valkey is
// optional: failure to connect is logged and the mirror disabled.
func openStatus(cfg config.Config, logger *slog.Logger) (store.KVStore, *store.StatusPublisher) {
	if cfg.Valkey.Address == "" {
		return nil, nil
	}
	kv, err := store.NewValkeyStore(cfg.Valkey.Address)
	if err != nil {
		logger.Warn("Valkey unavailable, status mirror disabled", "address", cfg.Valkey.Address, "error", err)
		return nil, nil
	}
	return kv, store.NewStatusPublisher(kv, cfg.Valkey.HistoryTTL)
}

// newApp wires every component from cfg.
func newApp(cfg config.Config, logger *slog.Logger, withQueue bool) (*app, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{db: db}
	a.kv, a.publisher = openStatus(cfg, logger)

	adapters := []feed.Adapter{
		nvd.NewClient(nvd.Options{
			BaseURL:  cfg.NVD.BaseURL,
			APIKey:   cfg.NVD.APIKey,
			PageSize: cfg.NVD.PageSize,
			Logger:   logger,
		}),
		kev.NewClient(cfg.KEV.URL, nil, logger),
	}

	inv := inventory.NewRepository(db)
	writer := correlation.NewWriter(db)

	opts := orchestrator.Options{
		Adapters:   adapters,
		Catalog:    catalog.NewRepository(db, logger),
		Users:      inv,
		Correlator: correlation.NewEngine(inventory.NewAggregator(inv, cfg.Correlation.ScanLimit, logger), writer, logger),
		Events:     events.NewRecorder(db),
		Config: orchestrator.Config{
			WindowDays:            cfg.Ingestion.WindowDays,
			FeedTimeout:           cfg.Ingestion.FeedTimeout,
			CorrelationWindowDays: cfg.Correlation.WindowDays,
			RetentionDays:         cfg.Ingestion.RetentionDays,
			Interval:              cfg.Ingestion.Interval,
			Workers:               cfg.Correlation.Workers,
		},
		Logger: logger,
	}
	if a.publisher != nil {
		opts.Status = a.publisher
		opts.CycleSinks = append(opts.CycleSinks, a.publisher)
	}
	if withQueue && cfg.Queue.URL != "" {
		opts.CycleSinks = append(opts.CycleSinks, queue.NewCyclePublisher(cfg.Queue.URL))
	}

	a.orchestrator = orchestrator.New(opts)
	return a, nil
}
