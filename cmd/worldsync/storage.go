package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/clock"
	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	gormstorage "github.com/Seonggyu05/infinite-introverts/internal/storage/gorm"
	pgstorage "github.com/Seonggyu05/infinite-introverts/internal/storage/postgres"
	sqlitestorage "github.com/Seonggyu05/infinite-introverts/internal/storage/sqlite"
	"go.opentelemetry.io/otel/metric"
)

// openStorage creates and initializes the configured backend.
func openStorage(cfg config.StorageConfig, epochCfg config.EpochConfig, logger *slog.Logger, meter metric.Meter) (storage.Store, error) {
	backend, err := createStorageBackend(cfg, epochCfg, logger, meter)
	if err != nil {
		logger.Error("Failed to create storage backend", "error", err)
		return nil, err
	}
	if err := backend.Init(); err != nil {
		logger.Error("Failed to initialize storage backend", "error", err)
		return nil, err
	}
	return backend, nil
}

func createStorageBackend(cfg config.StorageConfig, epochCfg config.EpochConfig, logger *slog.Logger, meter metric.Meter) (storage.Store, error) {
	deps := gormstorage.Dependencies{
		Clock:  clock.Real(),
		Logger: logger.With("component", "storage"),
		Meter:  meter,
	}
	storeCfg := gormstorage.Config{
		FlushInterval: cfg.Flush,
		FeedBuffer:    cfg.Buffer,
		Period:        epochCfg.Period,
		ResetGuard:    epochCfg.ResetGuard,
	}

	switch cfg.Type {
	case "postgres":
		logger.Info("Postgres storage backend initialized", "host", cfg.DB.Host, "database", cfg.DB.Database)
		return pgstorage.New(cfg.DB, deps, storeCfg), nil

	case "sqlite", "":
		dumpPath := cfg.SQLite.DumpPath
		if dumpPath != "" {
			dumpPath = fmt.Sprintf("%s.%s", dumpPath, time.Now().Format("20060102_150405"))
		}
		backend, err := sqlitestorage.New(sqlitestorage.Config{
			Path:         cfg.SQLite.Path,
			DumpInterval: cfg.SQLite.DumpInterval,
			DumpPath:     dumpPath,
		}, deps, storeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		logger.Info("SQLite storage backend initialized", "path", cfg.SQLite.Path)
		return backend, nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
