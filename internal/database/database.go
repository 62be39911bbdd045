// Package database opens and prepares the gorm connection used by the
// store: Postgres for shared deployments, SQLite (file or memory) for a
// single node.
package database

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryPath opens a shared in-memory SQLite database.
const MemoryPath = ""

// OpenPostgres connects to Postgres and validates the connection.
func OpenPostgres(cfg config.DBConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database,
	)

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql interface: %w", err)
	}
	if err = sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to validate connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	return db, nil
}

// OpenSQLite opens a SQLite database at path, or a shared in-memory one
// when path is MemoryPath. The pool is pinned to a single connection so
// PRAGMAs and the in-memory database stay on that connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path
	if path == MemoryPath {
		dsn = "file:worldsync?mode=memory&cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql interface: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = MEMORY;",
		"PRAGMA synchronous = OFF;",
		"PRAGMA cache_size = -32000;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// EnsureWorldState returns the world row, creating epoch 1 with the first
// reset one period from now if it does not exist yet.
func EnsureWorldState(db *gorm.DB, now time.Time, period time.Duration) (model.WorldState, error) {
	var ws model.WorldState
	err := db.First(&ws, model.WorldStateID).Error
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return ws, fmt.Errorf("failed to read world state: %w", err)
	}

	ws = model.WorldState{
		ID:          model.WorldStateID,
		EpochID:     1,
		NextResetAt: now.Add(period).UTC(),
	}
	if err := db.Create(&ws).Error; err != nil {
		return ws, fmt.Errorf("failed to create world state: %w", err)
	}
	return ws, nil
}

// DumpMemoryDBToDisk vacuums the database into a file snapshot, replacing
// any previous dump.
func DumpMemoryDBToDisk(db *gorm.DB, sqliteFilePath string) error {
	if sqliteFilePath == "" {
		return fmt.Errorf("sqlite file path not set")
	}

	if _, err := os.Stat(sqliteFilePath); err == nil {
		if err := os.Remove(sqliteFilePath); err != nil {
			return fmt.Errorf("error removing existing DB file: %w", err)
		}
	}

	if err := db.Exec("VACUUM INTO ?", sqliteFilePath).Error; err != nil {
		return fmt.Errorf("error dumping memory DB to disk: %w", err)
	}
	return nil
}
