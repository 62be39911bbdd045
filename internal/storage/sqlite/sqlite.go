// Package sqlitestorage is the single-node backend: the gorm store over a
// SQLite database, optionally snapshotted to disk with VACUUM INTO.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/database"
	gormstorage "github.com/Seonggyu05/infinite-introverts/internal/storage/gorm"
)

// Config holds configuration for the SQLite storage backend.
type Config struct {
	// Path of the database file; empty means in memory.
	Path         string
	DumpInterval time.Duration
	DumpPath     string // Path for periodic VACUUM INTO dumps
}

// Backend wraps the gorm store with the dump loop.
type Backend struct {
	*gormstorage.Store
	cfg      Config
	logger   *slog.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// New opens the database and creates the backend.
func New(cfg Config, deps gormstorage.Dependencies, storeCfg gormstorage.Config) (*Backend, error) {
	if deps.DB == nil {
		db, err := database.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite DB: %w", err)
		}
		deps.DB = db
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		Store:  gormstorage.New(deps, storeCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Init initializes the embedded store and starts the dump goroutine.
func (b *Backend) Init() error {
	if err := b.Store.Init(); err != nil {
		return err
	}

	if b.cfg.DumpPath != "" && b.cfg.DumpInterval > 0 {
		b.stopChan = make(chan struct{})
		b.done = make(chan struct{})
		go b.dumpLoop()
	}
	return nil
}

// Close stops the dump loop, writes a final dump and closes the store.
func (b *Backend) Close() error {
	if b.stopChan != nil {
		close(b.stopChan)
		<-b.done
		b.stopChan = nil
	}
	err := b.Store.Close()
	if b.cfg.DumpPath != "" {
		if derr := b.Dump(); derr != nil {
			b.logger.Error("Final dump failed", "error", derr)
		}
	}
	return err
}

// Dump snapshots the database to the dump path.
func (b *Backend) Dump() error {
	return database.DumpMemoryDBToDisk(b.DB(), b.cfg.DumpPath)
}

// dumpLoop periodically dumps the database to disk. VACUUM INTO creates a
// point-in-time snapshot, so writers are not paused.
func (b *Backend) dumpLoop() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := b.Dump(); err != nil {
				b.logger.Error("Error dumping to disk", "error", err)
			} else {
				b.logger.Debug("Dumped to disk", "duration", time.Since(start), "path", b.cfg.DumpPath)
			}
		}
	}
}
