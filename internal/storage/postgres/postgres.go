// Package postgres is the shared-deployment backend: the gorm store over a
// Postgres connection, where the world row lock makes resets safe across
// several server processes.
package postgres

import (
	"fmt"

	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/database"
	gormstorage "github.com/Seonggyu05/infinite-introverts/internal/storage/gorm"
)

// Backend embeds the gorm store. The connection is opened by Init unless
// one was injected through Dependencies.
type Backend struct {
	*gormstorage.Store
	db   config.DBConfig
	deps gormstorage.Dependencies
	cfg  gormstorage.Config
}

// New creates a Postgres backend.
func New(db config.DBConfig, deps gormstorage.Dependencies, cfg gormstorage.Config) *Backend {
	b := &Backend{db: db, deps: deps, cfg: cfg}
	if deps.DB != nil {
		b.Store = gormstorage.New(deps, cfg)
	}
	return b
}

// Init connects if needed, then migrates and starts the store.
func (b *Backend) Init() error {
	if b.Store == nil {
		conn, err := database.OpenPostgres(b.db)
		if err != nil {
			return err
		}
		b.deps.DB = conn
		b.Store = gormstorage.New(b.deps, b.cfg)
	}
	if err := b.Store.Init(); err != nil {
		return fmt.Errorf("failed to init postgres store: %w", err)
	}
	return nil
}

// Close is safe before Init.
func (b *Backend) Close() error {
	if b.Store == nil {
		return nil
	}
	return b.Store.Close()
}
