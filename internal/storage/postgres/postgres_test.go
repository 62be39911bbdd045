package postgres

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/config"
	"github.com/Seonggyu05/infinite-introverts/internal/database"
	"github.com/Seonggyu05/infinite-introverts/internal/storage"
	gormstorage "github.com/Seonggyu05/infinite-introverts/internal/storage/gorm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ storage.Store = (*Backend)(nil)

func TestInitClose_InjectedDB(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "pg.db"))
	require.NoError(t, err)

	b := New(config.DBConfig{}, gormstorage.Dependencies{DB: db}, gormstorage.Config{Period: time.Hour})
	require.NoError(t, b.Init())

	e, err := b.CurrentEpoch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ID)
	require.NoError(t, b.Close())
}

func TestInit_Unreachable(t *testing.T) {
	b := New(config.DBConfig{Host: "127.0.0.1", Port: "1", Database: "x"}, gormstorage.Dependencies{}, gormstorage.Config{})
	assert.Error(t, b.Init())
	assert.NoError(t, b.Close())
}
