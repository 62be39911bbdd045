package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Seonggyu05/infinite-introverts/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite_MigrateAndEnsureWorld(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "world.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, m := range model.DatabaseModels {
		assert.True(t, db.Migrator().HasTable(m))
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ws, err := EnsureWorldState(db, now, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ws.EpochID)
	assert.True(t, ws.NextResetAt.Equal(now.Add(24*time.Hour)))

	// second call reads the existing row
	again, err := EnsureWorldState(db, now.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.True(t, again.NextResetAt.Equal(ws.NextResetAt))
}

func TestDumpMemoryDBToDisk(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "live.db"))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	require.NoError(t, db.Create(&model.Profile{ID: "u1", Nickname: "a"}).Error)

	dump := filepath.Join(t.TempDir(), "dump.db")
	require.NoError(t, os.WriteFile(dump, []byte("stale"), 0644))
	require.NoError(t, DumpMemoryDBToDisk(db, dump))

	copyDB, err := OpenSQLite(dump)
	require.NoError(t, err)
	var n int64
	require.NoError(t, copyDB.Model(&model.Profile{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestDumpMemoryDBToDisk_NoPath(t *testing.T) {
	assert.Error(t, DumpMemoryDBToDisk(nil, ""))
}
