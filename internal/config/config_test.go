package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	cfg := `{
		"logLevel": "debug",
		"db": { "host": "10.0.0.1", "port": "5433" },
		"quota": { "maxItems": 3, "cooldown": "5s" },
		"storage": { "type": "postgres" }
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(cfg), 0644))

	err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", viper.GetString("logLevel"))
	assert.Equal(t, "10.0.0.1", viper.GetString("db.host"))
	assert.Equal(t, "5433", viper.GetString("db.port"))
	assert.Equal(t, QuotaConfig{MaxItems: 3, Cooldown: 5 * time.Second}, GetQuotaConfig())

	sc := GetStorageConfig()
	assert.Equal(t, "postgres", sc.Type)
	assert.Equal(t, "10.0.0.1", sc.DB.Host)
	assert.Equal(t, "worldsync", sc.DB.Database)
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`{}`), 0644))

	err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "info", viper.GetString("logLevel"))
	assert.Equal(t, "./logs", viper.GetString("logsDir"))
	assert.Equal(t, "localhost", viper.GetString("db.host"))
	assert.Equal(t, "5432", viper.GetString("db.port"))
	assert.Equal(t, false, viper.GetBool("graylog.enabled"))
	assert.Equal(t, "localhost:12201", viper.GetString("graylog.address"))

	w := GetWorldConfig()
	assert.Equal(t, -50000.0, w.MinX)
	assert.Equal(t, 50000.0, w.MaxY)
	assert.Equal(t, 500.0, w.SpawnHalf)
	assert.Equal(t, 0.1, w.MinZoom)
	assert.Equal(t, 3.0, w.MaxZoom)
	assert.Equal(t, 0.2, w.Overscan)

	s := GetSyncConfig()
	assert.Equal(t, 100*time.Millisecond, s.BroadcastInterval)
	assert.Equal(t, time.Second, s.PersistQuiet)
	assert.Equal(t, 2000.0, s.LinkRadius)
	assert.Equal(t, 50, s.MaxVisibleLinks)

	assert.Equal(t, PresenceConfig{Interval: 30 * time.Second, Grace: 2, MaxEntries: 10000}, GetPresenceConfig())
	assert.Equal(t, QuotaConfig{MaxItems: 10, Cooldown: 30 * time.Second}, GetQuotaConfig())

	e := GetEpochConfig()
	assert.Equal(t, 24*time.Hour, e.Period)
	assert.Equal(t, 10*time.Minute, e.Warn10)
	assert.Equal(t, 5*time.Minute, e.Warn5)
	assert.Equal(t, time.Minute, e.Warn1)
	assert.Equal(t, time.Minute, e.ResetGuard)

	sc := GetStorageConfig()
	assert.Equal(t, "sqlite", sc.Type)
	assert.Equal(t, "./worldsync.db", sc.SQLite.Path)
	assert.Equal(t, 3*time.Minute, sc.SQLite.DumpInterval)
	assert.Equal(t, 256, sc.Buffer)
	assert.Equal(t, 250*time.Millisecond, sc.Flush)

	srv := GetServerConfig()
	assert.Equal(t, ":8080", srv.Address)
	assert.Equal(t, "/realtime", srv.Path)

	o := GetOTelConfig()
	assert.False(t, o.Enabled)
	assert.Equal(t, "worldsync", o.ServiceName)
	assert.Equal(t, 5*time.Second, o.BatchTimeout)
	assert.True(t, o.Insecure)

	i := GetInfluxConfig()
	assert.False(t, i.Enabled)
	assert.Equal(t, "world", i.Bucket)
	assert.Equal(t, 15*time.Second, i.Interval)

	assert.Equal(t, "wanderer", GetClientConfig().Nickname)
	assert.False(t, GetGraylogConfig().Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load("/nonexistent/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestSetDefaults_WithoutFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	SetDefaults()
	assert.Equal(t, "sqlite", GetStorageConfig().Type)
}

func TestGetString(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	assert.Equal(t, "testValue", GetString("testKey"))
}

func TestGetInt(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testInt", 42)
	assert.Equal(t, 42, GetInt("testInt"))
}

func TestGetBool(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testBool", true)
	assert.True(t, GetBool("testBool"))
}
