package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ConfigFileName is looked up in the config directory passed to Load.
const ConfigFileName = "worldsync.cfg.json"

// WorldConfig holds the coordinate space limits.
type WorldConfig struct {
	MinX      float64
	MaxX      float64
	MinY      float64
	MaxY      float64
	SpawnHalf float64
	MinZoom   float64
	MaxZoom   float64
	GridSize  float64
	Overscan  float64
}

// SyncConfig holds position synchronization cadences.
type SyncConfig struct {
	BroadcastInterval time.Duration
	PersistQuiet      time.Duration
	WriteTimeout      time.Duration
	FlushInterval     time.Duration
	LinkRadius        float64
	MaxVisibleLinks   int
}

// PresenceConfig holds heartbeat settings.
type PresenceConfig struct {
	Interval   time.Duration
	Grace      float64
	MaxEntries int
}

// QuotaConfig holds per-user content limits.
type QuotaConfig struct {
	MaxItems int
	Cooldown time.Duration
}

// EpochConfig holds the reset schedule.
type EpochConfig struct {
	Period       time.Duration
	ResetGuard   time.Duration
	PollInterval time.Duration
	Warn10       time.Duration
	Warn5        time.Duration
	Warn1        time.Duration
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// SQLiteConfig holds SQLite backend settings.
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// StorageConfig holds storage backend settings.
type StorageConfig struct {
	Type   string
	SQLite SQLiteConfig
	DB     DBConfig
	// Buffer is the per-subscriber change feed buffer.
	Buffer int
	// Flush is the write-behind interval for position rows.
	Flush time.Duration
}

// ServerConfig holds the realtime server settings.
type ServerConfig struct {
	Address        string
	Path           string
	SendBuffer     int
	AllowedOrigins []string
}

// ClientConfig holds settings for the headless client.
type ClientConfig struct {
	URL      string
	UserID   string
	Nickname string
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// InfluxConfig holds the metrics sink settings.
type InfluxConfig struct {
	Enabled  bool
	Protocol string
	Host     string
	Port     string
	Token    string
	Org      string
	Bucket   string
	Interval time.Duration
}

// GraylogConfig holds the GELF log sink settings.
type GraylogConfig struct {
	Enabled bool
	Address string
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(ConfigFileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// SetDefaults registers every default value. Load calls it; commands that
// run without a config file call it directly.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("world.minX", -50000.0)
	viper.SetDefault("world.maxX", 50000.0)
	viper.SetDefault("world.minY", -50000.0)
	viper.SetDefault("world.maxY", 50000.0)
	viper.SetDefault("world.spawnHalf", 500.0)
	viper.SetDefault("world.minZoom", 0.1)
	viper.SetDefault("world.maxZoom", 3.0)
	viper.SetDefault("world.gridSize", 100.0)
	viper.SetDefault("world.overscan", 0.2)

	viper.SetDefault("sync.broadcastInterval", "100ms")
	viper.SetDefault("sync.persistQuiet", "1s")
	viper.SetDefault("sync.writeTimeout", "5s")
	viper.SetDefault("sync.flushInterval", "250ms")
	viper.SetDefault("sync.linkRadius", 2000.0)
	viper.SetDefault("sync.maxVisibleLinks", 50)

	viper.SetDefault("presence.interval", "30s")
	viper.SetDefault("presence.grace", 2.0)
	viper.SetDefault("presence.maxEntries", 10000)

	viper.SetDefault("quota.maxItems", 10)
	viper.SetDefault("quota.cooldown", "30s")

	viper.SetDefault("epoch.period", "24h")
	viper.SetDefault("epoch.resetGuard", "1m")
	viper.SetDefault("epoch.pollInterval", "1s")
	viper.SetDefault("epoch.warn10", "10m")
	viper.SetDefault("epoch.warn5", "5m")
	viper.SetDefault("epoch.warn1", "1m")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "worldsync")

	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./worldsync.db")
	viper.SetDefault("storage.sqlite.dumpPath", "")
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")
	viper.SetDefault("storage.changeBuffer", 256)

	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.path", "/realtime")
	viper.SetDefault("server.sendBuffer", 256)
	viper.SetDefault("server.allowedOrigins", []string{})

	viper.SetDefault("client.url", "ws://localhost:8080/realtime")
	viper.SetDefault("client.userId", "")
	viper.SetDefault("client.nickname", "wanderer")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "worldsync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "worldsync")
	viper.SetDefault("influx.bucket", "world")
	viper.SetDefault("influx.interval", "15s")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetWorldConfig returns the coordinate space settings.
func GetWorldConfig() WorldConfig {
	return WorldConfig{
		MinX:      viper.GetFloat64("world.minX"),
		MaxX:      viper.GetFloat64("world.maxX"),
		MinY:      viper.GetFloat64("world.minY"),
		MaxY:      viper.GetFloat64("world.maxY"),
		SpawnHalf: viper.GetFloat64("world.spawnHalf"),
		MinZoom:   viper.GetFloat64("world.minZoom"),
		MaxZoom:   viper.GetFloat64("world.maxZoom"),
		GridSize:  viper.GetFloat64("world.gridSize"),
		Overscan:  viper.GetFloat64("world.overscan"),
	}
}

// GetSyncConfig returns the position synchronization settings.
func GetSyncConfig() SyncConfig {
	return SyncConfig{
		BroadcastInterval: viper.GetDuration("sync.broadcastInterval"),
		PersistQuiet:      viper.GetDuration("sync.persistQuiet"),
		WriteTimeout:      viper.GetDuration("sync.writeTimeout"),
		FlushInterval:     viper.GetDuration("sync.flushInterval"),
		LinkRadius:        viper.GetFloat64("sync.linkRadius"),
		MaxVisibleLinks:   viper.GetInt("sync.maxVisibleLinks"),
	}
}

// GetPresenceConfig returns the heartbeat settings.
func GetPresenceConfig() PresenceConfig {
	return PresenceConfig{
		Interval:   viper.GetDuration("presence.interval"),
		Grace:      viper.GetFloat64("presence.grace"),
		MaxEntries: viper.GetInt("presence.maxEntries"),
	}
}

// GetQuotaConfig returns the content limits.
func GetQuotaConfig() QuotaConfig {
	return QuotaConfig{
		MaxItems: viper.GetInt("quota.maxItems"),
		Cooldown: viper.GetDuration("quota.cooldown"),
	}
}

// GetEpochConfig returns the reset schedule.
func GetEpochConfig() EpochConfig {
	return EpochConfig{
		Period:       viper.GetDuration("epoch.period"),
		ResetGuard:   viper.GetDuration("epoch.resetGuard"),
		PollInterval: viper.GetDuration("epoch.pollInterval"),
		Warn10:       viper.GetDuration("epoch.warn10"),
		Warn5:        viper.GetDuration("epoch.warn5"),
		Warn1:        viper.GetDuration("epoch.warn1"),
	}
}

// GetStorageConfig returns storage backend settings.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		SQLite: SQLiteConfig{
			Path:         viper.GetString("storage.sqlite.path"),
			DumpPath:     viper.GetString("storage.sqlite.dumpPath"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
		DB: DBConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
		},
		Buffer: viper.GetInt("storage.changeBuffer"),
		Flush:  viper.GetDuration("sync.flushInterval"),
	}
}

// GetServerConfig returns realtime server settings.
func GetServerConfig() ServerConfig {
	return ServerConfig{
		Address:        viper.GetString("server.address"),
		Path:           viper.GetString("server.path"),
		SendBuffer:     viper.GetInt("server.sendBuffer"),
		AllowedOrigins: viper.GetStringSlice("server.allowedOrigins"),
	}
}

// GetClientConfig returns headless client settings.
func GetClientConfig() ClientConfig {
	return ClientConfig{
		URL:      viper.GetString("client.url"),
		UserID:   viper.GetString("client.userId"),
		Nickname: viper.GetString("client.nickname"),
	}
}

// GetOTelConfig returns OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns metrics sink settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
		Interval: viper.GetDuration("influx.interval"),
	}
}

// GetGraylogConfig returns GELF sink settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}
