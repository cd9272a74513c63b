package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "fieldmap.cfg.json"

// StorageConfig selects and configures the overlay store backend.
type StorageConfig struct {
	Type     string         `json:"type" mapstructure:"type"` // sqlite | postgres | memory
	SQLite   SQLiteConfig   `json:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

// SQLiteConfig holds settings for the local sqlite file.
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// PostgresConfig holds connection settings for a shared postgres store.
type PostgresConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	SSLMode  string `json:"sslMode" mapstructure:"sslMode"`
}

// DSN renders the libpq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=%s`,
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// SyncConfig selects the remote file service used by sync passes.
type SyncConfig struct {
	Remote string      `json:"remote" mapstructure:"remote"` // memory | drive | couch
	Folder string      `json:"folder" mapstructure:"folder"`
	Drive  DriveConfig `json:"drive" mapstructure:"drive"`
	Couch  CouchConfig `json:"couch" mapstructure:"couch"`
}

// DriveConfig holds the OAuth client used against Google Drive.
type DriveConfig struct {
	ClientID     string `json:"clientId" mapstructure:"clientId"`
	ClientSecret string `json:"clientSecret" mapstructure:"clientSecret"`
	TokenFile    string `json:"tokenFile" mapstructure:"tokenFile"`
	BaseURL      string `json:"baseUrl" mapstructure:"baseUrl"`
}

// CouchConfig points at a CouchDB database used as the remote object store.
type CouchConfig struct {
	URL      string `json:"url" mapstructure:"url"`
	Database string `json:"database" mapstructure:"database"`
}

// BridgeConfig configures the map renderer variant.
type BridgeConfig struct {
	Renderer        string        `json:"renderer" mapstructure:"renderer"` // inprocess | bridged
	ResponseTimeout time.Duration `json:"responseTimeout" mapstructure:"responseTimeout"`
}

// LocationConfig configures the position source.
type LocationConfig struct {
	Source            string        `json:"source" mapstructure:"source"` // gpsd | replay | none
	GPSDAddress       string        `json:"gpsdAddress" mapstructure:"gpsdAddress"`
	AccuracyClass     string        `json:"accuracyClass" mapstructure:"accuracyClass"`
	MinDistanceMeters float64       `json:"minDistanceMeters" mapstructure:"minDistanceMeters"`
	MinInterval       time.Duration `json:"minInterval" mapstructure:"minInterval"`
	ReplayFile        string        `json:"replayFile" mapstructure:"replayFile"` // GeoJSON track for source=replay
	ReplayInterval    time.Duration `json:"replayInterval" mapstructure:"replayInterval"`
}

// ServerConfig configures the HTTP surface of `fieldmap serve`.
type ServerConfig struct {
	Address        string   `json:"address" mapstructure:"address"`
	AllowedOrigins []string `json:"allowedOrigins" mapstructure:"allowedOrigins"`
	ImportDir      string   `json:"importDir" mapstructure:"importDir"`
	TileSource     string   `json:"tileSource" mapstructure:"tileSource"`
}

// OTelConfig configures the OpenTelemetry meter provider.
type OTelConfig struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName    string        `json:"serviceName" mapstructure:"serviceName"`
	ExportInterval time.Duration `json:"exportInterval" mapstructure:"exportInterval"`
}

// InfluxConfig configures the sync statistics reporter.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// URL joins protocol, host and port.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// GraylogConfig configures the GELF log sink.
type GraylogConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Address  string `json:"address" mapstructure:"address"`
	Facility string `json:"facility" mapstructure:"facility"`
}

// SetDefaults registers every default value. Load calls it; tests and the CLI
// can call it without a config file.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./fieldlogs")

	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./fieldmap.db")
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.username", "postgres")
	viper.SetDefault("storage.postgres.password", "postgres")
	viper.SetDefault("storage.postgres.database", "fieldmap")
	viper.SetDefault("storage.postgres.sslMode", "disable")

	viper.SetDefault("sync.remote", "memory")
	viper.SetDefault("sync.folder", "fieldmap")
	viper.SetDefault("sync.drive.tokenFile", "./fieldmap-token.json")
	viper.SetDefault("sync.drive.baseUrl", "https://www.googleapis.com")
	viper.SetDefault("sync.couch.url", "http://localhost:5984")
	viper.SetDefault("sync.couch.database", "fieldmap")

	viper.SetDefault("bridge.renderer", "inprocess")
	viper.SetDefault("bridge.responseTimeout", "10s")

	viper.SetDefault("location.source", "none")
	viper.SetDefault("location.gpsdAddress", "localhost:2947")
	viper.SetDefault("location.accuracyClass", "high")
	viper.SetDefault("location.minDistanceMeters", 1.0)
	viper.SetDefault("location.minInterval", "1s")
	viper.SetDefault("location.replayInterval", "1s")

	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.allowedOrigins", []string{"*"})
	viper.SetDefault("server.importDir", "")
	viper.SetDefault("server.tileSource", "osm")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "fieldmap")
	viper.SetDefault("otel.exportInterval", "1m")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "fieldmap")
	viper.SetDefault("influx.bucket", "sync")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")
	viper.SetDefault("graylog.facility", "fieldmap")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
// Environment variables prefixed FIELDMAP_ override file values.
func Load(configDir string) error {
	SetDefaults()

	viper.SetEnvPrefix("FIELDMAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
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

func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		SQLite: SQLiteConfig{
			Path: viper.GetString("storage.sqlite.path"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("storage.postgres.host"),
			Port:     viper.GetString("storage.postgres.port"),
			Username: viper.GetString("storage.postgres.username"),
			Password: viper.GetString("storage.postgres.password"),
			Database: viper.GetString("storage.postgres.database"),
			SSLMode:  viper.GetString("storage.postgres.sslMode"),
		},
	}
}

func GetSyncConfig() SyncConfig {
	return SyncConfig{
		Remote: viper.GetString("sync.remote"),
		Folder: viper.GetString("sync.folder"),
		Drive: DriveConfig{
			ClientID:     viper.GetString("sync.drive.clientId"),
			ClientSecret: viper.GetString("sync.drive.clientSecret"),
			TokenFile:    viper.GetString("sync.drive.tokenFile"),
			BaseURL:      viper.GetString("sync.drive.baseUrl"),
		},
		Couch: CouchConfig{
			URL:      viper.GetString("sync.couch.url"),
			Database: viper.GetString("sync.couch.database"),
		},
	}
}

func GetBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Renderer:        viper.GetString("bridge.renderer"),
		ResponseTimeout: viper.GetDuration("bridge.responseTimeout"),
	}
}

func GetLocationConfig() LocationConfig {
	return LocationConfig{
		Source:            viper.GetString("location.source"),
		GPSDAddress:       viper.GetString("location.gpsdAddress"),
		AccuracyClass:     viper.GetString("location.accuracyClass"),
		MinDistanceMeters: viper.GetFloat64("location.minDistanceMeters"),
		MinInterval:       viper.GetDuration("location.minInterval"),
		ReplayFile:        viper.GetString("location.replayFile"),
		ReplayInterval:    viper.GetDuration("location.replayInterval"),
	}
}

func GetServerConfig() ServerConfig {
	return ServerConfig{
		Address:        viper.GetString("server.address"),
		AllowedOrigins: viper.GetStringSlice("server.allowedOrigins"),
		ImportDir:      viper.GetString("server.importDir"),
		TileSource:     viper.GetString("server.tileSource"),
	}
}

func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:        viper.GetBool("otel.enabled"),
		ServiceName:    viper.GetString("otel.serviceName"),
		ExportInterval: viper.GetDuration("otel.exportInterval"),
	}
}

func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled:  viper.GetBool("graylog.enabled"),
		Address:  viper.GetString("graylog.address"),
		Facility: viper.GetString("graylog.facility"),
	}
}
