package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/terrascout/fieldmap/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotConnected is returned by operations that need an open database.
var ErrNotConnected = errors.New("database not connected")

// Manager handles database connections and operations.
type Manager struct {
	DB         *gorm.DB
	SqlDB      *sql.DB
	IsValid    bool
	Driver     string
	SqlitePath string
	Logger     zerolog.Logger
}

// NewManager creates a new database manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		IsValid: false,
		Logger:  log,
	}
}

// Connect opens the database selected by cfg.Type and verifies the connection.
// There is no fallback: a store that cannot be opened stays invalid.
func (m *Manager) Connect(cfg config.StorageConfig) error {
	var err error

	m.Driver = cfg.Type
	switch cfg.Type {
	case "postgres":
		m.DB, err = m.GetPostgresDB(cfg.Postgres.DSN())
	case "sqlite":
		m.SqlitePath = cfg.SQLite.Path
		m.DB, err = m.GetSqliteDB(cfg.SQLite.Path)
	default:
		err = fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to open %s DB: %w", cfg.Type, err)
	}

	// test connection
	m.SqlDB, err = m.DB.DB()
	if err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to access sql interface: %w", err)
	}

	if err = m.SqlDB.Ping(); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to validate connection: %w", err)
	}

	if m.Driver == "sqlite" {
		// one writer; transactions queue on the pool instead of failing with SQLITE_BUSY
		m.SqlDB.SetMaxOpenConns(1)
	} else {
		m.SqlDB.SetMaxOpenConns(10)
	}

	m.Logger.Info().Str("driver", m.Driver).Msg("Connected to database")
	m.IsValid = true
	return nil
}

// GetPostgresDB returns a connection to the Postgres database.
func (m *Manager) GetPostgresDB(dsn string) (*gorm.DB, error) {
	m.Logger.Debug().Msg("Connecting to Postgres DB")

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// GetSqliteDB returns a connection to a SQLite database file.
// If path is empty, uses an in-memory database.
func (m *Manager) GetSqliteDB(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if path != "" {
		m.Logger.Info().Str("path", path).Msg("Using local SQLite DB")
	} else {
		m.Logger.Info().Msg("Using in-memory SQLite DB")
	}

	// set PRAGMAS
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA cache_size = -32000;",
		"PRAGMA temp_store = MEMORY;",
	}

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}

	return db, nil
}

// Setup brings the schema up to the newest version.
func (m *Manager) Setup() error {
	if m.DB == nil || !m.IsValid {
		return ErrNotConnected
	}

	m.Logger.Info().Msg("Migrating schema")
	applied, err := Migrate(m.DB, m.Logger)
	if err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	m.Logger.Info().Int("applied", applied).Msg("Database setup complete")
	return nil
}

// Close releases the underlying connection pool.
func (m *Manager) Close() error {
	m.IsValid = false
	if m.SqlDB == nil {
		return nil
	}
	return m.SqlDB.Close()
}

// Backup writes a consistent copy of a SQLite database to path via VACUUM INTO.
func (m *Manager) Backup(path string) error {
	if m.DB == nil || !m.IsValid {
		return ErrNotConnected
	}
	if m.Driver != "sqlite" {
		return fmt.Errorf("backup is only supported for sqlite, not %s", m.Driver)
	}
	if path == "" {
		return fmt.Errorf("backup path not set")
	}

	// remove existing file if it exists
	if exists, err := os.Stat(path); err == nil && exists != nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("error removing existing backup file: %w", err)
		}
	}

	start := time.Now()
	if err := m.DB.Exec("VACUUM INTO ?;", path).Error; err != nil {
		return fmt.Errorf("error writing backup: %w", err)
	}

	m.Logger.Debug().Dur("duration", time.Since(start)).Str("path", path).Msg("Wrote database backup")
	return nil
}
