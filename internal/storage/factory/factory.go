// internal/storage/factory/factory.go
package factory

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/terrascout/fieldmap/internal/config"
	"github.com/terrascout/fieldmap/internal/database"
	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/internal/storage/gormstore"
	"github.com/terrascout/fieldmap/internal/storage/memory"
)

// NewStore creates a storage backend based on configuration.
// When a database cannot be opened the returned store is still usable as a
// value but rejects every call with storage.ErrNotOpen; err reports the cause.
func NewStore(cfg config.StorageConfig, log zerolog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "postgres", "sqlite":
		m := database.NewManager(log)
		if err := m.Connect(cfg); err != nil {
			return gormstore.Failed(err), err
		}
		if err := m.Setup(); err != nil {
			_ = m.Close()
			return gormstore.Failed(err), err
		}
		return gormstore.New(m.DB, gormstore.WithLogger(log), gormstore.WithCloser(m.Close)), nil
	case "memory":
		return memory.New(), nil
	default:
		err := fmt.Errorf("unknown storage type: %s", cfg.Type)
		return gormstore.Failed(err), err
	}
}

// NewManager opens and migrates a database without wrapping it in a store,
// for maintenance commands such as backups.
func NewManager(cfg config.StorageConfig, log zerolog.Logger) (*database.Manager, error) {
	m := database.NewManager(log)
	if err := m.Connect(cfg); err != nil {
		return nil, err
	}
	if err := m.Setup(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}
