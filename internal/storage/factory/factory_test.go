package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terrascout/fieldmap/internal/config"
	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/internal/storage/gormstore"
	"github.com/terrascout/fieldmap/internal/storage/memory"
)

func TestNewStore_Memory(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Type: "memory"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &memory.Backend{}, s)
}

func TestNewStore_Sqlite(t *testing.T) {
	s, err := NewStore(config.StorageConfig{
		Type:   "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "f.db")},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	assert.IsType(t, &gormstore.Store{}, s)
	require.NoError(t, s.Init(context.Background()))

	groups, err := s.ListGroups(context.Background())
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestNewStore_Unknown(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Type: "redis"}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")

	_, err = s.ListOverlays(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotOpen)
}

func TestNewManager_Sqlite(t *testing.T) {
	m, err := NewManager(config.StorageConfig{
		Type:   "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "f.db")},
	}, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()
	assert.True(t, m.IsValid)
}
