package database

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terrascout/fieldmap/internal/config"
	"github.com/terrascout/fieldmap/internal/model"
	"github.com/terrascout/fieldmap/pkg/core"
)

func newSqliteManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(zerolog.Nop())
	err := m.Connect(config.StorageConfig{
		Type:   "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "fieldmap.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestConnect_UnknownDriver(t *testing.T) {
	m := NewManager(zerolog.Nop())
	err := m.Connect(config.StorageConfig{Type: "oracle"})
	require.Error(t, err)
	assert.False(t, m.IsValid)
}

func TestSetup_NotConnected(t *testing.T) {
	m := NewManager(zerolog.Nop())
	assert.ErrorIs(t, m.Setup(), ErrNotConnected)
}

func TestSetup_FreshDatabase(t *testing.T) {
	m := newSqliteManager(t)
	require.NoError(t, m.Setup())

	v, err := Version(m.DB)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersion, v)

	var infos []model.SchemaInfo
	require.NoError(t, m.DB.Order("version").Find(&infos).Error)
	require.Len(t, infos, 3)
	assert.Equal(t, 1, infos[0].Version)
	assert.Equal(t, 3, infos[2].Version)

	var def model.OverlayGroup
	require.NoError(t, m.DB.First(&def, "id = ?", core.DefaultGroupID).Error)
	assert.Equal(t, core.DefaultGroupName, def.Name)
}

func TestSetup_Idempotent(t *testing.T) {
	m := newSqliteManager(t)
	require.NoError(t, m.Setup())

	applied, err := Migrate(m.DB, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	var groups int64
	require.NoError(t, m.DB.Model(&model.OverlayGroup{}).Count(&groups).Error)
	assert.Equal(t, int64(1), groups)
}

func TestMigrate_FromV1KeepsLegacyRowsUntouched(t *testing.T) {
	m := newSqliteManager(t)

	applied, err := MigrateTo(m.DB, 1, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.False(t, m.DB.Migrator().HasColumn(&model.Overlay{}, "Opacity"))

	require.NoError(t, m.DB.Exec(
		`INSERT INTO overlays (id, name, data, bounds, created_at) VALUES (?, ?, ?, ?, ?)`,
		"farm", "farm", []byte{1, 2, 3}, `{"west":1,"south":2,"east":3,"north":4}`, 1700000000000,
	).Error)

	applied, err = Migrate(m.DB, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	var row model.Overlay
	require.NoError(t, m.DB.First(&row, "id = ?", "farm").Error)
	assert.Nil(t, row.Opacity)
	assert.Nil(t, row.Visible)
	assert.Nil(t, row.GroupID)
	assert.Equal(t, []byte{1, 2, 3}, row.Data)
	assert.True(t, m.DB.Migrator().HasTable(&model.OverlayGroup{}))
}

func TestMigrate_UntrackedLegacyDatabase(t *testing.T) {
	m := newSqliteManager(t)
	require.NoError(t, m.DB.Migrator().CreateTable(&overlayV1{}))

	v, err := Version(m.DB)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	applied, err := Migrate(m.DB, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	var count int64
	require.NoError(t, m.DB.Model(&model.SchemaInfo{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestMigrate_RejectsNewerSchema(t *testing.T) {
	m := newSqliteManager(t)
	require.NoError(t, m.Setup())
	require.NoError(t, m.DB.Create(&model.SchemaInfo{Version: model.SchemaVersion + 1}).Error)

	_, err := Migrate(m.DB, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestBackup(t *testing.T) {
	m := newSqliteManager(t)
	require.NoError(t, m.Setup())

	dst := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, m.Backup(dst))

	restored := NewManager(zerolog.Nop())
	require.NoError(t, restored.Connect(config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: dst}}))
	defer restored.Close()

	v, err := Version(restored.DB)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaVersion, v)
}

func TestBackup_RequiresSqlite(t *testing.T) {
	m := newSqliteManager(t)
	m.Driver = "postgres"
	assert.Error(t, m.Backup(filepath.Join(t.TempDir(), "x.db")))
}
