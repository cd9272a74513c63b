package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/terrascout/fieldmap/internal/model"
	"github.com/terrascout/fieldmap/pkg/core"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// overlayV1 is the overlays table as first shipped, before display state was stored.
type overlayV1 struct {
	ID        string `gorm:"primaryKey;size:255"`
	Name      string `gorm:"size:255;not null"`
	Data      []byte
	SourceURL string `gorm:"size:2048"`
	Bounds    datatypes.JSON
	CreatedAt int64 `gorm:"autoCreateTime:milli"`
}

func (overlayV1) TableName() string {
	return "overlays"
}

type migration struct {
	version int
	name    string
	up      func(tx *gorm.DB) error
}

// migrations are additive only. Existing rows are never rewritten; new
// columns stay NULL on old rows and are defaulted when read.
var migrations = []migration{
	{
		version: 1,
		name:    "create overlays",
		up: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable(&overlayV1{}) {
				return nil
			}
			return tx.Migrator().CreateTable(&overlayV1{})
		},
	},
	{
		version: 2,
		name:    "add overlay opacity and visibility",
		up: func(tx *gorm.DB) error {
			return addColumns(tx, &model.Overlay{}, "Opacity", "Visible")
		},
	},
	{
		version: 3,
		name:    "add overlay groups",
		up: func(tx *gorm.DB) error {
			if err := addColumns(tx, &model.Overlay{}, "GroupID"); err != nil {
				return err
			}
			if !tx.Migrator().HasIndex(&model.Overlay{}, "idx_overlays_group_id") {
				if err := tx.Migrator().CreateIndex(&model.Overlay{}, "idx_overlays_group_id"); err != nil {
					return err
				}
			}
			if !tx.Migrator().HasTable(&model.OverlayGroup{}) {
				if err := tx.Migrator().CreateTable(&model.OverlayGroup{}); err != nil {
					return err
				}
			}
			def := core.DefaultGroup()
			return tx.Where(model.OverlayGroup{ID: def.ID}).
				Attrs(model.OverlayGroup{Name: def.DisplayName, Expanded: def.Expanded, Order: def.Order}).
				FirstOrCreate(&model.OverlayGroup{}).Error
		},
	},
}

func addColumns(tx *gorm.DB, value any, fields ...string) error {
	for _, f := range fields {
		if tx.Migrator().HasColumn(value, f) {
			continue
		}
		if err := tx.Migrator().AddColumn(value, f); err != nil {
			return fmt.Errorf("add column %s: %w", f, err)
		}
	}
	return nil
}

// Version returns the newest schema version recorded in db.
// A database written before versions were tracked is detected by its columns.
func Version(db *gorm.DB) (int, error) {
	if !db.Migrator().HasTable(&model.SchemaInfo{}) {
		return detectLegacyVersion(db), nil
	}
	var version int
	err := db.Model(&model.SchemaInfo{}).Select("COALESCE(MAX(version), 0)").Scan(&version).Error
	if err != nil {
		return 0, err
	}
	return version, nil
}

func detectLegacyVersion(db *gorm.DB) int {
	m := db.Migrator()
	switch {
	case !m.HasTable("overlays"):
		return 0
	case m.HasColumn(&model.Overlay{}, "GroupID"):
		return 3
	case m.HasColumn(&model.Overlay{}, "Opacity"):
		return 2
	default:
		return 1
	}
}

// Migrate applies every pending migration and returns how many ran.
func Migrate(db *gorm.DB, log zerolog.Logger) (int, error) {
	return MigrateTo(db, model.SchemaVersion, log)
}

// MigrateTo applies pending migrations up to and including target.
// Each step and its schema_infos row commit together.
func MigrateTo(db *gorm.DB, target int, log zerolog.Logger) (int, error) {
	current, err := Version(db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if current > model.SchemaVersion {
		return 0, fmt.Errorf("database schema v%d is newer than supported v%d", current, model.SchemaVersion)
	}

	if !db.Migrator().HasTable(&model.SchemaInfo{}) {
		if err := db.Migrator().CreateTable(&model.SchemaInfo{}); err != nil {
			return 0, fmt.Errorf("create schema_infos: %w", err)
		}
		// record what a pre-tracking build already created
		for v := 1; v <= current; v++ {
			if err := db.Create(&model.SchemaInfo{Version: v, AppliedAt: time.Now().UTC()}).Error; err != nil {
				return 0, err
			}
		}
	}

	applied := 0
	for _, mig := range migrations {
		if mig.version <= current || mig.version > target {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := mig.up(tx); err != nil {
				return err
			}
			return tx.Create(&model.SchemaInfo{Version: mig.version, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return applied, fmt.Errorf("migration v%d (%s): %w", mig.version, mig.name, err)
		}
		log.Info().Int("version", mig.version).Str("name", mig.name).Msg("Applied migration")
		applied++
	}
	return applied, nil
}
