package model

import (
	"time"

	"gorm.io/datatypes"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// SchemaVersion is the newest schema this build knows how to open.
const SchemaVersion = 3

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&SchemaInfo{},
	&Overlay{},
	&OverlayGroup{},
}

////////////////////////
// SYSTEM MODELS
////////////////////////

// SchemaInfo records each applied schema migration.
type SchemaInfo struct {
	Version   int       `json:"version" gorm:"primaryKey;autoIncrement:false"`
	AppliedAt time.Time `json:"appliedAt"`
}

func (*SchemaInfo) TableName() string {
	return "schema_infos"
}

////////////////////////
// OVERLAYS
////////////////////////

// Overlay is one stored tile archive.
// Columns added after v1 are pointers: rows written by older builds keep NULL
// until they are rewritten, and readers fall back to defaults.
type Overlay struct {
	ID        string         `json:"id" gorm:"primaryKey;size:255"`
	Name      string         `json:"name" gorm:"size:255;not null"`
	Data      []byte         `json:"-"`
	SourceURL string         `json:"sourceUrl" gorm:"size:2048"`
	Bounds    datatypes.JSON `json:"bounds"`
	CreatedAt int64          `json:"createdAt" gorm:"autoCreateTime:milli"`

	// v2
	Opacity *float64 `json:"opacity"`
	Visible *bool    `json:"visible"`

	// v3
	GroupID *string `json:"groupId" gorm:"size:255;index:idx_overlays_group_id"`
}

func (*Overlay) TableName() string {
	return "overlays"
}

// OverlayGroup is a user defined folder of overlays.
type OverlayGroup struct {
	ID       string `json:"id" gorm:"primaryKey;size:255"`
	Name     string `json:"name" gorm:"size:255;not null"`
	Expanded bool   `json:"expanded"`
	Order    int    `json:"order" gorm:"column:sort_order"`
}

func (*OverlayGroup) TableName() string {
	return "overlay_groups"
}
