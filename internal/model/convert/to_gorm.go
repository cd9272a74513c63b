// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"encoding/json"

	"github.com/terrascout/fieldmap/internal/model"
	"github.com/terrascout/fieldmap/pkg/core"
	"gorm.io/datatypes"
)

// boundsToJSON converts core.Bounds to datatypes.JSON for DB storage.
func boundsToJSON(b core.Bounds) datatypes.JSON {
	data, _ := json.Marshal(b)
	return datatypes.JSON(data)
}

// CoreToOverlay converts a core.Overlay to a GORM Overlay. Every versioned
// column is written explicitly so rewritten legacy rows lose their NULLs.
func CoreToOverlay(o core.Overlay) model.Overlay {
	opacity := o.Opacity
	visible := o.Visible
	groupID := o.GroupID
	if groupID == "" {
		groupID = core.DefaultGroupID
	}

	var createdAt int64
	if !o.CreatedAt.IsZero() {
		createdAt = o.CreatedAt.UnixMilli()
	}

	return model.Overlay{
		ID:        o.ID,
		Name:      o.DisplayName,
		Data:      o.Data,
		SourceURL: o.SourceURL,
		Bounds:    boundsToJSON(o.Bounds),
		CreatedAt: createdAt,
		Opacity:   &opacity,
		Visible:   &visible,
		GroupID:   &groupID,
	}
}

// CoreToGroup converts a core.OverlayGroup to a GORM OverlayGroup.
func CoreToGroup(g core.OverlayGroup) model.OverlayGroup {
	return model.OverlayGroup{
		ID:       g.ID,
		Name:     g.DisplayName,
		Expanded: g.Expanded,
		Order:    g.Order,
	}
}
