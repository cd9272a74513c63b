// Package convert provides functions to convert GORM models to core models
package convert

import (
	"encoding/json"

	"github.com/terrascout/fieldmap/internal/model"
	"github.com/terrascout/fieldmap/pkg/core"
)

// OverlayToCore converts a GORM Overlay to a core.Overlay.
// NULL columns left by older schema versions read back as display defaults.
func OverlayToCore(o model.Overlay) core.Overlay {
	var bounds core.Bounds
	if len(o.Bounds) > 0 {
		_ = json.Unmarshal(o.Bounds, &bounds)
	}

	opacity := core.DefaultOpacity
	if o.Opacity != nil {
		opacity = *o.Opacity
	}
	visible := core.DefaultVisible
	if o.Visible != nil {
		visible = *o.Visible
	}
	groupID := core.DefaultGroupID
	if o.GroupID != nil && *o.GroupID != "" {
		groupID = *o.GroupID
	}

	return core.Overlay{
		ID:          o.ID,
		DisplayName: o.Name,
		Data:        o.Data,
		SourceURL:   o.SourceURL,
		Opacity:     opacity,
		Visible:     visible,
		GroupID:     groupID,
		Bounds:      bounds,
		CreatedAt:   core.TimeFromMillis(o.CreatedAt),
	}
}

// GroupToCore converts a GORM OverlayGroup to a core.OverlayGroup.
func GroupToCore(g model.OverlayGroup) core.OverlayGroup {
	return core.OverlayGroup{
		ID:          g.ID,
		DisplayName: g.Name,
		Expanded:    g.Expanded,
		Order:       g.Order,
	}
}
