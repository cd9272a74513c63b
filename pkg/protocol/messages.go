// Package protocol defines the JSON messages exchanged between a map control
// and an isolated map view. Every message is a flat object with a "type" key
// next to its arguments.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/terrascout/fieldmap/pkg/core"
)

// Commands sent to the view.
const (
	TypeUpdateLocation          = "updateLocation"
	TypeFlyToLocation           = "flyToLocation"
	TypeHideLocation            = "hideLocation"
	TypeSetTileSource           = "setTileSource"
	TypeAddRasterOverlay        = "addRasterOverlay"
	TypeRemoveRasterOverlay     = "removeRasterOverlay"
	TypeSetOverlayOpacity       = "setOverlayOpacity"
	TypeToggleOverlayVisibility = "toggleOverlayVisibility"
	TypeFitToBounds             = "fitToBounds"
)

// Events sent back by the view.
const (
	TypePositionReport = "positionReport"
	TypeOverlayReady   = "overlayReady"
	TypeMapInitialized = "mapInitialized"
)

var ErrMalformed = errors.New("malformed message")

type UpdateLocation struct {
	Lng      float64  `json:"lng"`
	Lat      float64  `json:"lat"`
	Accuracy *float64 `json:"accuracy"`
}

type FlyToLocation struct {
	Lng  float64 `json:"lng"`
	Lat  float64 `json:"lat"`
	Zoom float64 `json:"zoom"`
}

type SetTileSource struct {
	Source core.TileSource `json:"source"`
}

type AddRasterOverlay struct {
	RequestID string `json:"requestId"`
	ID        string `json:"id"`
	URL       string `json:"url"`
}

type RemoveRasterOverlay struct {
	ID string `json:"id"`
}

type SetOverlayOpacity struct {
	ID      string  `json:"id"`
	Opacity float64 `json:"opacity"`
}

type ToggleOverlayVisibility struct {
	ID      string `json:"id"`
	Visible bool   `json:"visible"`
}

type FitToBounds struct {
	Bounds core.Bounds `json:"bounds"`
}

// OverlayReady answers an AddRasterOverlay. Overlay is nil when the view
// failed to add it.
type OverlayReady struct {
	RequestID string                  `json:"requestId"`
	Overlay   *core.OverlayDescriptor `json:"overlay"`
}

type PositionReport struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Fix converts the report into a position fix.
func (p PositionReport) Fix() core.PositionFix {
	return core.PositionFix{
		Latitude:       p.Lat,
		Longitude:      p.Lng,
		AccuracyMeters: p.Accuracy,
		HeadingDegrees: p.Heading,
		CapturedAt:     core.TimeFromMillis(p.Timestamp),
	}
}

type MapInitialized struct{}

// Encode marshals args and merges the type key into the resulting object.
// A nil args produces {"type": msgType}.
func Encode(msgType string, args any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", msgType, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("marshal %s: args must encode to an object: %w", msgType, err)
		}
	}
	t, _ := json.Marshal(msgType)
	fields["type"] = t
	return json.Marshal(fields)
}

// PeekType returns the type key of a raw message.
func PeekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return head.Type, nil
}
