package mapcontrol

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
)

const (
	LocationSourceID        = "location"
	LocationAccuracyLayerID = "location-accuracy"
	LocationPulseLayerID    = "location-pulse"
	LocationDotLayerID      = "location-dot"

	initialAccuracyRadius = 20.0
)

// LocationLayerIDs lists the location layers bottom to top.
var LocationLayerIDs = []string{LocationAccuracyLayerID, LocationPulseLayerID, LocationDotLayerID}

func locationSource() style.Source {
	return style.Source{Type: style.SourceGeoJSON, Data: emptyFeatureCollection()}
}

func locationLayers() []style.Layer {
	hidden := func() map[string]any { return map[string]any{"visibility": style.VisibilityNone} }
	return []style.Layer{
		{
			ID: LocationAccuracyLayerID, Type: style.LayerCircle, Source: LocationSourceID,
			Paint: map[string]any{
				"circle-radius":         initialAccuracyRadius,
				"circle-color":          "#4285f4",
				"circle-opacity":        0.15,
				"circle-stroke-color":   "#4285f4",
				"circle-stroke-width":   1.0,
				"circle-stroke-opacity": 0.3,
			},
			Layout: hidden(),
		},
		{
			ID: LocationPulseLayerID, Type: style.LayerCircle, Source: LocationSourceID,
			Paint: map[string]any{
				"circle-radius":  PulseMinRadius,
				"circle-color":   "#4285f4",
				"circle-opacity": PulseOpacity(PulseMinRadius),
			},
			Layout: hidden(),
		},
		{
			ID: LocationDotLayerID, Type: style.LayerCircle, Source: LocationSourceID,
			Paint: map[string]any{
				"circle-radius":       7.0,
				"circle-color":        "#4285f4",
				"circle-stroke-color": "#ffffff",
				"circle-stroke-width": 2.0,
			},
			Layout: hidden(),
		},
	}
}

// locationFeature encodes the current position as a one-point collection.
func locationFeature(lng, lat float64, accuracy *float64) ([]byte, error) {
	f := geojson.NewFeature(orb.Point{lng, lat})
	if accuracy != nil {
		f.Properties["accuracy"] = *accuracy
	}
	fc := geojson.NewFeatureCollection()
	fc.Append(f)
	return fc.MarshalJSON()
}

func emptyFeatureCollection() []byte {
	data, _ := geojson.NewFeatureCollection().MarshalJSON()
	return data
}
