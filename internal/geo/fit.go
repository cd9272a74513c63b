package geo

import (
	"math"

	"github.com/terrascout/fieldmap/pkg/core"
)

// circumference of the web mercator square in meters
const mercatorWorldMeters = 2 * math.Pi * 6378137

// Camera is a resolved map viewpoint.
type Camera struct {
	Lng  float64
	Lat  float64
	Zoom float64
}

// FitBounds computes the camera that shows the bounds inside a viewport of the
// given pixel size, leaving padding pixels on every side. maxZoom caps the result.
func FitBounds(b core.Bounds, width, height, padding, maxZoom float64) (Camera, error) {
	sw, err := Coords3857From4326(b.West, clampLat(b.South))
	if err != nil {
		return Camera{}, err
	}
	ne, err := Coords3857From4326(b.East, clampLat(b.North))
	if err != nil {
		return Camera{}, err
	}
	swc, _ := sw.Coordinates()
	nec, _ := ne.Coordinates()

	spanX := math.Abs(nec.X - swc.X)
	spanY := math.Abs(nec.Y - swc.Y)

	innerW := math.Max(width-2*padding, 1)
	innerH := math.Max(height-2*padding, 1)

	zoom := maxZoom
	if spanX > 0 || spanY > 0 {
		// pixels per meter at zoom 0 is TileSize / world
		zx := math.Inf(1)
		if spanX > 0 {
			zx = math.Log2(innerW * mercatorWorldMeters / (TileSize * spanX))
		}
		zy := math.Inf(1)
		if spanY > 0 {
			zy = math.Log2(innerH * mercatorWorldMeters / (TileSize * spanY))
		}
		zoom = math.Min(math.Min(zx, zy), maxZoom)
	}
	zoom = math.Max(zoom, 0)

	lng, lat := Coords4326From3857((swc.X+nec.X)/2, (swc.Y+nec.Y)/2)
	return Camera{Lng: lng, Lat: lat, Zoom: zoom}, nil
}

// web mercator is undefined at the poles
func clampLat(lat float64) float64 {
	return Clamp(lat, -85.05112878, 85.05112878)
}
