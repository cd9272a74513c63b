package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Web mercator ground resolution at zoom 0 on the equator, in meters per pixel.
const earthMetersPerPixelZoom0 = 156543.03392

// Location halo clamp, in screen pixels.
const (
	MinAccuracyRadiusPx = 10.0
	MaxAccuracyRadiusPx = 100.0
)

// TileSize is the renderer's logical tile size in pixels.
const TileSize = 512.0

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// MetersPerPixel returns the ground resolution at a latitude and zoom level.
func MetersPerPixel(lat, zoom float64) float64 {
	return earthMetersPerPixelZoom0 * math.Cos(lat*math.Pi/180) / math.Pow(2, zoom)
}

// AccuracyRadiusPixels converts a horizontal accuracy in meters into a clamped halo radius.
func AccuracyRadiusPixels(accuracyMeters, lat, zoom float64) float64 {
	mpp := MetersPerPixel(lat, zoom)
	if mpp <= 0 {
		return MaxAccuracyRadiusPx
	}
	return Clamp(accuracyMeters/mpp, MinAccuracyRadiusPx, MaxAccuracyRadiusPx)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// LngLatFromString parses "long,lat" into a pair of degrees.
func LngLatFromString(coords string) (lng, lat float64, err error) {
	coordsSplit := strings.Split(coords, ",")
	if len(coordsSplit) != 2 {
		return 0, 0, ErrInvalidCoordinates
	}
	lng, err = strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil {
		return 0, 0, ErrInvalidCoordinates
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil {
		return 0, 0, ErrInvalidCoordinates
	}
	if lng < -180 || lng > 180 || lat < -90 || lat > 90 {
		return 0, 0, ErrInvalidCoordinates
	}
	return lng, lat, nil
}

// Coords3857From4326 creates a web mercator point from a longitude and latitude
func Coords3857From4326(
	longitude float64,
	latitude float64,
) (
	point geom.Point,
	err error,
) {
	if latitude < -90 || latitude > 90 || longitude < -180 || longitude > 180 {
		return geom.NewEmptyPoint(geom.DimXY), ErrInvalidCoordinates
	}
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ := f(longitude, latitude, 0)
	point = geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: x, Y: y},
			Type: geom.DimXY,
		},
	)
	return point, nil
}

// Coords4326From3857 projects a web mercator x,y back to longitude and latitude.
func Coords4326From3857(x, y float64) (lng, lat float64) {
	f := wgs84.EPSG().Transform(3857, 4326)
	lng, lat, _ = f(x, y, 0)
	return lng, lat
}
