package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrascout/fieldmap/pkg/core"
)

func TestMetersPerPixel_Equator(t *testing.T) {
	assert.InDelta(t, 156543.03392, MetersPerPixel(0, 0), 1e-6)
	assert.InDelta(t, 156543.03392/2, MetersPerPixel(0, 1), 1e-6)
}

func TestAccuracyRadiusPixels_Clamp(t *testing.T) {
	tests := []struct {
		name     string
		accuracy float64
		want     float64
	}{
		{"tiny accuracy clamps to min", 1, MinAccuracyRadiusPx},
		{"huge accuracy clamps to max", 100000, MaxAccuracyRadiusPx},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AccuracyRadiusPixels(tt.accuracy, 35, 13))
		})
	}
}

func TestAccuracyRadiusPixels_Unclamped(t *testing.T) {
	// ~15.66 m/px at lat 35 zoom 13
	mpp := MetersPerPixel(35, 13)
	got := AccuracyRadiusPixels(mpp*42, 35, 13)
	assert.InDelta(t, 42, got, 1e-9)
}

func TestLngLatFromString(t *testing.T) {
	lng, lat, err := LngLatFromString(" 13.4, 52.5 ")
	require.NoError(t, err)
	assert.Equal(t, 13.4, lng)
	assert.Equal(t, 52.5, lat)

	for _, bad := range []string{"", "1", "a,b", "181,0", "0,91", "1,2,3"} {
		_, _, err := LngLatFromString(bad)
		assert.ErrorIs(t, err, ErrInvalidCoordinates, bad)
	}
}

func TestCoords3857From4326_RoundTrip(t *testing.T) {
	p, err := Coords3857From4326(10, 45)
	require.NoError(t, err)
	c, ok := p.Coordinates()
	require.True(t, ok)
	assert.InDelta(t, 1113194.9, c.X, 1)

	lng, lat := Coords4326From3857(c.X, c.Y)
	assert.InDelta(t, 10, lng, 1e-6)
	assert.InDelta(t, 45, lat, 1e-6)
}

func TestCoords3857From4326_Invalid(t *testing.T) {
	_, err := Coords3857From4326(200, 0)
	assert.ErrorIs(t, err, ErrInvalidCoordinates)
}

func TestFitBounds_CentersAndZooms(t *testing.T) {
	b := core.Bounds{West: -1, South: -1, East: 1, North: 1}
	cam, err := FitBounds(b, 1024, 768, 20, 22)
	require.NoError(t, err)
	assert.InDelta(t, 0, cam.Lng, 1e-9)
	assert.InDelta(t, 0, cam.Lat, 1e-9)
	assert.Greater(t, cam.Zoom, 7.5)
	assert.Less(t, cam.Zoom, 8.5)

	wide, err := FitBounds(core.Bounds{West: -10, South: -10, East: 10, North: 10}, 1024, 768, 20, 22)
	require.NoError(t, err)
	assert.InDelta(t, cam.Zoom-math.Log2(10), wide.Zoom, 0.05)
}

func TestFitBounds_PointCapsAtMaxZoom(t *testing.T) {
	cam, err := FitBounds(core.Bounds{West: 5, South: 5, East: 5, North: 5}, 800, 600, 20, 18)
	require.NoError(t, err)
	assert.Equal(t, 18.0, cam.Zoom)
}
