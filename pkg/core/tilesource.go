package core

// TileSource selects one of the fixed basemaps.
type TileSource string

const (
	TileSourceOSM       TileSource = "osm"
	TileSourceVector    TileSource = "vector"
	TileSourceSatellite TileSource = "satellite"
	TileSourceTopo      TileSource = "topo"
	TileSourceHybrid    TileSource = "hybrid"

	DefaultTileSource = TileSourceOSM
)

// TileSources lists every selectable basemap in menu order.
var TileSources = []TileSource{
	TileSourceOSM,
	TileSourceVector,
	TileSourceSatellite,
	TileSourceTopo,
	TileSourceHybrid,
}

// ParseTileSource maps a raw value onto a known basemap, falling back to the default.
func ParseTileSource(raw string) TileSource {
	for _, s := range TileSources {
		if string(s) == raw {
			return s
		}
	}
	return DefaultTileSource
}
