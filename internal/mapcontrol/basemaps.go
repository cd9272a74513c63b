package mapcontrol

import (
	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/pkg/core"
)

const (
	osmTiles       = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"
	vectorTileJSON = "https://tiles.openfreemap.org/planet"
	imageryTiles   = "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"
	labelTiles     = "https://server.arcgisonline.com/ArcGIS/rest/services/Reference/World_Boundaries_and_Places/MapServer/tile/{z}/{y}/{x}"
	topoTiles      = "https://tile.opentopomap.org/{z}/{x}/{y}.png"
	glyphsURL      = "https://tiles.openfreemap.org/fonts/{fontstack}/{range}.pbf"
)

type basemap struct {
	sources map[string]style.Source
	layers  []style.Layer
}

// basemapCatalogue lists the source and layers of every selectable basemap.
var basemapCatalogue = map[core.TileSource]basemap{
	core.TileSourceOSM: {
		sources: map[string]style.Source{
			"osm": {Type: style.SourceRaster, Tiles: []string{osmTiles}, TileSize: 256, Attribution: "© OpenStreetMap contributors"},
		},
		layers: []style.Layer{
			{ID: "osm-tiles", Type: style.LayerRaster, Source: "osm"},
		},
	},
	core.TileSourceVector: {
		sources: map[string]style.Source{
			"openmaptiles": {Type: style.SourceVector, URL: vectorTileJSON},
		},
		layers: []style.Layer{
			{ID: "vector-background", Type: "background", Paint: map[string]any{"background-color": "#f8f4f0"}},
			{ID: "vector-water", Type: style.LayerFill, Source: "openmaptiles", SourceLayer: "water", Paint: map[string]any{"fill-color": "#a0c8f0"}},
			{ID: "vector-landcover", Type: style.LayerFill, Source: "openmaptiles", SourceLayer: "landcover", Paint: map[string]any{"fill-color": "#d8e8c8", "fill-opacity": 0.6}},
			{ID: "vector-roads", Type: style.LayerLine, Source: "openmaptiles", SourceLayer: "transportation", Paint: map[string]any{"line-color": "#ffffff", "line-width": 1.5}},
			{ID: "vector-buildings", Type: style.LayerFill, Source: "openmaptiles", SourceLayer: "building", MinZoom: ptr(13.0), Paint: map[string]any{"fill-color": "#d6d6d6"}},
			{ID: "vector-labels", Type: style.LayerSymbol, Source: "openmaptiles", SourceLayer: "place", Layout: map[string]any{"text-field": "{name}", "text-font": []string{"Noto Sans Regular"}}},
		},
	},
	core.TileSourceSatellite: {
		sources: map[string]style.Source{
			"satellite": {Type: style.SourceRaster, Tiles: []string{imageryTiles}, TileSize: 256, Attribution: "Esri, Maxar, Earthstar Geographics"},
		},
		layers: []style.Layer{
			{ID: "satellite-tiles", Type: style.LayerRaster, Source: "satellite"},
		},
	},
	core.TileSourceTopo: {
		sources: map[string]style.Source{
			"topo": {Type: style.SourceRaster, Tiles: []string{topoTiles}, TileSize: 256, MaxZoom: ptr(17.0), Attribution: "© OpenTopoMap (CC-BY-SA)"},
		},
		layers: []style.Layer{
			{ID: "topo-tiles", Type: style.LayerRaster, Source: "topo"},
		},
	},
	core.TileSourceHybrid: {
		sources: map[string]style.Source{
			"hybrid-labels": {Type: style.SourceRaster, Tiles: []string{labelTiles}, TileSize: 256},
		},
		layers: []style.Layer{
			{ID: "hybrid-imagery", Type: style.LayerRaster, Source: "satellite"},
			{ID: "hybrid-labels", Type: style.LayerRaster, Source: "hybrid-labels"},
		},
	},
}

// BasemapLayerIDs returns the layer ids owned by source.
func BasemapLayerIDs(source core.TileSource) []string {
	bm := basemapCatalogue[source]
	ids := make([]string, len(bm.layers))
	for i, l := range bm.layers {
		ids[i] = l.ID
	}
	return ids
}

// BaseStyle builds the initial document: every basemap registered, only
// active visible.
func BaseStyle(active core.TileSource) *style.Document {
	active = core.ParseTileSource(string(active))
	doc := style.NewDocument("fieldmap")
	doc.Glyphs = glyphsURL
	doc.Center = []float64{0, 20}
	doc.Zoom = 2

	// TileSources order keeps the layer stack deterministic
	for _, ts := range core.TileSources {
		bm := basemapCatalogue[ts]
		for id, src := range bm.sources {
			doc.Sources[id] = src
		}
		for _, l := range bm.layers {
			l = l.Clone()
			if l.Layout == nil {
				l.Layout = map[string]any{}
			}
			vis := style.VisibilityNone
			if ts == active {
				vis = style.VisibilityVisible
			}
			l.Layout["visibility"] = vis
			doc.Layers = append(doc.Layers, l)
		}
	}
	return doc
}

func ptr[T any](v T) *T {
	return &v
}
