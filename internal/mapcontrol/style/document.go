// Package style holds an in-memory MapLibre style document and a renderer
// that mutates it.
package style

import (
	"encoding/json"
	"maps"
	"slices"
)

const Version = 8

// Source types.
const (
	SourceRaster  = "raster"
	SourceVector  = "vector"
	SourceGeoJSON = "geojson"
)

// Layer types.
const (
	LayerRaster = "raster"
	LayerFill   = "fill"
	LayerLine   = "line"
	LayerCircle = "circle"
	LayerSymbol = "symbol"
)

const (
	VisibilityVisible = "visible"
	VisibilityNone    = "none"
)

type Source struct {
	Type        string          `json:"type"`
	URL         string          `json:"url,omitempty"`
	Tiles       []string        `json:"tiles,omitempty"`
	TileSize    int             `json:"tileSize,omitempty"`
	Bounds      []float64       `json:"bounds,omitempty"`
	MinZoom     *float64        `json:"minzoom,omitempty"`
	MaxZoom     *float64        `json:"maxzoom,omitempty"`
	Attribution string          `json:"attribution,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type Layer struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Source      string         `json:"source,omitempty"`
	SourceLayer string         `json:"source-layer,omitempty"`
	Filter      []any          `json:"filter,omitempty"`
	MinZoom     *float64       `json:"minzoom,omitempty"`
	MaxZoom     *float64       `json:"maxzoom,omitempty"`
	Paint       map[string]any `json:"paint,omitempty"`
	Layout      map[string]any `json:"layout,omitempty"`
}

// Visible reports the layout visibility; absent means visible.
func (l Layer) Visible() bool {
	v, ok := l.Layout["visibility"]
	return !ok || v != VisibilityNone
}

// Clone returns a deep enough copy for callers to mutate.
func (l Layer) Clone() Layer {
	l.Paint = maps.Clone(l.Paint)
	l.Layout = maps.Clone(l.Layout)
	l.Filter = slices.Clone(l.Filter)
	return l
}

// Document is a style in paint order: Layers[0] is drawn first.
type Document struct {
	Version int               `json:"version"`
	Name    string            `json:"name,omitempty"`
	Glyphs  string            `json:"glyphs,omitempty"`
	Center  []float64         `json:"center,omitempty"`
	Zoom    float64           `json:"zoom"`
	Sources map[string]Source `json:"sources"`
	Layers  []Layer           `json:"layers"`
}

func NewDocument(name string) *Document {
	return &Document{Version: Version, Name: name, Sources: map[string]Source{}}
}

// Clone returns an independent copy of the document.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Sources = maps.Clone(d.Sources)
	cp.Center = slices.Clone(d.Center)
	cp.Layers = make([]Layer, len(d.Layers))
	for i, l := range d.Layers {
		cp.Layers[i] = l.Clone()
	}
	return &cp
}

// LayerIndex returns the paint position of id or -1.
func (d *Document) LayerIndex(id string) int {
	return slices.IndexFunc(d.Layers, func(l Layer) bool { return l.ID == id })
}

// Layer returns the layer with id.
func (d *Document) Layer(id string) (Layer, bool) {
	i := d.LayerIndex(id)
	if i < 0 {
		return Layer{}, false
	}
	return d.Layers[i], true
}

// LayerIDs lists layer ids in paint order.
func (d *Document) LayerIDs() []string {
	ids := make([]string, len(d.Layers))
	for i, l := range d.Layers {
		ids[i] = l.ID
	}
	return ids
}

// LayersForSource lists the ids of layers bound to source.
func (d *Document) LayersForSource(source string) []string {
	var ids []string
	for _, l := range d.Layers {
		if l.Source == source {
			ids = append(ids, l.ID)
		}
	}
	return ids
}
