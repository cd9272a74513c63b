package style

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/terrascout/fieldmap/internal/geo"
	"github.com/terrascout/fieldmap/pkg/core"
)

var (
	ErrSourceExists  = errors.New("source already exists")
	ErrSourceMissing = errors.New("source not found")
	ErrSourceInUse   = errors.New("source still referenced by a layer")
	ErrLayerExists   = errors.New("layer already exists")
	ErrLayerMissing  = errors.New("layer not found")
	ErrNotLoaded     = errors.New("style not loaded")
)

const defaultMaxZoom = 22

// Animation records the last camera transition requested.
type Animation struct {
	Target   geo.Camera
	Duration time.Duration
}

// Renderer applies runtime mutations to a style document. It does not draw;
// the document is served to a MapLibre client that does.
type Renderer struct {
	mu       sync.RWMutex
	doc      *Document
	camera   geo.Camera
	width    float64
	height   float64
	loaded   bool
	closed   bool
	last     Animation
	revision uint64
	loadHook func(ctx context.Context) error
}

type Option func(*Renderer)

// WithViewport sets the viewport size used for bounds fitting.
func WithViewport(width, height float64) Option {
	return func(r *Renderer) {
		r.width = width
		r.height = height
	}
}

// WithLoadHook runs fn during Load. Tests use it to delay or fail loading.
func WithLoadHook(fn func(ctx context.Context) error) Option {
	return func(r *Renderer) {
		r.loadHook = fn
	}
}

func NewRenderer(base *Document, opts ...Option) *Renderer {
	r := &Renderer{
		doc:    base.Clone(),
		width:  1024,
		height: 768,
	}
	if len(base.Center) == 2 {
		r.camera = geo.Camera{Lng: base.Center[0], Lat: base.Center[1], Zoom: base.Zoom}
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Renderer) Load(ctx context.Context) error {
	if r.loadHook != nil {
		if err := r.loadHook(ctx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrNotLoaded
	}
	r.loaded = true
	return nil
}

// mutate runs fn under the write lock once the style is loaded.
func (r *Renderer) mutate(fn func(d *Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded || r.closed {
		return ErrNotLoaded
	}
	if err := fn(r.doc); err != nil {
		return err
	}
	r.revision++
	return nil
}

func (r *Renderer) AddSource(id string, src Source) error {
	return r.mutate(func(d *Document) error {
		if _, ok := d.Sources[id]; ok {
			return fmt.Errorf("%w: %s", ErrSourceExists, id)
		}
		d.Sources[id] = src
		return nil
	})
}

func (r *Renderer) RemoveSource(id string) error {
	return r.mutate(func(d *Document) error {
		if _, ok := d.Sources[id]; !ok {
			return fmt.Errorf("%w: %s", ErrSourceMissing, id)
		}
		if users := d.LayersForSource(id); len(users) > 0 {
			return fmt.Errorf("%w: %s used by %v", ErrSourceInUse, id, users)
		}
		delete(d.Sources, id)
		return nil
	})
}

func (r *Renderer) HasSource(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.doc.Sources[id]
	return ok
}

// AddLayer inserts layer before beforeID, or on top when beforeID is empty.
func (r *Renderer) AddLayer(layer Layer, beforeID string) error {
	return r.mutate(func(d *Document) error {
		if d.LayerIndex(layer.ID) >= 0 {
			return fmt.Errorf("%w: %s", ErrLayerExists, layer.ID)
		}
		if layer.Source != "" {
			if _, ok := d.Sources[layer.Source]; !ok {
				return fmt.Errorf("%w: %s", ErrSourceMissing, layer.Source)
			}
		}
		at := len(d.Layers)
		if beforeID != "" {
			if i := d.LayerIndex(beforeID); i >= 0 {
				at = i
			}
		}
		d.Layers = slices.Insert(d.Layers, at, layer.Clone())
		return nil
	})
}

func (r *Renderer) RemoveLayer(id string) error {
	return r.mutate(func(d *Document) error {
		i := d.LayerIndex(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrLayerMissing, id)
		}
		d.Layers = slices.Delete(d.Layers, i, i+1)
		return nil
	})
}

func (r *Renderer) HasLayer(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.LayerIndex(id) >= 0
}

func (r *Renderer) SetPaintProperty(layerID, name string, value any) error {
	return r.mutate(func(d *Document) error {
		i := d.LayerIndex(layerID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrLayerMissing, layerID)
		}
		if d.Layers[i].Paint == nil {
			d.Layers[i].Paint = map[string]any{}
		}
		d.Layers[i].Paint[name] = value
		return nil
	})
}

func (r *Renderer) SetLayoutProperty(layerID, name string, value any) error {
	return r.mutate(func(d *Document) error {
		i := d.LayerIndex(layerID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrLayerMissing, layerID)
		}
		if d.Layers[i].Layout == nil {
			d.Layers[i].Layout = map[string]any{}
		}
		d.Layers[i].Layout[name] = value
		return nil
	})
}

// SetSourceData replaces the embedded data of a geojson source.
func (r *Renderer) SetSourceData(sourceID string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("source %s: invalid geojson", sourceID)
	}
	return r.mutate(func(d *Document) error {
		src, ok := d.Sources[sourceID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrSourceMissing, sourceID)
		}
		if src.Type != SourceGeoJSON {
			return fmt.Errorf("source %s is %s, not geojson", sourceID, src.Type)
		}
		src.Data = slices.Clone(data)
		d.Sources[sourceID] = src
		return nil
	})
}

func (r *Renderer) Camera() geo.Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.camera
}

// FlyTo jumps to the target; duration is recorded for the client animation.
func (r *Renderer) FlyTo(cam geo.Camera, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded || r.closed {
		return
	}
	r.camera = cam
	r.last = Animation{Target: cam, Duration: d}
}

func (r *Renderer) FitBounds(b core.Bounds, padding float64, d time.Duration) error {
	r.mu.RLock()
	w, h := r.width, r.height
	r.mu.RUnlock()

	cam, err := geo.FitBounds(b, w, h, padding, defaultMaxZoom)
	if err != nil {
		return err
	}
	r.FlyTo(cam, d)
	return nil
}

func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.loaded = false
	return nil
}

// Snapshot returns a copy of the current document with the camera applied.
func (r *Renderer) Snapshot() *Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := r.doc.Clone()
	d.Center = []float64{r.camera.Lng, r.camera.Lat}
	d.Zoom = r.camera.Zoom
	return d
}

// LastAnimation returns the most recent camera transition.
func (r *Renderer) LastAnimation() Animation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Revision increments on every successful document mutation.
func (r *Renderer) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

func (r *Renderer) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}
