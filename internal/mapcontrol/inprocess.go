package mapcontrol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/terrascout/fieldmap/internal/geo"
	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/pkg/core"
)

var ErrDisposed = errors.New("map control disposed")

// OverlaySourceID and OverlayLayerID scope render state by overlay id.
func OverlaySourceID(id string) string { return "overlay-" + id }
func OverlayLayerID(id string) string  { return "overlay-" + id + "-layer" }

// InProcess drives a Renderer directly.
type InProcess struct {
	renderer      Renderer
	resolver      HeaderResolver
	logger        *slog.Logger
	pulseInterval time.Duration
	tileURL       func(id, sourceURL string) string

	mu              sync.Mutex
	state           State
	hooks           []func()
	overlays        map[string]core.OverlayDescriptor
	adding          map[string]struct{}
	source          core.TileSource
	locationVisible bool
	pulse           *Pulse
	events          chan Event
	eventsClosed    bool
}

type Option func(*InProcess)

func WithLogger(l *slog.Logger) Option {
	return func(c *InProcess) { c.logger = l }
}

func WithPulseInterval(d time.Duration) Option {
	return func(c *InProcess) { c.pulseInterval = d }
}

// WithTileSource selects the basemap shown once the map is ready.
func WithTileSource(s core.TileSource) Option {
	return func(c *InProcess) { c.source = core.ParseTileSource(string(s)) }
}

// WithTileURL maps an overlay source URL to the URL the map client fetches
// tiles from. The default prefixes the pmtiles:// protocol.
func WithTileURL(fn func(id, sourceURL string) string) Option {
	return func(c *InProcess) { c.tileURL = fn }
}

func NewInProcess(r Renderer, resolver HeaderResolver, opts ...Option) *InProcess {
	c := &InProcess{
		renderer:      r,
		resolver:      resolver,
		logger:        slog.Default(),
		pulseInterval: PulseInterval,
		tileURL:       func(_, u string) string { return "pmtiles://" + u },
		overlays:      make(map[string]core.OverlayDescriptor),
		adding:        make(map[string]struct{}),
		source:        core.DefaultTileSource,
		events:        make(chan Event, eventBufferSize),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ Control = (*InProcess)(nil)

func (c *InProcess) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Uninitialized {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("init map control: state is %s", st)
	}
	c.state = Initializing
	c.mu.Unlock()

	if err := c.renderer.Load(ctx); err != nil {
		c.mu.Lock()
		if c.state == Initializing {
			c.state = Uninitialized
		}
		c.mu.Unlock()
		return fmt.Errorf("load renderer: %w", err)
	}

	c.mu.Lock()
	if c.state != Initializing {
		c.mu.Unlock()
		return ErrDisposed
	}
	if err := c.installLocation(); err != nil {
		c.state = Uninitialized
		c.mu.Unlock()
		return fmt.Errorf("install location layers: %w", err)
	}
	c.applyTileSource(c.source)
	c.state = Ready
	c.pulse = NewPulse(c.pulseInterval, c.applyPulse)
	pulse := c.pulse
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	pulse.Start()
	c.emit(Event{Type: EventReady})
	c.logger.Info("Map ready", "renderer", "inprocess", "hooks", len(hooks))
	for _, fn := range hooks {
		fn()
	}
	return nil
}

func (c *InProcess) installLocation() error {
	if !c.renderer.HasSource(LocationSourceID) {
		if err := c.renderer.AddSource(LocationSourceID, locationSource()); err != nil {
			return err
		}
	}
	for _, l := range locationLayers() {
		if c.renderer.HasLayer(l.ID) {
			continue
		}
		if err := c.renderer.AddLayer(l, ""); err != nil {
			return err
		}
	}
	return nil
}

func (c *InProcess) applyPulse(radius, opacity float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready {
		return
	}
	_ = c.renderer.SetPaintProperty(LocationPulseLayerID, "circle-radius", radius)
	_ = c.renderer.SetPaintProperty(LocationPulseLayerID, "circle-opacity", opacity)
}

func (c *InProcess) Dispose() {
	c.mu.Lock()
	if c.state == Disposed {
		c.mu.Unlock()
		return
	}
	c.state = Disposed
	pulse := c.pulse
	c.hooks = nil
	c.mu.Unlock()

	if pulse != nil {
		pulse.Stop()
	}
	if err := c.renderer.Close(); err != nil {
		c.logger.Warn("Failed to close renderer", "error", err)
	}

	c.mu.Lock()
	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}
	c.mu.Unlock()
}

func (c *InProcess) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *InProcess) OnReady(fn func()) {
	c.mu.Lock()
	switch c.state {
	case Ready:
		c.mu.Unlock()
		fn()
		return
	case Disposed:
		c.mu.Unlock()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *InProcess) Events() <-chan Event {
	return c.events
}

// ReportPosition publishes a fix observed by the renderer's own geolocation.
func (c *InProcess) ReportPosition(fix core.PositionFix) {
	c.emit(Event{Type: EventPosition, Fix: &fix})
}

func (c *InProcess) emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.logger.Debug("Map event dropped, channel full", "type", e.Type)
	}
}

// ready must be called with mu held.
func (c *InProcess) ready() bool {
	return c.state == Ready
}

func (c *InProcess) UpdateLocation(lng, lat float64, accuracy *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() {
		return
	}

	if accuracy != nil {
		radius := geo.AccuracyRadiusPixels(*accuracy, lat, c.renderer.Camera().Zoom)
		if err := c.renderer.SetPaintProperty(LocationAccuracyLayerID, "circle-radius", radius); err != nil {
			c.logger.Debug("Failed to set accuracy radius", "error", err)
		}
	}

	data, err := locationFeature(lng, lat, accuracy)
	if err != nil {
		c.logger.Warn("Failed to encode location", "error", err)
		return
	}
	if err := c.renderer.SetSourceData(LocationSourceID, data); err != nil {
		c.logger.Warn("Failed to update location source", "error", err)
		return
	}
	if !c.locationVisible {
		c.setLocationVisibility(style.VisibilityVisible)
		c.locationVisible = true
	}
}

func (c *InProcess) setLocationVisibility(v string) {
	for _, id := range LocationLayerIDs {
		if err := c.renderer.SetLayoutProperty(id, "visibility", v); err != nil {
			c.logger.Debug("Failed to set location visibility", "layer", id, "error", err)
		}
	}
}

func (c *InProcess) FlyToLocation(lng, lat, zoom float64) {
	if zoom <= 0 {
		zoom = DefaultFlyZoom
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() {
		return
	}
	c.renderer.FlyTo(geo.Camera{Lng: lng, Lat: lat, Zoom: zoom}, FlyDuration)
}

func (c *InProcess) HideLocation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() {
		return
	}
	c.setLocationVisibility(style.VisibilityNone)
	c.locationVisible = false
}

func (c *InProcess) SetTileSource(source core.TileSource) {
	source = core.ParseTileSource(string(source))
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() {
		return
	}
	c.applyTileSource(source)
}

func (c *InProcess) applyTileSource(source core.TileSource) {
	for _, ts := range core.TileSources {
		for _, id := range BasemapLayerIDs(ts) {
			if c.renderer.HasLayer(id) {
				_ = c.renderer.SetLayoutProperty(id, "visibility", style.VisibilityNone)
			}
		}
	}
	for _, id := range BasemapLayerIDs(source) {
		if c.renderer.HasLayer(id) {
			_ = c.renderer.SetLayoutProperty(id, "visibility", style.VisibilityVisible)
		}
	}
	c.source = source
}

// TileSource returns the active basemap.
func (c *InProcess) TileSource() core.TileSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

func (c *InProcess) AddRasterOverlay(ctx context.Context, id, sourceURL string) *core.OverlayDescriptor {
	sourceID, layerID := OverlaySourceID(id), OverlayLayerID(id)

	c.mu.Lock()
	if !c.ready() {
		c.mu.Unlock()
		return nil
	}
	_, known := c.overlays[id]
	_, busy := c.adding[id]
	if known || busy || c.renderer.HasSource(sourceID) || c.renderer.HasLayer(layerID) {
		c.mu.Unlock()
		c.logger.Debug("Overlay already on map", "id", id)
		return nil
	}
	c.adding[id] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.adding, id)
		c.mu.Unlock()
	}()

	header, err := c.resolver.ResolveHeader(ctx, sourceURL)
	if err != nil {
		c.logger.Warn("Failed to read overlay header", "id", id, "url", sourceURL, "error", err)
		return nil
	}
	bounds := header.Bounds()
	if !bounds.Valid() {
		c.logger.Warn("Overlay header has invalid bounds", "id", id, "bounds", bounds)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() {
		return nil
	}

	minZoom, maxZoom := float64(header.MinZoom), float64(header.MaxZoom)
	src := style.Source{
		Type:     style.SourceRaster,
		URL:      c.tileURL(id, sourceURL),
		TileSize: 256,
		Bounds:   []float64{bounds.West, bounds.South, bounds.East, bounds.North},
		MinZoom:  &minZoom,
		MaxZoom:  &maxZoom,
	}
	if err := c.renderer.AddSource(sourceID, src); err != nil {
		c.logger.Warn("Failed to add overlay source", "id", id, "error", err)
		return nil
	}
	layer := style.Layer{
		ID:     layerID,
		Type:   style.LayerRaster,
		Source: sourceID,
		Paint:  map[string]any{"raster-opacity": core.DefaultOpacity},
		Layout: map[string]any{"visibility": style.VisibilityVisible},
	}
	if err := c.renderer.AddLayer(layer, LocationAccuracyLayerID); err != nil {
		c.logger.Warn("Failed to add overlay layer", "id", id, "error", err)
		if rbErr := c.renderer.RemoveSource(sourceID); rbErr != nil {
			c.logger.Error("Failed to roll back overlay source", "id", id, "error", rbErr)
		}
		return nil
	}

	desc := core.OverlayDescriptor{ID: id, Name: id, Bounds: bounds, Opacity: core.DefaultOpacity}
	c.overlays[id] = desc

	if err := c.renderer.FitBounds(bounds, FitPadding, FlyDuration); err != nil {
		c.logger.Debug("Failed to fit overlay bounds", "id", id, "error", err)
	}
	return &desc
}

func (c *InProcess) RemoveRasterOverlay(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() {
		return
	}
	if layerID := OverlayLayerID(id); c.renderer.HasLayer(layerID) {
		if err := c.renderer.RemoveLayer(layerID); err != nil {
			c.logger.Warn("Failed to remove overlay layer", "id", id, "error", err)
		}
	}
	if sourceID := OverlaySourceID(id); c.renderer.HasSource(sourceID) {
		if err := c.renderer.RemoveSource(sourceID); err != nil {
			c.logger.Warn("Failed to remove overlay source", "id", id, "error", err)
		}
	}
	delete(c.overlays, id)
}

func (c *InProcess) SetOverlayOpacity(id string, opacity float64) {
	opacity = geo.Clamp(opacity, 0, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() || !c.renderer.HasLayer(OverlayLayerID(id)) {
		return
	}
	if err := c.renderer.SetPaintProperty(OverlayLayerID(id), "raster-opacity", opacity); err != nil {
		c.logger.Debug("Failed to set overlay opacity", "id", id, "error", err)
		return
	}
	if d, ok := c.overlays[id]; ok {
		d.Opacity = opacity
		c.overlays[id] = d
	}
}

func (c *InProcess) ToggleOverlayVisibility(id string, visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() || !c.renderer.HasLayer(OverlayLayerID(id)) {
		return
	}
	v := style.VisibilityNone
	if visible {
		v = style.VisibilityVisible
	}
	if err := c.renderer.SetLayoutProperty(OverlayLayerID(id), "visibility", v); err != nil {
		c.logger.Debug("Failed to set overlay visibility", "id", id, "error", err)
	}
}

func (c *InProcess) FitToBounds(b core.Bounds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready() {
		return
	}
	if err := c.renderer.FitBounds(b, FitPadding, FlyDuration); err != nil {
		c.logger.Debug("Failed to fit bounds", "error", err)
	}
}

// Overlays lists the overlays currently on the map.
func (c *InProcess) Overlays() []core.OverlayDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.OverlayDescriptor, 0, len(c.overlays))
	for _, d := range c.overlays {
		out = append(out, d)
	}
	return out
}
