// Package mapcontrol defines the map command contract and its in-process
// implementation.
package mapcontrol

import (
	"context"
	"time"

	"github.com/terrascout/fieldmap/internal/geo"
	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/pkg/core"
)

// Fixed camera animation parameters.
const (
	FlyDuration     = 1500 * time.Millisecond
	FitPadding      = 20.0
	DefaultFlyZoom  = 16.0
	eventBufferSize = 64
)

type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	Disposed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Disposed:
		return "disposed"
	}
	return "unknown"
}

type EventType int

const (
	EventReady EventType = iota + 1
	EventPosition
	// EventReloaded follows a fresh view replacing the old one after Ready.
	// The new view has the base map only; overlays must be added again.
	EventReloaded
)

// Event is emitted on the control's event channel.
type Event struct {
	Type EventType
	Fix  *core.PositionFix // set for EventPosition
}

// Control is the command surface every map implementation offers. Commands
// issued before Ready are dropped. Mutations on absent overlays are no-ops.
type Control interface {
	Init(ctx context.Context) error
	Dispose()
	State() State
	// OnReady registers fn to run once the map becomes ready, or runs it
	// immediately if it already is.
	OnReady(fn func())
	Events() <-chan Event

	UpdateLocation(lng, lat float64, accuracy *float64)
	FlyToLocation(lng, lat, zoom float64)
	HideLocation()
	SetTileSource(source core.TileSource)
	// AddRasterOverlay returns nil on any failure, leaving no partial state.
	AddRasterOverlay(ctx context.Context, id, sourceURL string) *core.OverlayDescriptor
	RemoveRasterOverlay(id string)
	SetOverlayOpacity(id string, opacity float64)
	ToggleOverlayVisibility(id string, visible bool)
	FitToBounds(b core.Bounds)
}

// Renderer is the mutation surface of a style-driven map engine.
type Renderer interface {
	Load(ctx context.Context) error
	AddSource(id string, src style.Source) error
	RemoveSource(id string) error
	HasSource(id string) bool
	AddLayer(layer style.Layer, beforeID string) error
	RemoveLayer(id string) error
	HasLayer(id string) bool
	SetPaintProperty(layerID, name string, value any) error
	SetLayoutProperty(layerID, name string, value any) error
	SetSourceData(sourceID string, data []byte) error
	Camera() geo.Camera
	FlyTo(cam geo.Camera, d time.Duration)
	FitBounds(b core.Bounds, padding float64, d time.Duration) error
	Close() error
}

var _ Renderer = (*style.Renderer)(nil)
