// pkg/core/overlay.go
package core

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
)

const (
	// DefaultGroupID is the reserved group every overlay falls back to.
	DefaultGroupID = "default"
	// DefaultGroupName is the display name of the reserved group.
	DefaultGroupName = "Overlays"
	// DefaultGroupOrder is only informational; the default group always sorts last.
	DefaultGroupOrder = 9999

	DefaultOpacity = 0.8
	DefaultVisible = true

	// OverlayExtension is appended to display names to build remote filenames.
	OverlayExtension = ".pmtiles"
)

var (
	ErrPayloadAndURL = errors.New("overlay has both a payload and a source url")
	ErrNoPayload     = errors.New("overlay has neither a payload nor a source url")
)

var validate = validator.New()

// Bounds is a geographic extent in degrees.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Bound converts to an orb bound (Min = south-west, Max = north-east).
func (b Bounds) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// Center returns the midpoint of the extent as lng, lat.
func (b Bounds) Center() (float64, float64) {
	c := b.Bound().Center()
	return c.Lon(), c.Lat()
}

// IsZero reports whether no extent was recorded.
func (b Bounds) IsZero() bool {
	return b == Bounds{}
}

// Valid checks ordering and WGS84 ranges.
func (b Bounds) Valid() bool {
	return b.West >= -180 && b.East <= 180 && b.South >= -90 && b.North <= 90 &&
		b.West <= b.East && b.South <= b.North
}

// Overlay is a user supplied raster tile archive shown on top of the basemap.
type Overlay struct {
	ID          string  `validate:"required"`
	DisplayName string  `validate:"required"`
	Data        []byte  // immutable once stored
	SourceURL   string  // direct reference, mutually exclusive with Data
	Opacity     float64 `validate:"gte=0,lte=1"`
	Visible     bool
	GroupID     string `validate:"required"`
	Bounds      Bounds
	CreatedAt   time.Time
}

// NewOverlay builds an overlay with display defaults applied.
func NewOverlay(id, name string, data []byte, bounds Bounds) *Overlay {
	return &Overlay{
		ID:          id,
		DisplayName: name,
		Data:        data,
		Opacity:     DefaultOpacity,
		Visible:     DefaultVisible,
		GroupID:     DefaultGroupID,
		Bounds:      bounds,
		CreatedAt:   time.Now(),
	}
}

// Validate checks field ranges and the payload/url exclusivity.
func (o *Overlay) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid overlay %q: %w", o.ID, err)
	}
	hasData := len(o.Data) > 0
	hasURL := o.SourceURL != ""
	switch {
	case hasData && hasURL:
		return fmt.Errorf("overlay %q: %w", o.ID, ErrPayloadAndURL)
	case !hasData && !hasURL:
		return fmt.Errorf("overlay %q: %w", o.ID, ErrNoPayload)
	}
	return nil
}

// RemoteFilename is the name used for the overlay's object in the remote store.
func (o *Overlay) RemoteFilename() string {
	return o.DisplayName + OverlayExtension
}

// CreatedAtMillis returns the creation time as unix milliseconds.
func (o *Overlay) CreatedAtMillis() int64 {
	return o.CreatedAt.UnixMilli()
}

// DeriveOverlayID strips any directory and the extension from a source filename.
func DeriveOverlayID(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

// NameFromRemoteFilename inverts RemoteFilename.
func NameFromRemoteFilename(name string) string {
	return strings.TrimSuffix(name, OverlayExtension)
}

// OverlayGroup is a user defined folder of overlays.
type OverlayGroup struct {
	ID          string `json:"id" validate:"required"`
	DisplayName string `json:"name" validate:"required"`
	Expanded    bool   `json:"expanded"`
	Order       int    `json:"order"`
}

// IsDefault reports whether this is the reserved group.
func (g OverlayGroup) IsDefault() bool {
	return g.ID == DefaultGroupID
}

// Validate checks the required group fields.
func (g *OverlayGroup) Validate() error {
	if err := validate.Struct(g); err != nil {
		return fmt.Errorf("invalid group %q: %w", g.ID, err)
	}
	return nil
}

// DefaultGroup returns a fresh copy of the reserved group.
func DefaultGroup() OverlayGroup {
	return OverlayGroup{
		ID:          DefaultGroupID,
		DisplayName: DefaultGroupName,
		Expanded:    true,
		Order:       DefaultGroupOrder,
	}
}

// SortGroups orders groups ascending by Order with the default group always last.
// The slice is sorted in place and returned.
func SortGroups(groups []OverlayGroup) []OverlayGroup {
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.IsDefault() != b.IsDefault() {
			return b.IsDefault()
		}
		return a.Order < b.Order
	})
	return groups
}

// OverlayDescriptor is what the map reports back after registering an overlay.
type OverlayDescriptor struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Bounds  Bounds  `json:"bounds"`
	Opacity float64 `json:"opacity"`
}
