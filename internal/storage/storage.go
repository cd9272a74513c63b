// internal/storage/storage.go
package storage

import (
	"context"
	"errors"

	"github.com/terrascout/fieldmap/pkg/core"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("record already exists")
	ErrDefaultGroup = errors.New("the default group cannot be deleted")
	ErrUnknownGroup = errors.New("unknown overlay group")
	ErrNotOpen      = errors.New("store is not open")
)

// Store is the interface all overlay storage implementations must satisfy.
//
// Field helpers read, modify and write the whole record atomically and are
// serialized per id. They are no-ops when the id does not exist.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error

	// Overlays
	PutOverlay(ctx context.Context, o *core.Overlay) error
	UpdateOverlay(ctx context.Context, o *core.Overlay) error
	DeleteOverlay(ctx context.Context, id string) error
	GetOverlay(ctx context.Context, id string) (*core.Overlay, error)
	ListOverlays(ctx context.Context) ([]core.Overlay, error)
	ListOverlayIDs(ctx context.Context) ([]string, error)

	// Overlay field helpers
	SetOverlayOpacity(ctx context.Context, id string, opacity float64) error
	SetOverlayVisibility(ctx context.Context, id string, visible bool) error
	SetOverlayGroup(ctx context.Context, id, groupID string) error
	RenameOverlay(ctx context.Context, id, name string) error

	// Groups
	PutGroup(ctx context.Context, g *core.OverlayGroup) error
	UpdateGroup(ctx context.Context, g *core.OverlayGroup) error
	DeleteGroup(ctx context.Context, id string) error
	ListGroups(ctx context.Context) ([]core.OverlayGroup, error)
	RenameGroup(ctx context.Context, id, name string) error
	SetGroupExpanded(ctx context.Context, id string, expanded bool) error
}

// ClampOpacity bounds an opacity to [0,1].
func ClampOpacity(v float64) float64 {
	return min(max(v, 0), 1)
}
