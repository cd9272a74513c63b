// internal/storage/memory/memory.go
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/pkg/core"
)

var _ storage.Store = (*Backend)(nil)

// Backend keeps overlays and groups in process memory. Nothing survives a restart.
type Backend struct {
	overlays map[string]core.Overlay
	groups   map[string]core.OverlayGroup
	closed   bool

	mu sync.RWMutex
}

// New creates a new memory backend seeded with the default group.
func New() *Backend {
	return &Backend{
		overlays: make(map[string]core.Overlay),
		groups: map[string]core.OverlayGroup{
			core.DefaultGroupID: core.DefaultGroup(),
		},
	}
}

// Init initializes the backend
func (b *Backend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
	return nil
}

// Close rejects further calls. Data is kept so a re-Init sees it again.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Backend) check(ctx context.Context) error {
	if b.closed {
		return storage.ErrNotOpen
	}
	return ctx.Err()
}

func (b *Backend) hasGroup(id string) bool {
	if id == "" || id == core.DefaultGroupID {
		return true
	}
	_, ok := b.groups[id]
	return ok
}

func (b *Backend) PutOverlay(ctx context.Context, o *core.Overlay) error {
	if err := o.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}
	if _, ok := b.overlays[o.ID]; ok {
		return fmt.Errorf("overlay %q: %w", o.ID, storage.ErrDuplicate)
	}
	if !b.hasGroup(o.GroupID) {
		return fmt.Errorf("group %q: %w", o.GroupID, storage.ErrUnknownGroup)
	}
	stored := *o
	stored.Data = bytes.Clone(o.Data)
	if stored.GroupID == "" {
		stored.GroupID = core.DefaultGroupID
	}
	if stored.CreatedAt.IsZero() {
		// millisecond precision, as the sql column
		stored.CreatedAt = time.UnixMilli(time.Now().UnixMilli())
	}
	b.overlays[o.ID] = stored
	return nil
}

func (b *Backend) UpdateOverlay(ctx context.Context, o *core.Overlay) error {
	if err := o.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}
	existing, ok := b.overlays[o.ID]
	if !ok {
		return fmt.Errorf("overlay %q: %w", o.ID, storage.ErrNotFound)
	}
	if !b.hasGroup(o.GroupID) {
		return fmt.Errorf("group %q: %w", o.GroupID, storage.ErrUnknownGroup)
	}
	updated := *o
	updated.Data = existing.Data
	updated.CreatedAt = existing.CreatedAt
	b.overlays[o.ID] = updated
	return nil
}

func (b *Backend) DeleteOverlay(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}
	delete(b.overlays, id)
	return nil
}

func (b *Backend) GetOverlay(ctx context.Context, id string) (*core.Overlay, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	o, ok := b.overlays[id]
	if !ok {
		return nil, fmt.Errorf("overlay %q: %w", id, storage.ErrNotFound)
	}
	return &o, nil
}

// ListOverlays returns overlays ordered by creation time, then id.
func (b *Backend) ListOverlays(ctx context.Context) ([]core.Overlay, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	out := make([]core.Overlay, 0, len(b.overlays))
	for _, o := range b.overlays {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *Backend) ListOverlayIDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(b.overlays))
	for id := range b.overlays {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// modifyOverlay holds the write lock for the whole read-modify-write. Missing ids are ignored.
func (b *Backend) modifyOverlay(ctx context.Context, id string, fn func(o *core.Overlay) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}
	o, ok := b.overlays[id]
	if !ok {
		return nil
	}
	if err := fn(&o); err != nil {
		return err
	}
	b.overlays[id] = o
	return nil
}

func (b *Backend) SetOverlayOpacity(ctx context.Context, id string, opacity float64) error {
	return b.modifyOverlay(ctx, id, func(o *core.Overlay) error {
		o.Opacity = storage.ClampOpacity(opacity)
		return nil
	})
}

func (b *Backend) SetOverlayVisibility(ctx context.Context, id string, visible bool) error {
	return b.modifyOverlay(ctx, id, func(o *core.Overlay) error {
		o.Visible = visible
		return nil
	})
}

func (b *Backend) SetOverlayGroup(ctx context.Context, id, groupID string) error {
	return b.modifyOverlay(ctx, id, func(o *core.Overlay) error {
		if !b.hasGroup(groupID) {
			return fmt.Errorf("group %q: %w", groupID, storage.ErrUnknownGroup)
		}
		o.GroupID = groupID
		return nil
	})
}

func (b *Backend) RenameOverlay(ctx context.Context, id, name string) error {
	if name == "" {
		return fmt.Errorf("overlay %q: empty name", id)
	}
	return b.modifyOverlay(ctx, id, func(o *core.Overlay) error {
		o.DisplayName = name
		return nil
	})
}

func (b *Backend) PutGroup(ctx context.Context, g *core.OverlayGroup) error {
	if err := g.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}
	if _, ok := b.groups[g.ID]; ok {
		return fmt.Errorf("group %q: %w", g.ID, storage.ErrDuplicate)
	}
	b.groups[g.ID] = *g
	return nil
}

func (b *Backend) UpdateGroup(ctx context.Context, g *core.OverlayGroup) error {
	if err := g.Validate(); err != nil {
		return err
	}
	return b.modifyGroup(ctx, g.ID, func(existing *core.OverlayGroup) {
		*existing = *g
	})
}

// DeleteGroup re-parents members to the default group before removing the group.
func (b *Backend) DeleteGroup(ctx context.Context, id string) error {
	if id == core.DefaultGroupID {
		return storage.ErrDefaultGroup
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}
	for oid, o := range b.overlays {
		if o.GroupID == id {
			o.GroupID = core.DefaultGroupID
			b.overlays[oid] = o
		}
	}
	delete(b.groups, id)
	return nil
}

func (b *Backend) ListGroups(ctx context.Context) ([]core.OverlayGroup, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	out := make([]core.OverlayGroup, 0, len(b.groups))
	for _, g := range b.groups {
		out = append(out, g)
	}
	// map order is random; fix ties before the stable sort
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return core.SortGroups(out), nil
}

func (b *Backend) RenameGroup(ctx context.Context, id, name string) error {
	if name == "" {
		return fmt.Errorf("group %q: empty name", id)
	}
	return b.modifyGroup(ctx, id, func(g *core.OverlayGroup) {
		g.DisplayName = name
	})
}

func (b *Backend) SetGroupExpanded(ctx context.Context, id string, expanded bool) error {
	return b.modifyGroup(ctx, id, func(g *core.OverlayGroup) {
		g.Expanded = expanded
	})
}

func (b *Backend) modifyGroup(ctx context.Context, id string, fn func(g *core.OverlayGroup)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx); err != nil {
		return err
	}
	g, ok := b.groups[id]
	if !ok {
		return nil
	}
	fn(&g)
	g.ID = id
	b.groups[id] = g
	return nil
}
