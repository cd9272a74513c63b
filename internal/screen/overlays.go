package screen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/terrascout/fieldmap/internal/logging"
	"github.com/terrascout/fieldmap/internal/pmtiles"
	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/pkg/core"
)

// ImportReport lists the outcome of a bulk import per file.
type ImportReport struct {
	Imported []string
	Skipped  []string
	Failed   map[string]error
}

// ImportFiles stores each archive and puts it on the map. The overlay id is
// the file name without extension; ids already stored, or imported earlier
// in the same batch, are skipped. A failing file does not stop the batch.
func (c *Controller) ImportFiles(ctx context.Context, paths []string) ImportReport {
	report := ImportReport{Failed: map[string]error{}}

	existing, err := c.store.ListOverlayIDs(ctx)
	if err != nil {
		c.logger.Error("failed to list overlay ids", "error", err)
		for _, p := range paths {
			report.Failed[p] = err
		}
		c.setStatus("Import failed")
		return report
	}
	seen := make(map[string]bool, len(existing)+len(paths))
	for _, id := range existing {
		seen[id] = true
	}

	for _, p := range paths {
		id := core.DeriveOverlayID(p)
		fctx := logging.AppendAttrs(ctx, slog.String("overlay", id))
		if id == "" || seen[id] {
			c.logger.InfoContext(fctx, "skipping duplicate overlay", "path", p)
			report.Skipped = append(report.Skipped, p)
			continue
		}
		o, err := c.importFile(fctx, id, p)
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			report.Skipped = append(report.Skipped, p)
			seen[id] = true
			continue
		case err != nil:
			c.logger.WarnContext(fctx, "failed to import overlay", "path", p, "error", err)
			report.Failed[p] = err
			continue
		}
		seen[id] = true
		report.Imported = append(report.Imported, id)
		c.show(fctx, o)
	}

	switch {
	case len(report.Failed) > 0:
		c.setStatus(fmt.Sprintf("Imported %d overlays, %d failed", len(report.Imported), len(report.Failed)))
	case len(report.Imported) > 0:
		c.setStatus(fmt.Sprintf("Imported %d overlays", len(report.Imported)))
	}
	return report
}

func (c *Controller) importFile(ctx context.Context, id, path string) (*core.Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	h, err := pmtiles.ParseHeader(data)
	if err != nil {
		return nil, err
	}
	bounds := h.Bounds()
	if !bounds.Valid() {
		return nil, fmt.Errorf("%w: bounds out of range", pmtiles.ErrInvalidHeader)
	}
	o := core.NewOverlay(id, id, data, bounds)
	if err := c.store.PutOverlay(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ImportDir imports every archive directly inside dir.
func (c *Controller) ImportDir(ctx context.Context, dir string) (ImportReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ImportReport{}, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isArchive(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return c.ImportFiles(ctx, paths), nil
}

func isArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), core.OverlayExtension)
}

func overlayKey(id string) string { return "overlay:" + id }
func groupKey(id string) string   { return "group:" + id }

// SetOpacity updates the map now and saves in the background.
func (c *Controller) SetOpacity(id string, opacity float64) {
	opacity = storage.ClampOpacity(opacity)
	c.ctrl.SetOverlayOpacity(id, opacity)
	c.submit(overlayKey(id), func(ctx context.Context) error {
		return c.store.SetOverlayOpacity(ctx, id, opacity)
	})
}

func (c *Controller) SetVisibility(id string, visible bool) {
	c.ctrl.ToggleOverlayVisibility(id, visible)
	c.submit(overlayKey(id), func(ctx context.Context) error {
		return c.store.SetOverlayVisibility(ctx, id, visible)
	})
}

func (c *Controller) RenameOverlay(id, name string) {
	c.submit(overlayKey(id), func(ctx context.Context) error {
		return c.store.RenameOverlay(ctx, id, name)
	})
}

func (c *Controller) MoveOverlay(id, groupID string) {
	c.submit(overlayKey(id), func(ctx context.Context) error {
		return c.store.SetOverlayGroup(ctx, id, groupID)
	})
}

// RemoveOverlay takes the overlay off the map and deletes its record.
func (c *Controller) RemoveOverlay(id string) {
	c.ctrl.RemoveRasterOverlay(id)
	c.submit(overlayKey(id), func(ctx context.Context) error {
		if err := c.store.DeleteOverlay(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
}

// FocusOverlay fits the camera to the overlay's extent.
func (c *Controller) FocusOverlay(ctx context.Context, id string) error {
	o, err := c.store.GetOverlay(ctx, id)
	if err != nil {
		return err
	}
	if !o.Bounds.IsZero() {
		c.ctrl.FitToBounds(o.Bounds)
	}
	return nil
}

func (c *Controller) SetTileSource(source core.TileSource) {
	c.ctrl.SetTileSource(source)
}

// CreateGroup stores a new group after the existing ones.
func (c *Controller) CreateGroup(ctx context.Context, name string) (*core.OverlayGroup, error) {
	groups, err := c.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	order := 0
	for _, g := range groups {
		if !g.IsDefault() && g.Order >= order {
			order = g.Order + 1
		}
	}
	g := &core.OverlayGroup{ID: uuid.NewString(), DisplayName: name, Expanded: true, Order: order}
	if err := c.store.PutGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

func (c *Controller) RenameGroup(id, name string) {
	c.submit(groupKey(id), func(ctx context.Context) error {
		return c.store.RenameGroup(ctx, id, name)
	})
}

func (c *Controller) SetGroupExpanded(id string, expanded bool) {
	c.submit(groupKey(id), func(ctx context.Context) error {
		return c.store.SetGroupExpanded(ctx, id, expanded)
	})
}

// DeleteGroup removes a group; its overlays move to the default group.
// Pending writes are flushed first so moves into the group are not lost.
func (c *Controller) DeleteGroup(ctx context.Context, id string) error {
	c.Flush()
	return c.store.DeleteGroup(ctx, id)
}
