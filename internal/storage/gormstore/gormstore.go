// Package gormstore implements storage.Store on top of GORM. It serves both
// the sqlite and postgres drivers; schema setup lives in internal/database.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/terrascout/fieldmap/internal/model"
	"github.com/terrascout/fieldmap/internal/model/convert"
	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/pkg/core"
	"gorm.io/gorm"
)

var _ storage.Store = (*Store)(nil)

// Store persists overlays and groups through GORM.
type Store struct {
	db      *gorm.DB
	openErr error
	closeFn func() error
	locks   storage.KeyedMutex
	log     zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for write diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithCloser runs fn when the store is closed, typically the connection manager's Close.
func WithCloser(fn func() error) Option {
	return func(s *Store) { s.closeFn = fn }
}

// New wraps an already migrated database.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Failed returns a store whose every call is rejected with storage.ErrNotOpen
// wrapping cause.
func Failed(cause error) *Store {
	return &Store{openErr: cause, log: zerolog.Nop()}
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	if s.db == nil {
		if s.openErr != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrNotOpen, s.openErr)
		}
		return nil, storage.ErrNotOpen
	}
	return s.db.WithContext(ctx), nil
}

// Init checks the connection.
func (s *Store) Init(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrNotOpen, err)
	}
	return sqlDB.PingContext(ctx)
}

// Close runs the configured closer.
func (s *Store) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

////////////////////////
// OVERLAYS
////////////////////////

func (s *Store) PutOverlay(ctx context.Context, o *core.Overlay) error {
	if err := o.Validate(); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	unlock := s.lockMember(o.ID, o.GroupID)
	defer unlock()

	return db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Overlay{}).Where("id = ?", o.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("overlay %q: %w", o.ID, storage.ErrDuplicate)
		}
		if err := ensureGroup(tx, o.GroupID); err != nil {
			return err
		}
		row := convert.CoreToOverlay(*o)
		return tx.Create(&row).Error
	})
}

// UpdateOverlay replaces every mutable field of an existing overlay. The payload is never rewritten.
func (s *Store) UpdateOverlay(ctx context.Context, o *core.Overlay) error {
	if err := o.Validate(); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	unlock := s.lockMember(o.ID, o.GroupID)
	defer unlock()

	return db.Transaction(func(tx *gorm.DB) error {
		var existing model.Overlay
		err := tx.Omit("Data").First(&existing, "id = ?", o.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("overlay %q: %w", o.ID, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := ensureGroup(tx, o.GroupID); err != nil {
			return err
		}
		row := convert.CoreToOverlay(*o)
		row.CreatedAt = existing.CreatedAt
		return tx.Omit("Data").Save(&row).Error
	})
}

func (s *Store) DeleteOverlay(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return db.Delete(&model.Overlay{}, "id = ?", id).Error
}

func (s *Store) GetOverlay(ctx context.Context, id string) (*core.Overlay, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var row model.Overlay
	err = db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("overlay %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	o := convert.OverlayToCore(row)
	return &o, nil
}

// ListOverlays returns every overlay ordered by creation time, payloads included.
func (s *Store) ListOverlays(ctx context.Context) ([]core.Overlay, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []model.Overlay
	if err := db.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]core.Overlay, 0, len(rows))
	for _, r := range rows {
		out = append(out, convert.OverlayToCore(r))
	}
	return out, nil
}

func (s *Store) ListOverlayIDs(ctx context.Context) ([]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := db.Model(&model.Overlay{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// modifyOverlay is the read-modify-write path shared by the field helpers.
// A missing id is a silent no-op.
func (s *Store) modifyOverlay(ctx context.Context, id string, fn func(tx *gorm.DB, o *core.Overlay) error) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	return db.Transaction(func(tx *gorm.DB) error {
		var row model.Overlay
		err := tx.Omit("Data").First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Debug().Str("overlay", id).Msg("field update on missing overlay ignored")
			return nil
		}
		if err != nil {
			return err
		}
		o := convert.OverlayToCore(row)
		if err := fn(tx, &o); err != nil {
			return err
		}
		updated := convert.CoreToOverlay(o)
		updated.CreatedAt = row.CreatedAt
		return tx.Omit("Data").Save(&updated).Error
	})
}

func (s *Store) SetOverlayOpacity(ctx context.Context, id string, opacity float64) error {
	return s.modifyOverlay(ctx, id, func(_ *gorm.DB, o *core.Overlay) error {
		o.Opacity = storage.ClampOpacity(opacity)
		return nil
	})
}

func (s *Store) SetOverlayVisibility(ctx context.Context, id string, visible bool) error {
	return s.modifyOverlay(ctx, id, func(_ *gorm.DB, o *core.Overlay) error {
		o.Visible = visible
		return nil
	})
}

func (s *Store) SetOverlayGroup(ctx context.Context, id, groupID string) error {
	if groupID != "" && groupID != core.DefaultGroupID {
		unlock := s.locks.Lock(groupKey(groupID))
		defer unlock()
	}
	return s.modifyOverlay(ctx, id, func(tx *gorm.DB, o *core.Overlay) error {
		if err := ensureGroup(tx, groupID); err != nil {
			return err
		}
		o.GroupID = groupID
		return nil
	})
}

func (s *Store) RenameOverlay(ctx context.Context, id, name string) error {
	if name == "" {
		return fmt.Errorf("overlay %q: empty name", id)
	}
	return s.modifyOverlay(ctx, id, func(_ *gorm.DB, o *core.Overlay) error {
		o.DisplayName = name
		return nil
	})
}

////////////////////////
// GROUPS
////////////////////////

// ensureGroup rejects group ids that are neither default nor stored.
func ensureGroup(tx *gorm.DB, id string) error {
	if id == "" || id == core.DefaultGroupID {
		return nil
	}
	var count int64
	if err := tx.Model(&model.OverlayGroup{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("group %q: %w", id, storage.ErrUnknownGroup)
	}
	return nil
}

func groupKey(id string) string {
	return "group:" + id
}

// lockMember locks an overlay that is being written into groupID. Group
// locks are always taken before overlay locks.
func (s *Store) lockMember(id, groupID string) func() {
	if groupID == "" || groupID == core.DefaultGroupID {
		return s.locks.Lock(id)
	}
	unlockGroup := s.locks.Lock(groupKey(groupID))
	unlock := s.locks.Lock(id)
	return func() {
		unlock()
		unlockGroup()
	}
}

func (s *Store) PutGroup(ctx context.Context, g *core.OverlayGroup) error {
	if err := g.Validate(); err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(groupKey(g.ID))
	defer unlock()

	return db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.OverlayGroup{}).Where("id = ?", g.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("group %q: %w", g.ID, storage.ErrDuplicate)
		}
		row := convert.CoreToGroup(*g)
		return tx.Create(&row).Error
	})
}

func (s *Store) UpdateGroup(ctx context.Context, g *core.OverlayGroup) error {
	if err := g.Validate(); err != nil {
		return err
	}
	return s.modifyGroup(ctx, g.ID, func(existing *core.OverlayGroup) {
		*existing = *g
	})
}

// DeleteGroup moves the group's overlays to the default group and removes it, in one transaction.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	if id == core.DefaultGroupID {
		return storage.ErrDefaultGroup
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(groupKey(id))
	defer unlock()

	// Members are locked in id order so no field update in flight can write
	// the old group back. New members need the group lock held above.
	var members []string
	if err := db.Model(&model.Overlay{}).Where("group_id = ?", id).Order("id").Pluck("id", &members).Error; err != nil {
		return fmt.Errorf("list overlays of %q: %w", id, err)
	}
	for _, m := range members {
		unlockMember := s.locks.Lock(m)
		defer unlockMember()
	}

	return db.Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.Overlay{}).
			Where("group_id = ?", id).
			Update("group_id", core.DefaultGroupID).Error
		if err != nil {
			return fmt.Errorf("reparent overlays of %q: %w", id, err)
		}
		return tx.Delete(&model.OverlayGroup{}, "id = ?", id).Error
	})
}

// ListGroups returns groups sorted by order with the default group last.
// The default group is synthesized if the row is missing.
func (s *Store) ListGroups(ctx context.Context) ([]core.OverlayGroup, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var rows []model.OverlayGroup
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]core.OverlayGroup, 0, len(rows)+1)
	hasDefault := false
	for _, r := range rows {
		g := convert.GroupToCore(r)
		hasDefault = hasDefault || g.IsDefault()
		out = append(out, g)
	}
	if !hasDefault {
		out = append(out, core.DefaultGroup())
	}
	return core.SortGroups(out), nil
}

func (s *Store) RenameGroup(ctx context.Context, id, name string) error {
	if name == "" {
		return fmt.Errorf("group %q: empty name", id)
	}
	return s.modifyGroup(ctx, id, func(g *core.OverlayGroup) {
		g.DisplayName = name
	})
}

func (s *Store) SetGroupExpanded(ctx context.Context, id string, expanded bool) error {
	return s.modifyGroup(ctx, id, func(g *core.OverlayGroup) {
		g.Expanded = expanded
	})
}

func (s *Store) modifyGroup(ctx context.Context, id string, fn func(g *core.OverlayGroup)) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(groupKey(id))
	defer unlock()

	return db.Transaction(func(tx *gorm.DB) error {
		var row model.OverlayGroup
		err := tx.First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if id != core.DefaultGroupID {
				return nil
			}
			// a v3 database always has the row; tolerate hand-edited ones
			def := convert.CoreToGroup(core.DefaultGroup())
			row = def
		} else if err != nil {
			return err
		}
		g := convert.GroupToCore(row)
		fn(&g)
		g.ID = id
		updated := convert.CoreToGroup(g)
		return tx.Save(&updated).Error
	})
}
