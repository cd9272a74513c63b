// Package syncer reconciles the local overlay store with a remote file
// service and publishes the shared metadata document.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/terrascout/fieldmap/internal/logging"
	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/internal/pmtiles"
	"github.com/terrascout/fieldmap/internal/remote"
	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/pkg/core"
)

// ErrInProgress is returned when a pass is requested while one is running.
var ErrInProgress = errors.New("sync already in progress")

type Status string

const (
	StatusIdle        Status = "idle"
	StatusSyncing     Status = "syncing"
	StatusSynced      Status = "synced"
	StatusFailed      Status = "failed"
	StatusAuthExpired Status = "auth expired"
	StatusSignedOut   Status = "signed out"
)

// OverlaySink is the part of the map that receives downloaded overlays.
// mapcontrol.Control satisfies it.
type OverlaySink interface {
	AddRasterOverlay(ctx context.Context, id, sourceURL string) *core.OverlayDescriptor
	SetOverlayOpacity(id string, opacity float64)
	ToggleOverlayVisibility(id string, visible bool)
}

var _ OverlaySink = (mapcontrol.Control)(nil)

// Observer is told about every finished pass, successful or not.
type Observer interface {
	ObservePass(ctx context.Context, res Result, err error)
}

// Result summarizes one pass. Counts cover completed transfers even when
// the pass failed part way.
type Result struct {
	Uploaded       int
	Downloaded     int
	Skipped        int
	GroupsImported int
	StartedAt      time.Time
	Duration       time.Duration
}

// Engine runs sync passes one at a time.
type Engine struct {
	store     storage.Store
	files     remote.FileService
	sink      OverlaySink
	urlFor    func(id string) string
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time

	run    sync.Mutex
	passes atomic.Uint64

	mu      sync.Mutex
	session *remote.Session
	status  Status
	last    Result
	lastErr error
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSink registers downloaded overlays with the map.
func WithSink(s OverlaySink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithOverlayURL overrides how a downloaded overlay is addressed by the map.
func WithOverlayURL(fn func(id string) string) Option {
	return func(e *Engine) { e.urlFor = fn }
}

func WithObserver(o ...Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o...) }
}

// NewEngine creates an engine. A nil session means signed out.
func NewEngine(store storage.Store, files remote.FileService, session *remote.Session, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		files:   files,
		session: session,
		urlFor:  mapcontrol.OverlayURL,
		logger:  slog.Default(),
		now:     time.Now,
		status:  StatusIdle,
	}
	if session == nil {
		e.status = StatusSignedOut
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSession replaces the session after sign-in, or clears it on sign-out.
func (e *Engine) SetSession(s *remote.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil && e.session != s {
		e.session.Invalidate()
	}
	e.session = s
	if s == nil {
		e.status = StatusSignedOut
	} else {
		e.status = StatusIdle
	}
}

func (e *Engine) Session() *remote.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Last returns the result and error of the most recent pass.
func (e *Engine) Last() (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.lastErr
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// Sync runs one full pass. Steps run strictly in order and the first
// transfer failure aborts the rest; transfers already done are kept.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	if !e.run.TryLock() {
		return Result{}, ErrInProgress
	}
	defer e.run.Unlock()

	res := Result{StartedAt: e.now()}
	session := e.Session()
	if session == nil || !session.Valid() {
		err := fmt.Errorf("sync: %w", remote.ErrAuthExpired)
		e.finish(ctx, res, err)
		if session == nil {
			e.setStatus(StatusSignedOut)
		}
		return res, err
	}

	ctx = logging.AppendAttrs(ctx, slog.Uint64("syncPass", e.passes.Add(1)))
	e.setStatus(StatusSyncing)
	e.logger.InfoContext(ctx, "sync started", "user", session.Email())

	err := e.pass(ctx, &res)
	res.Duration = e.now().Sub(res.StartedAt)
	if errors.Is(err, remote.ErrAuthExpired) {
		session.Invalidate()
	}
	e.finish(ctx, res, err)
	return res, err
}

func (e *Engine) finish(ctx context.Context, res Result, err error) {
	e.mu.Lock()
	e.last, e.lastErr = res, err
	switch {
	case err == nil:
		e.status = StatusSynced
	case errors.Is(err, remote.ErrAuthExpired):
		e.status = StatusAuthExpired
	default:
		e.status = StatusFailed
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.ErrorContext(ctx, "sync failed", "error", err, "uploaded", res.Uploaded, "downloaded", res.Downloaded)
	} else {
		e.logger.InfoContext(ctx, "sync finished",
			"uploaded", res.Uploaded,
			"downloaded", res.Downloaded,
			"skipped", res.Skipped,
			"groupsImported", res.GroupsImported,
			"duration", res.Duration)
	}
	for _, o := range e.observers {
		o.ObservePass(ctx, res, err)
	}
}

func isOverlayFile(f remote.File) bool { return f.IsOverlay() }

func (e *Engine) pass(ctx context.Context, res *Result) error {
	// 1. remote listing and metadata
	listing, err := e.files.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("list remote files: %w", err)
	}
	meta, err := e.fetchMetadata(ctx, listing)
	if err != nil {
		return err
	}

	// 2. local listing
	local, err := e.store.ListOverlays(ctx)
	if err != nil {
		return fmt.Errorf("list local overlays: %w", err)
	}

	// 3. upload what the remote lacks
	remoteNames := lo.SliceToMap(lo.Filter(listing, func(f remote.File, _ int) bool { return isOverlayFile(f) }),
		func(f remote.File) (string, bool) { return f.Name, true })
	toUpload := lo.UniqBy(lo.Filter(local, func(o core.Overlay, _ int) bool {
		return len(o.Data) > 0 && !remoteNames[o.RemoteFilename()]
	}), func(o core.Overlay) string { return o.RemoteFilename() })

	for _, o := range toUpload {
		if _, err := e.files.Upload(ctx, o.RemoteFilename(), o.Data, ""); err != nil {
			return fmt.Errorf("upload %s: %w", o.RemoteFilename(), err)
		}
		res.Uploaded++
		e.logger.DebugContext(ctx, "uploaded overlay", "id", o.ID, "name", o.RemoteFilename())
	}

	// 4. download what the local store lacks
	if res.Uploaded > 0 {
		if listing, err = e.files.ListFiles(ctx); err != nil {
			return fmt.Errorf("list remote files: %w", err)
		}
	}
	localNames := lo.SliceToMap(local, func(o core.Overlay) (string, bool) { return o.RemoteFilename(), true })
	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list local groups: %w", err)
	}
	knownGroups := lo.SliceToMap(groups, func(g core.OverlayGroup) (string, bool) { return g.ID, true })

	// overlays downloaded this pass whose group is not known yet
	pendingGroup := map[string]string{}
	for _, f := range listing {
		if !isOverlayFile(f) || localNames[f.Name] {
			continue
		}
		data, err := e.files.Download(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("download %s: %w", f.Name, err)
		}
		o, ok := e.overlayFromRemote(ctx, f, data, meta)
		if !ok {
			res.Skipped++
			continue
		}
		if !knownGroups[o.GroupID] {
			pendingGroup[o.ID] = o.GroupID
			o.GroupID = core.DefaultGroupID
		}
		if err := e.store.PutOverlay(ctx, o); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				e.logger.WarnContext(ctx, "remote overlay collides with a local id", "id", o.ID, "name", f.Name)
				delete(pendingGroup, o.ID)
				res.Skipped++
				continue
			}
			return fmt.Errorf("store %s: %w", f.Name, err)
		}
		localNames[f.Name] = true
		res.Downloaded++
		e.register(ctx, o)
	}

	// 5. adopt remote groups on a device that has none of its own
	if meta.HasGroups() && lo.EveryBy(groups, func(g core.OverlayGroup) bool { return g.IsDefault() }) {
		for _, g := range meta.Groups {
			if g.IsDefault() {
				continue
			}
			if err := e.store.PutGroup(ctx, &g); err != nil && !errors.Is(err, storage.ErrDuplicate) {
				return fmt.Errorf("import group %s: %w", g.ID, err)
			}
			knownGroups[g.ID] = true
			res.GroupsImported++
		}
		for id, groupID := range pendingGroup {
			if knownGroups[groupID] {
				if err := e.store.SetOverlayGroup(ctx, id, groupID); err != nil {
					return fmt.Errorf("assign %s to %s: %w", id, groupID, err)
				}
			}
		}
	}

	// 6. publish
	return e.publish(ctx, listing)
}

// fetchMetadata downloads the shared document. A missing or unreadable
// document is treated as empty.
func (e *Engine) fetchMetadata(ctx context.Context, listing []remote.File) (*core.SyncMetadata, error) {
	f, ok := remote.FindByName(listing, core.MetadataFilename)
	if !ok {
		return nil, nil
	}
	raw, err := e.files.Download(ctx, f.ID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("download metadata: %w", err)
	}
	var meta core.SyncMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		e.logger.WarnContext(ctx, "ignoring unreadable metadata document", "error", err)
		return nil, nil
	}
	return &meta, nil
}

// overlayFromRemote builds the local record for a downloaded object.
func (e *Engine) overlayFromRemote(ctx context.Context, f remote.File, data []byte, meta *core.SyncMetadata) (*core.Overlay, bool) {
	h, err := pmtiles.ParseHeader(data)
	if err != nil {
		e.logger.WarnContext(ctx, "skipping remote overlay with bad header", "name", f.Name, "error", err)
		return nil, false
	}

	id := core.DeriveOverlayID(f.Name)
	o := core.NewOverlay(id, core.NameFromRemoteFilename(f.Name), data, h.Bounds())
	o.CreatedAt = e.now()
	if m, ok := meta.OverlayByFilename(f.Name); ok {
		if m.ID != "" {
			o.ID = m.ID
		}
		o.Opacity = storage.ClampOpacity(m.Opacity)
		o.Visible = m.Visible
		if strings.TrimSpace(m.GroupID) != "" {
			o.GroupID = m.GroupID
		}
	}
	return o, true
}

func (e *Engine) register(ctx context.Context, o *core.Overlay) {
	if e.sink == nil {
		return
	}
	if desc := e.sink.AddRasterOverlay(ctx, o.ID, e.urlFor(o.ID)); desc == nil {
		e.logger.WarnContext(ctx, "map did not accept downloaded overlay", "id", o.ID)
		return
	}
	e.sink.SetOverlayOpacity(o.ID, o.Opacity)
	if !o.Visible {
		e.sink.ToggleOverlayVisibility(o.ID, false)
	}
}

// publish overwrites the metadata document from the current local state.
func (e *Engine) publish(ctx context.Context, listing []remote.File) error {
	overlays, err := e.store.ListOverlays(ctx)
	if err != nil {
		return fmt.Errorf("list local overlays: %w", err)
	}
	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list local groups: %w", err)
	}

	byName := lo.KeyBy(listing, func(f remote.File) string { return f.Name })
	doc := core.SyncMetadata{
		SchemaVersion: core.SyncSchemaVersion,
		Overlays: lo.Map(overlays, func(o core.Overlay, _ int) core.OverlayMeta {
			return core.OverlayMeta{
				ID:           o.ID,
				Filename:     o.RemoteFilename(),
				Opacity:      o.Opacity,
				Visible:      o.Visible,
				GroupID:      o.GroupID,
				RemoteFileID: byName[o.RemoteFilename()].ID,
				Timestamp:    o.CreatedAtMillis(),
			}
		}),
		Groups:         groups,
		LastSyncMillis: e.now().UnixMilli(),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	existing := byName[core.MetadataFilename].ID
	if _, err := e.files.Upload(ctx, core.MetadataFilename, raw, existing); err != nil {
		return fmt.Errorf("publish metadata: %w", err)
	}
	return nil
}
