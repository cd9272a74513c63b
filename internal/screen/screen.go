// Package screen drives the map screen: it restores stored overlays once the
// map is ready, feeds position fixes to the map, imports archives and routes
// user edits to the map and the store.
package screen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/terrascout/fieldmap/internal/location"
	"github.com/terrascout/fieldmap/internal/logging"
	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/internal/remote"
	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/internal/syncer"
	"github.com/terrascout/fieldmap/internal/worker"
	"github.com/terrascout/fieldmap/pkg/core"
)

var ErrSyncNotConfigured = errors.New("sync is not configured")

// SignInFunc runs an interactive sign-in and returns the new session.
type SignInFunc func(ctx context.Context) (*remote.Session, error)

// Controller owns the screen's wiring. Create it with New, then Start.
type Controller struct {
	store  storage.Store
	ctrl   mapcontrol.Control
	logger *slog.Logger

	loc       location.Source
	locOpts   location.Options
	engine    *syncer.Engine
	signIn    SignInFunc
	onSignOut func()
	listeners []func(string)

	status  atomic.Pointer[string]
	located atomic.Bool

	mu       sync.Mutex
	writes   *worker.Manager
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	restored chan struct{}
	watchers []*Watcher
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithLocation feeds fixes from src to the map.
func WithLocation(src location.Source, opts location.Options) Option {
	return func(c *Controller) {
		c.loc = src
		c.locOpts = opts
	}
}

func WithSync(e *syncer.Engine) Option {
	return func(c *Controller) { c.engine = e }
}

// WithSignIn sets the sign-in flow and a hook run after sign-out.
func WithSignIn(fn SignInFunc, onSignOut func()) Option {
	return func(c *Controller) {
		c.signIn = fn
		c.onSignOut = onSignOut
	}
}

// WithStatusListener receives every status message.
func WithStatusListener(fn func(string)) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, fn) }
}

func New(store storage.Store, ctrl mapcontrol.Control, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		ctrl:     ctrl,
		logger:   slog.Default(),
		restored: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.setStatus("")
	return c
}

// Start wires the map and the position source. The overlays are restored
// as soon as the map reports ready.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("screen already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.writes = worker.NewManager(ctx,
		worker.WithLogger(c.logger),
		worker.WithErrorHandler(c.persistFailed))
	c.mu.Unlock()

	c.ctrl.OnReady(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer close(c.restored)
			c.Restore(ctx)
		}()
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.mapEvents(ctx)
	}()

	if c.loc != nil {
		c.startLocation(ctx)
	}
	return nil
}

// Stop ends the position feed and watchers and waits for pending writes.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel, writes, watchers := c.cancel, c.writes, c.watchers
	c.watchers = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}

	for _, w := range watchers {
		w.Close()
	}
	if c.loc != nil {
		c.loc.Stop()
	}
	writes.Close()
	cancel()
	c.wg.Wait()
}

// Restored is closed once the stored overlays were put on the map.
func (c *Controller) Restored() <-chan struct{} {
	return c.restored
}

// Status returns the latest user-facing message.
func (c *Controller) Status() string {
	return *c.status.Load()
}

func (c *Controller) setStatus(msg string) {
	c.status.Store(&msg)
	if msg == "" {
		return
	}
	c.logger.Info("status", "message", msg)
	for _, fn := range c.listeners {
		fn(msg)
	}
}

// LogContext returns attributes describing the screen for log records.
// It takes no locks so it is safe inside a log handler.
func (c *Controller) LogContext() []slog.Attr {
	return []slog.Attr{
		slog.String("screenStatus", c.Status()),
		slog.Bool("located", c.located.Load()),
	}
}

// Restore adds every stored overlay to the map with its opacity and
// visibility. Overlays the map rejects are logged and skipped.
func (c *Controller) Restore(ctx context.Context) {
	overlays, err := c.store.ListOverlays(ctx)
	if err != nil {
		c.logger.Error("failed to list overlays", "error", err)
		c.setStatus("Could not load saved overlays")
		return
	}
	restored := 0
	for i := range overlays {
		if c.show(ctx, &overlays[i]) {
			restored++
		}
	}
	c.logger.Info("overlays restored", "count", restored, "stored", len(overlays))
}

// show puts o on the map and applies its display state.
func (c *Controller) show(ctx context.Context, o *core.Overlay) bool {
	desc := c.ctrl.AddRasterOverlay(ctx, o.ID, overlayURL(o))
	if desc == nil {
		c.logger.WarnContext(ctx, "map rejected overlay", "id", o.ID)
		return false
	}
	c.ctrl.SetOverlayOpacity(o.ID, o.Opacity)
	if !o.Visible {
		c.ctrl.ToggleOverlayVisibility(o.ID, false)
	}
	return true
}

func overlayURL(o *core.Overlay) string {
	if o.SourceURL != "" {
		return o.SourceURL
	}
	return mapcontrol.OverlayURL(o.ID)
}

func (c *Controller) mapEvents(ctx context.Context) {
	events := c.ctrl.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch {
			case e.Type == mapcontrol.EventPosition && e.Fix != nil:
				c.handleFix(*e.Fix)
			case e.Type == mapcontrol.EventReloaded:
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					c.Restore(ctx)
				}()
			}
		}
	}
}

func (c *Controller) startLocation(ctx context.Context) {
	fixes, err := c.loc.Start(ctx, c.locOpts)
	switch {
	case errors.Is(err, location.ErrPermissionDenied):
		c.setStatus("Location permission denied")
		return
	case err != nil:
		c.logger.Warn("location unavailable", "error", err)
		c.setStatus("Location unavailable")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for fix := range fixes {
			c.handleFix(fix)
		}
	}()
}

// handleFix moves the location marker. The first fix also centers the map.
func (c *Controller) handleFix(fix core.PositionFix) {
	c.ctrl.UpdateLocation(fix.Longitude, fix.Latitude, fix.AccuracyMeters)
	if c.ctrl.State() == mapcontrol.Ready && c.located.CompareAndSwap(false, true) {
		c.ctrl.FlyToLocation(fix.Longitude, fix.Latitude, mapcontrol.DefaultFlyZoom)
	}
}

// LocateMe centers the map on the current fix.
func (c *Controller) LocateMe(ctx context.Context) error {
	if c.loc == nil {
		return location.ErrFixUnavailable
	}
	fix, err := c.loc.CurrentFix(ctx)
	if err != nil {
		if errors.Is(err, location.ErrPermissionDenied) {
			c.setStatus("Location permission denied")
		}
		return err
	}
	c.ctrl.UpdateLocation(fix.Longitude, fix.Latitude, fix.AccuracyMeters)
	c.ctrl.FlyToLocation(fix.Longitude, fix.Latitude, mapcontrol.DefaultFlyZoom)
	return nil
}

func (c *Controller) persistFailed(key string, err error) {
	ctx := logging.AppendAttrs(context.Background(), slog.String("record", key))
	c.logger.ErrorContext(ctx, "failed to save change", "error", err)
	c.setStatus(fmt.Sprintf("Failed to save changes: %v", err))
}

// submit queues a store write. Writes for the same key stay in order.
func (c *Controller) submit(key string, job worker.Job) {
	c.mu.Lock()
	writes := c.writes
	c.mu.Unlock()
	if writes == nil {
		c.persistFailed(key, errors.New("screen not started"))
		return
	}
	tagged := func(ctx context.Context) error {
		return job(logging.AppendAttrs(ctx, slog.String("record", key)))
	}
	if !writes.Submit(key, tagged) {
		c.persistFailed(key, errors.New("screen is shutting down"))
	}
}

// Flush waits for queued writes.
func (c *Controller) Flush() {
	c.mu.Lock()
	writes := c.writes
	c.mu.Unlock()
	if writes != nil {
		writes.Wait()
	}
}
