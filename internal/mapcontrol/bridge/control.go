package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/pkg/core"
	"github.com/terrascout/fieldmap/pkg/protocol"
)

// DefaultResponseTimeout bounds the wait for an overlayReady answer.
const DefaultResponseTimeout = 10 * time.Second

const eventBufferSize = 64

// Metrics receives bridge counters. All methods must be safe for concurrent use.
type Metrics interface {
	CommandSent(msgType string)
	ResponseTimeout()
	MessageDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) CommandSent(string)    {}
func (noopMetrics) ResponseTimeout()      {}
func (noopMetrics) MessageDropped(string) {}

// Control implements mapcontrol.Control by sending commands across a
// Transport. Only AddRasterOverlay waits for an answer.
type Control struct {
	t       Transport
	logger  *slog.Logger
	timeout time.Duration
	metrics Metrics

	mu           sync.Mutex
	state        mapcontrol.State
	hooks        []func()
	pending      map[string]chan *core.OverlayDescriptor
	readyCh      chan struct{}
	done         chan struct{}
	eventsClosed bool
	events       chan mapcontrol.Event
	source       core.TileSource // last sent, replayed to a fresh view
}

type Option func(*Control)

func WithLogger(l *slog.Logger) Option {
	return func(c *Control) { c.logger = l }
}

// WithResponseTimeout overrides DefaultResponseTimeout.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Control) { c.timeout = d }
}

func WithMetrics(m Metrics) Option {
	return func(c *Control) { c.metrics = m }
}

func NewControl(t Transport, opts ...Option) *Control {
	c := &Control{
		t:       t,
		logger:  slog.Default(),
		timeout: DefaultResponseTimeout,
		metrics: noopMetrics{},
		pending: make(map[string]chan *core.OverlayDescriptor),
		readyCh: make(chan struct{}),
		done:    make(chan struct{}),
		events:  make(chan mapcontrol.Event, eventBufferSize),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ mapcontrol.Control = (*Control)(nil)

// Init starts listening and blocks until the view reports mapInitialized.
func (c *Control) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.state != mapcontrol.Uninitialized {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("init bridge control: state is %s", st)
	}
	c.state = mapcontrol.Initializing
	c.mu.Unlock()

	go c.readLoop()

	select {
	case <-c.readyCh:
		return nil
	case <-c.done:
		return mapcontrol.ErrDisposed
	case <-ctx.Done():
		return fmt.Errorf("waiting for map view: %w", ctx.Err())
	}
}

func (c *Control) readLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.t.Done():
			c.logger.Info("Bridge transport closed")
			return
		case data := <-c.t.Receive():
			c.handle(data)
		}
	}
}

func (c *Control) handle(data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		c.logger.Debug("Dropping malformed bridge message", "error", err)
		c.metrics.MessageDropped("malformed")
		return
	}

	switch msgType {
	case protocol.TypeMapInitialized:
		c.markReady()
	case protocol.TypeOverlayReady:
		var msg protocol.OverlayReady
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("Dropping malformed overlayReady", "error", err)
			c.metrics.MessageDropped("malformed")
			return
		}
		c.resolve(msg)
	case protocol.TypePositionReport:
		var msg protocol.PositionReport
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("Dropping malformed positionReport", "error", err)
			c.metrics.MessageDropped("malformed")
			return
		}
		fix := msg.Fix()
		c.emit(mapcontrol.Event{Type: mapcontrol.EventPosition, Fix: &fix})
	default:
		c.logger.Debug("Dropping unrecognized bridge message", "type", msgType)
		c.metrics.MessageDropped("unknown")
	}
}

// markReady fires the Ready transition once. A later mapInitialized comes
// from a reloaded or reconnected view: the tile source is sent again and
// EventReloaded tells the owner to put its overlays back.
func (c *Control) markReady() {
	c.mu.Lock()
	switch c.state {
	case mapcontrol.Ready:
		source := c.source
		c.mu.Unlock()
		c.logger.Info("Map view reloaded", "renderer", "bridged")
		if source != "" {
			c.send(protocol.TypeSetTileSource, protocol.SetTileSource{Source: source})
		}
		c.emit(mapcontrol.Event{Type: mapcontrol.EventReloaded})
		return
	case mapcontrol.Initializing:
	default:
		c.mu.Unlock()
		return
	}
	c.state = mapcontrol.Ready
	hooks := c.hooks
	c.hooks = nil
	close(c.readyCh)
	c.mu.Unlock()

	c.emit(mapcontrol.Event{Type: mapcontrol.EventReady})
	c.logger.Info("Map ready", "renderer", "bridged", "hooks", len(hooks))
	for _, fn := range hooks {
		go fn()
	}
}

func (c *Control) resolve(msg protocol.OverlayReady) {
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Ignoring overlayReady with no waiter", "requestId", msg.RequestID)
		c.metrics.MessageDropped("late")
		return
	}
	// buffered, single writer
	ch <- msg.Overlay
}

func (c *Control) emit(e mapcontrol.Event) {
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

func (c *Control) Dispose() {
	c.mu.Lock()
	if c.state == mapcontrol.Disposed {
		c.mu.Unlock()
		return
	}
	c.state = mapcontrol.Disposed
	c.hooks = nil
	close(c.done)
	c.eventsClosed = true
	close(c.events)
	c.mu.Unlock()

	if err := c.t.Close(); err != nil {
		c.logger.Warn("Failed to close bridge transport", "error", err)
	}
}

func (c *Control) State() mapcontrol.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Control) OnReady(fn func()) {
	c.mu.Lock()
	switch c.state {
	case mapcontrol.Ready:
		c.mu.Unlock()
		fn()
		return
	case mapcontrol.Disposed:
		c.mu.Unlock()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Control) Events() <-chan mapcontrol.Event {
	return c.events
}

// send encodes and delivers one command if the view is ready.
func (c *Control) send(msgType string, args any) bool {
	if c.State() != mapcontrol.Ready {
		return false
	}
	data, err := protocol.Encode(msgType, args)
	if err != nil {
		c.logger.Error("Failed to encode bridge command", "type", msgType, "error", err)
		return false
	}
	if err := c.t.Send(data); err != nil {
		c.logger.Warn("Failed to send bridge command", "type", msgType, "error", err)
		return false
	}
	c.metrics.CommandSent(msgType)
	return true
}

func (c *Control) UpdateLocation(lng, lat float64, accuracy *float64) {
	c.send(protocol.TypeUpdateLocation, protocol.UpdateLocation{Lng: lng, Lat: lat, Accuracy: accuracy})
}

func (c *Control) FlyToLocation(lng, lat, zoom float64) {
	if zoom <= 0 {
		zoom = mapcontrol.DefaultFlyZoom
	}
	c.send(protocol.TypeFlyToLocation, protocol.FlyToLocation{Lng: lng, Lat: lat, Zoom: zoom})
}

func (c *Control) HideLocation() {
	c.send(protocol.TypeHideLocation, nil)
}

func (c *Control) SetTileSource(source core.TileSource) {
	source = core.ParseTileSource(string(source))
	if c.send(protocol.TypeSetTileSource, protocol.SetTileSource{Source: source}) {
		c.mu.Lock()
		c.source = source
		c.mu.Unlock()
	}
}

// AddRasterOverlay sends the command and waits for the matching
// overlayReady. On timeout it gives up; a later answer is discarded.
func (c *Control) AddRasterOverlay(ctx context.Context, id, sourceURL string) *core.OverlayDescriptor {
	if c.State() != mapcontrol.Ready {
		return nil
	}

	reqID := uuid.NewString()
	ch := make(chan *core.OverlayDescriptor, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}

	if !c.send(protocol.TypeAddRasterOverlay, protocol.AddRasterOverlay{RequestID: reqID, ID: id, URL: sourceURL}) {
		forget()
		return nil
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case desc := <-ch:
		if desc == nil {
			c.logger.Warn("Map view failed to add overlay", "id", id)
		}
		return desc
	case <-timer.C:
		forget()
		c.metrics.ResponseTimeout()
		c.logger.Warn("Timed out waiting for overlay", "id", id, "timeout", c.timeout)
		return nil
	case <-ctx.Done():
		forget()
		return nil
	case <-c.done:
		forget()
		return nil
	}
}

func (c *Control) RemoveRasterOverlay(id string) {
	c.send(protocol.TypeRemoveRasterOverlay, protocol.RemoveRasterOverlay{ID: id})
}

func (c *Control) SetOverlayOpacity(id string, opacity float64) {
	c.send(protocol.TypeSetOverlayOpacity, protocol.SetOverlayOpacity{ID: id, Opacity: opacity})
}

func (c *Control) ToggleOverlayVisibility(id string, visible bool) {
	c.send(protocol.TypeToggleOverlayVisibility, protocol.ToggleOverlayVisibility{ID: id, Visible: visible})
}

func (c *Control) FitToBounds(b core.Bounds) {
	c.send(protocol.TypeFitToBounds, protocol.FitToBounds{Bounds: b})
}
