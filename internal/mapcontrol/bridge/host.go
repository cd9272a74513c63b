package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/terrascout/fieldmap/internal/dispatcher"
	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/pkg/protocol"
)

// reply is returned by handlers whose command expects an answer.
type reply struct {
	msgType string
	args    any
}

// Host is the view side of the bridge. It decodes commands arriving on any
// number of transports and applies them to a local map control.
type Host struct {
	ctx     context.Context
	control mapcontrol.Control
	d       *dispatcher.Dispatcher
	logger  *slog.Logger

	mu    sync.Mutex
	peers map[Transport]struct{}
}

// NewHost wires one dispatcher handler per command type. ctx bounds the
// overlay header reads triggered by addRasterOverlay.
func NewHost(ctx context.Context, control mapcontrol.Control, dlog dispatcher.Logger, logger *slog.Logger) (*Host, error) {
	d, err := dispatcher.New(dlog)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		ctx:     ctx,
		control: control,
		d:       d,
		logger:  logger,
		peers:   make(map[Transport]struct{}),
	}
	h.register()
	return h, nil
}

// Location updates arrive at GPS rate and may be dropped when the map falls
// behind; a hide shares their lane so it never overtakes a queued update.
const (
	locationLane     = "location"
	locationLaneSize = 64
)

func (h *Host) register() {
	h.d.Register(protocol.TypeUpdateLocation, func(e dispatcher.Event) (any, error) {
		var m protocol.UpdateLocation
		if err := e.Decode(&m); err != nil {
			return nil, err
		}
		h.control.UpdateLocation(m.Lng, m.Lat, m.Accuracy)
		return nil, nil
	}, dispatcher.Buffered(locationLaneSize), dispatcher.Lane(locationLane))
	h.d.Register(protocol.TypeFlyToLocation, func(e dispatcher.Event) (any, error) {
		var m protocol.FlyToLocation
		if err := e.Decode(&m); err != nil {
			return nil, err
		}
		h.control.FlyToLocation(m.Lng, m.Lat, m.Zoom)
		return nil, nil
	})
	h.d.Register(protocol.TypeHideLocation, func(dispatcher.Event) (any, error) {
		h.control.HideLocation()
		return nil, nil
	}, dispatcher.Buffered(locationLaneSize), dispatcher.Lane(locationLane), dispatcher.Blocking())
	h.d.Register(protocol.TypeSetTileSource, func(e dispatcher.Event) (any, error) {
		var m protocol.SetTileSource
		if err := e.Decode(&m); err != nil {
			return nil, err
		}
		h.control.SetTileSource(m.Source)
		return nil, nil
	})
	h.d.Register(protocol.TypeAddRasterOverlay, func(e dispatcher.Event) (any, error) {
		var m protocol.AddRasterOverlay
		if err := e.Decode(&m); err != nil {
			return nil, err
		}
		desc := h.control.AddRasterOverlay(h.ctx, m.ID, m.URL)
		return reply{protocol.TypeOverlayReady, protocol.OverlayReady{RequestID: m.RequestID, Overlay: desc}}, nil
	}, dispatcher.Logged())
	h.d.Register(protocol.TypeRemoveRasterOverlay, func(e dispatcher.Event) (any, error) {
		var m protocol.RemoveRasterOverlay
		if err := e.Decode(&m); err != nil {
			return nil, err
		}
		h.control.RemoveRasterOverlay(m.ID)
		return nil, nil
	}, dispatcher.Logged())
	h.d.Register(protocol.TypeSetOverlayOpacity, func(e dispatcher.Event) (any, error) {
		var m protocol.SetOverlayOpacity
		if err := e.Decode(&m); err != nil {
			return nil, err
		}
		h.control.SetOverlayOpacity(m.ID, m.Opacity)
		return nil, nil
	})
	h.d.Register(protocol.TypeToggleOverlayVisibility, func(e dispatcher.Event) (any, error) {
		var m protocol.ToggleOverlayVisibility
		if err := e.Decode(&m); err != nil {
			return nil, err
		}
		h.control.ToggleOverlayVisibility(m.ID, m.Visible)
		return nil, nil
	})
	h.d.Register(protocol.TypeFitToBounds, func(e dispatcher.Event) (any, error) {
		var m protocol.FitToBounds
		if err := e.Decode(&m); err != nil {
			return nil, err
		}
		h.control.FitToBounds(m.Bounds)
		return nil, nil
	})
}

// Serve handles commands from t until it closes or ctx ends. The peer is
// told mapInitialized as soon as the local control is ready, and again
// whenever t comes back from a reconnect.
func (h *Host) Serve(ctx context.Context, t Transport) {
	h.mu.Lock()
	h.peers[t] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.peers, t)
		h.mu.Unlock()
	}()

	h.control.OnReady(func() {
		h.sendTo(t, protocol.TypeMapInitialized, nil)
	})

	var reconnected <-chan struct{}
	if r, ok := t.(Reconnector); ok {
		reconnected = r.Reconnected()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Done():
			return
		case <-reconnected:
			if h.control.State() == mapcontrol.Ready {
				h.sendTo(t, protocol.TypeMapInitialized, nil)
			}
		case data := <-t.Receive():
			h.handle(t, data)
		}
	}
}

func (h *Host) handle(t Transport, data []byte) {
	msgType, err := protocol.PeekType(data)
	if err != nil {
		h.logger.Debug("Dropping malformed bridge command", "error", err)
		return
	}
	res, err := h.d.Dispatch(dispatcher.Event{Type: msgType, Payload: data, Timestamp: time.Now()})
	if err != nil {
		if errors.Is(err, dispatcher.ErrUnknownType) {
			h.logger.Debug("Dropping unrecognized bridge command", "type", msgType)
		} else {
			h.logger.Debug("Bridge command failed", "type", msgType, "error", err)
		}
		return
	}
	if r, ok := res.(reply); ok {
		h.sendTo(t, r.msgType, r.args)
	}
}

func (h *Host) sendTo(t Transport, msgType string, args any) {
	data, err := protocol.Encode(msgType, args)
	if err != nil {
		h.logger.Error("Failed to encode bridge event", "type", msgType, "error", err)
		return
	}
	if err := t.Send(data); err != nil {
		h.logger.Debug("Failed to send bridge event", "type", msgType, "error", err)
	}
}

// Run forwards position events of the local control to every connected
// peer until ctx ends or the control is disposed.
func (h *Host) Run(ctx context.Context) {
	events := h.control.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != mapcontrol.EventPosition || e.Fix == nil {
				continue
			}
			rep := protocol.PositionReport{
				Lat:       e.Fix.Latitude,
				Lng:       e.Fix.Longitude,
				Accuracy:  e.Fix.AccuracyMeters,
				Heading:   e.Fix.HeadingDegrees,
				Timestamp: e.Fix.CapturedAtMillis(),
			}
			h.broadcast(protocol.TypePositionReport, rep)
		}
	}
}

func (h *Host) broadcast(msgType string, args any) {
	h.mu.Lock()
	peers := make([]Transport, 0, len(h.peers))
	for t := range h.peers {
		peers = append(peers, t)
	}
	h.mu.Unlock()
	for _, t := range peers {
		h.sendTo(t, msgType, args)
	}
}

// Peers returns the number of connected transports.
func (h *Host) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}
