// Package dispatcher routes bridge messages to handlers by message type.
// Handlers run inline by default; buffered handlers run on a lane, a queue
// drained by one goroutine, so messages sharing a lane keep their order.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Event is one decoded message routed by its Type. Payload holds the full
// JSON object the message arrived in.
type Event struct {
	Type      string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger is satisfied by logging.DispatcherLogger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

var (
	// ErrUnknownType is returned by Dispatch when no handler is registered.
	ErrUnknownType = errors.New("unknown message type")
	// ErrLaneFull is returned when a dropping handler finds its lane full.
	ErrLaneFull = errors.New("lane full")
)

// Queued is the result of a handler that was put on a lane.
const Queued = "queued"

// Option configures handler registration.
type Option func(*options)

type options struct {
	size     int
	lane     string
	blocking bool
	logged   bool
}

// Buffered runs the handler on a lane holding up to size pending events.
// The lane is named after the message type unless Lane is given.
func Buffered(size int) Option {
	return func(o *options) { o.size = size }
}

// Lane puts a buffered handler on a named lane shared with other types.
// The first registration on a lane fixes its size.
func Lane(name string) Option {
	return func(o *options) { o.lane = name }
}

// Blocking makes a buffered handler wait for room instead of dropping.
func Blocking() Option {
	return func(o *options) { o.blocking = true }
}

// Logged logs every event with its duration, and failures at error level.
func Logged() Option {
	return func(o *options) { o.logged = true }
}

type lane struct {
	name     string
	events   chan Event
	attr     attribute.KeyValue
	handlers map[string]HandlerFunc
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	logger Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	lanes    map[string]*lane

	pending   metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a dispatcher whose instruments come from the global meter
// provider; they are no-ops until one is installed.
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		lanes:    make(map[string]*lane),
	}
	m := meter()

	var err error
	if d.pending, err = m.Int64ObservableGauge("dispatcher.lane.pending",
		metric.WithDescription("Events waiting on a lane")); err != nil {
		return nil, fmt.Errorf("creating pending gauge: %w", err)
	}
	if _, err = m.RegisterCallback(d.observe, d.pending); err != nil {
		return nil, fmt.Errorf("registering pending callback: %w", err)
	}
	if d.processed, err = m.Int64Counter("dispatcher.events.processed",
		metric.WithDescription("Events handled on a lane")); err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}
	if d.dropped, err = m.Int64Counter("dispatcher.events.dropped",
		metric.WithDescription("Events dropped because their lane was full")); err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}
	return d, nil
}

func (d *Dispatcher) observe(_ context.Context, o metric.Observer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, l := range d.lanes {
		o.ObserveInt64(d.pending, int64(len(l.events)), metric.WithAttributes(l.attr))
	}
	return nil
}

// Register sets the handler for msgType, replacing any earlier one.
func (d *Dispatcher) Register(msgType string, h HandlerFunc, opts ...Option) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	handler := h
	if o.size > 0 {
		name := o.lane
		if name == "" {
			name = msgType
		}
		handler = d.enqueue(d.laneFor(name, o.size, msgType, h), o.blocking)
	}
	if o.logged {
		handler = d.withLogging(msgType, handler)
	}

	d.mu.Lock()
	d.handlers[msgType] = handler
	d.mu.Unlock()
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[e.Type]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, e.Type)
	}
	return h(e)
}

// Pending returns the number of events waiting on the named lane.
func (d *Dispatcher) Pending(laneName string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if l, ok := d.lanes[laneName]; ok {
		return len(l.events)
	}
	return 0
}

// laneFor returns the named lane, starting it on first use, with h
// registered for msgType.
func (d *Dispatcher) laneFor(name string, size int, msgType string, h HandlerFunc) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lanes[name]
	if !ok {
		l = &lane{
			name:     name,
			events:   make(chan Event, size),
			attr:     attribute.String("lane", name),
			handlers: make(map[string]HandlerFunc),
		}
		d.lanes[name] = l
		go d.drain(l)
	}
	l.handlers[msgType] = h
	return l
}

func (d *Dispatcher) drain(l *lane) {
	for e := range l.events {
		d.mu.RLock()
		h := l.handlers[e.Type]
		d.mu.RUnlock()
		if _, err := h(e); err != nil {
			d.logger.Debug("lane handler failed", "lane", l.name, "type", e.Type, "error", err)
		}
		d.processed.Add(context.Background(), 1, metric.WithAttributes(l.attr))
	}
}

func (d *Dispatcher) enqueue(l *lane, blocking bool) HandlerFunc {
	if blocking {
		return func(e Event) (any, error) {
			l.events <- e
			return Queued, nil
		}
	}
	return func(e Event) (any, error) {
		select {
		case l.events <- e:
			return Queued, nil
		default:
			d.dropped.Add(context.Background(), 1,
				metric.WithAttributes(l.attr, attribute.String("type", e.Type)))
			return nil, fmt.Errorf("%s on lane %s: %w", e.Type, l.name, ErrLaneFull)
		}
	}
}

func (d *Dispatcher) withLogging(msgType string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		res, err := h(e)
		if err != nil {
			d.logger.Error("event failed", "type", msgType, "duration", time.Since(start), "error", err)
			return res, err
		}
		d.logger.Debug("event handled", "type", msgType, "bytes", len(e.Payload), "duration", time.Since(start))
		return res, nil
	}
}
