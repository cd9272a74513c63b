package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
)

// syslog severities used by GELF
const (
	gelfError   int32 = 3
	gelfWarning int32 = 4
	gelfInfo    int32 = 6
	gelfDebug   int32 = 7
)

type messageWriter interface {
	WriteMessage(m *gelf.Message) error
}

// GELFHandler ships records to a Graylog input.
type GELFHandler struct {
	w        messageWriter
	closer   func() error
	level    slog.Leveler
	host     string
	facility string
	attrs    []slog.Attr
	group    string
}

// NewGELFHandler dials the UDP GELF input at addr.
func NewGELFHandler(addr, facility, level string) (*GELFHandler, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("gelf writer: %w", err)
	}
	h := newGELFHandler(w, facility, parseLevel(level))
	h.closer = w.Close
	return h, nil
}

func newGELFHandler(w messageWriter, facility string, lvl slog.Level) *GELFHandler {
	host, _ := os.Hostname()
	return &GELFHandler{w: w, level: lvl, host: host, facility: facility}
}

func (h *GELFHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *GELFHandler) Handle(_ context.Context, r slog.Record) error {
	extra := make(map[string]interface{}, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		extra["_"+a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		extra["_"+key] = fmt.Sprint(a.Value.Resolve().Any())
		return true
	})

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	return h.w.WriteMessage(&gelf.Message{
		Version:  "1.1",
		Host:     h.host,
		Short:    r.Message,
		TimeUnix: float64(t.UnixNano()) / float64(time.Second),
		Level:    gelfLevel(r.Level),
		Facility: h.facility,
		Extra:    extra,
	})
}

func (h *GELFHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *GELFHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	if cp.group != "" {
		cp.group += "." + name
	} else {
		cp.group = name
	}
	return &cp
}

func (h *GELFHandler) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer()
}

func gelfLevel(l slog.Level) int32 {
	switch {
	case l >= slog.LevelError:
		return gelfError
	case l >= slog.LevelWarn:
		return gelfWarning
	case l >= slog.LevelInfo:
		return gelfInfo
	default:
		return gelfDebug
	}
}
