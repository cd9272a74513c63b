package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Swapped in tests to capture console output.
var (
	osStdout io.Writer = os.Stdout
	osPipe             = os.Pipe
)

// SlogManager manages slog-based logging with optional extra sinks.
type SlogManager struct {
	logger *slog.Logger

	// sinks that need closing (gelf)
	closers []io.Closer
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// handlerOptions returns the shared options with RFC3339 UTC time formatting.
func handlerOptions(lvl slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}
}

// Setup initializes the logging system. When file is nil records go to
// stdout, otherwise only to file. Extra handlers (e.g. GELF) receive every
// record as well; a handler implementing io.Closer is closed on Close.
func (m *SlogManager) Setup(file io.Writer, level string, extra ...slog.Handler) {
	lvl := parseLevel(level)
	handlerOpts := handlerOptions(lvl)

	var handlers []slog.Handler

	if file != nil {
		handlers = append(handlers, slog.NewTextHandler(file, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(osStdout, handlerOpts))
	}

	for _, h := range extra {
		if h == nil {
			continue
		}
		handlers = append(handlers, h)
		if c, ok := h.(io.Closer); ok {
			m.closers = append(m.closers, c)
		}
	}

	multiHandler := NewMultiHandler(handlers...)

	m.logger = slog.New(multiHandler)
	m.logger.Info("Logging initialized", "level", level)
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		// Return a default logger if Setup hasn't been called
		return slog.Default()
	}
	return m.logger
}

// Close releases extra sinks.
func (m *SlogManager) Close() error {
	var firstErr error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.closers = nil
	return firstErr
}
