package logging

import (
	"github.com/rs/zerolog"

	"github.com/terrascout/fieldmap/internal/dispatcher"
)

var _ dispatcher.Logger = (*DispatcherLogger)(nil)

// DispatcherLogger writes bridge message handling to zerolog, tagged with
// the component that owns the dispatcher.
type DispatcherLogger struct {
	zl zerolog.Logger
}

func NewDispatcherLogger(zl zerolog.Logger, component string) *DispatcherLogger {
	return &DispatcherLogger{zl: zl.With().Str("component", component).Logger()}
}

func (l *DispatcherLogger) Debug(msg string, kv ...any) { write(l.zl.Debug(), msg, kv) }
func (l *DispatcherLogger) Info(msg string, kv ...any)  { write(l.zl.Info(), msg, kv) }
func (l *DispatcherLogger) Error(msg string, kv ...any) { write(l.zl.Error(), msg, kv) }

// write attaches key/value pairs. An "error" value goes through Err so
// zerolog renders it under its error field name.
func write(e *zerolog.Event, msg string, kv []any) {
	if e == nil {
		return
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, isErr := kv[i+1].(error); isErr && key == "error" {
			e = e.Err(err)
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}
