package logging

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []*gelf.Message
}

func (w *recordingWriter) WriteMessage(m *gelf.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, m)
	return nil
}

func TestGELFHandler_Fields(t *testing.T) {
	rec := &recordingWriter{}
	logger := slog.New(newGELFHandler(rec, "fieldmap", slog.LevelInfo)).
		With("component", "sync").
		WithGroup("pass")

	logger.Warn("sync failed", "uploaded", 2)
	logger.Debug("dropped")

	require.Len(t, rec.msgs, 1)
	msg := rec.msgs[0]
	assert.Equal(t, "1.1", msg.Version)
	assert.Equal(t, "sync failed", msg.Short)
	assert.Equal(t, "fieldmap", msg.Facility)
	assert.Equal(t, gelfWarning, msg.Level)
	assert.Equal(t, "sync", msg.Extra["_component"])
	assert.Equal(t, "2", msg.Extra["_pass.uploaded"])
	assert.Greater(t, msg.TimeUnix, 0.0)
}

func TestGELFLevel(t *testing.T) {
	assert.Equal(t, gelfDebug, gelfLevel(slog.LevelDebug))
	assert.Equal(t, gelfInfo, gelfLevel(slog.LevelInfo))
	assert.Equal(t, gelfWarning, gelfLevel(slog.LevelWarn))
	assert.Equal(t, gelfError, gelfLevel(slog.LevelError))
}

func TestGELFHandler_Enabled(t *testing.T) {
	h := newGELFHandler(&recordingWriter{}, "", slog.LevelWarn)
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}
