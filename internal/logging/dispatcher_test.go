package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestDispatcherLogger_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.DebugLevel), "bridge-host")

	dl.Debug("handling event", "type", "addRasterOverlay", "bytes", 84)

	e := lastEntry(t, &buf)
	assert.Equal(t, "debug", e["level"])
	assert.Equal(t, "handling event", e["message"])
	assert.Equal(t, "bridge-host", e["component"])
	assert.Equal(t, "addRasterOverlay", e["type"])
	assert.EqualValues(t, 84, e["bytes"])
}

func TestDispatcherLogger_ErrorsUseErrField(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf), "bridge-host")

	dl.Error("event failed", "type", "fitToBounds", "error", errors.New("bad bounds"))

	e := lastEntry(t, &buf)
	assert.Equal(t, "error", e["level"])
	assert.Equal(t, "bad bounds", e[zerolog.ErrorFieldName])
}

func TestDispatcherLogger_LevelFilterAndOddPairs(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.InfoLevel), "bridge-host")

	dl.Debug("dropped")
	assert.Zero(t, buf.Len())

	dl.Info("view connected", "peer", "10.0.0.7", 3, "ignored", "dangling")
	e := lastEntry(t, &buf)
	assert.Equal(t, "10.0.0.7", e["peer"])
	assert.NotContains(t, e, "dangling")
	assert.NotContains(t, e, "ignored")
}
