package otel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Meter("test"))
	assert.NoError(t, p.Flush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_ExportsCounters(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(Config{Enabled: true, ServiceName: "fieldmap-test", ExportInterval: time.Hour, Writer: &buf})
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	counter, err := p.Meter("test").Int64Counter("test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, p.Flush(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "test.events")
	assert.Contains(t, buf.String(), "fieldmap-test")
}
