package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/pkg/core"
	"github.com/terrascout/fieldmap/pkg/protocol"
)

type countingMetrics struct {
	mu       sync.Mutex
	sent     map[string]int
	timeouts int
	dropped  map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{sent: map[string]int{}, dropped: map[string]int{}}
}

func (m *countingMetrics) CommandSent(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[t]++
}

func (m *countingMetrics) ResponseTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts++
}

func (m *countingMetrics) MessageDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *countingMetrics) droppedCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

// fakeView is a hand-driven far end of a pipe.
type fakeView struct {
	t  *testing.T
	tr Transport
}

func (v fakeView) send(msgType string, args any) {
	v.t.Helper()
	data, err := protocol.Encode(msgType, args)
	require.NoError(v.t, err)
	require.NoError(v.t, v.tr.Send(data))
}

func (v fakeView) next() (string, []byte) {
	v.t.Helper()
	select {
	case data := <-v.tr.Receive():
		typ, err := protocol.PeekType(data)
		require.NoError(v.t, err)
		return typ, data
	case <-time.After(2 * time.Second):
		v.t.Fatal("no command received")
		return "", nil
	}
}

func readyBridge(t *testing.T, opts ...Option) (*Control, fakeView) {
	t.Helper()
	local, remote := NewPipe()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	c := NewControl(local, opts...)
	t.Cleanup(c.Dispose)

	view := fakeView{t: t, tr: remote}
	view.send(protocol.TypeMapInitialized, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Init(ctx))
	return c, view
}

func TestDefaultResponseTimeout(t *testing.T) {
	assert.Equal(t, 10*time.Second, DefaultResponseTimeout)
	c := NewControl(nil)
	assert.Equal(t, DefaultResponseTimeout, c.timeout)
}

func TestControl_InitWaitsForView(t *testing.T) {
	local, _ := NewPipe()
	c := NewControl(local)
	defer c.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Init(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, mapcontrol.Initializing, c.State())
}

func TestControl_ReadyFiresOnce(t *testing.T) {
	var calls int
	var mu sync.Mutex
	local, remote := NewPipe()
	c := NewControl(local)
	defer c.Dispose()
	c.OnReady(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	view := fakeView{t: t, tr: remote}
	view.send(protocol.TypeMapInitialized, nil)
	view.send(protocol.TypeMapInitialized, nil)
	require.NoError(t, c.Init(context.Background()))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestControl_CommandEnvelope(t *testing.T) {
	c, view := readyBridge(t)

	c.SetOverlayOpacity("farm", 0.4)
	typ, data := view.next()
	assert.Equal(t, protocol.TypeSetOverlayOpacity, typ)
	assert.JSONEq(t, `{"type":"setOverlayOpacity","id":"farm","opacity":0.4}`, string(data))

	c.FlyToLocation(1, 2, 0)
	_, data = view.next()
	var fly protocol.FlyToLocation
	require.NoError(t, json.Unmarshal(data, &fly))
	assert.Equal(t, mapcontrol.DefaultFlyZoom, fly.Zoom)

	c.HideLocation()
	_, data = view.next()
	assert.JSONEq(t, `{"type":"hideLocation"}`, string(data))
}

func TestControl_AddRasterOverlayResolves(t *testing.T) {
	c, view := readyBridge(t)

	go func() {
		_, data := view.next()
		var cmd protocol.AddRasterOverlay
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		view.send(protocol.TypeOverlayReady, protocol.OverlayReady{
			RequestID: cmd.RequestID,
			Overlay:   &core.OverlayDescriptor{ID: cmd.ID, Name: cmd.ID, Opacity: core.DefaultOpacity},
		})
	}()

	desc := c.AddRasterOverlay(context.Background(), "farm", "overlay://farm")
	require.NotNil(t, desc)
	assert.Equal(t, "farm", desc.ID)
}

func TestControl_AddRasterOverlayTimeout(t *testing.T) {
	const timeout = 300 * time.Millisecond
	metrics := newCountingMetrics()
	c, view := readyBridge(t, WithResponseTimeout(timeout), WithMetrics(metrics))

	start := time.Now()
	desc := c.AddRasterOverlay(context.Background(), "farm", "overlay://farm")
	elapsed := time.Since(start)

	assert.Nil(t, desc)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+100*time.Millisecond)
	assert.Equal(t, 1, metrics.timeouts)

	// a late answer is ignored without panicking or resolving anything
	_, data := view.next()
	var cmd protocol.AddRasterOverlay
	require.NoError(t, json.Unmarshal(data, &cmd))
	view.send(protocol.TypeOverlayReady, protocol.OverlayReady{
		RequestID: cmd.RequestID,
		Overlay:   &core.OverlayDescriptor{ID: "farm"},
	})
	assert.Eventually(t, func() bool { return metrics.droppedCount("late") == 1 }, time.Second, 5*time.Millisecond)

	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
	assert.Equal(t, mapcontrol.Ready, c.State())
}

func TestControl_AddRasterOverlayContextCancel(t *testing.T) {
	c, _ := readyBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Nil(t, c.AddRasterOverlay(ctx, "farm", "overlay://farm"))
}

func TestControl_DropsMalformedAndUnknown(t *testing.T) {
	metrics := newCountingMetrics()
	c, view := readyBridge(t, WithMetrics(metrics))

	require.NoError(t, view.tr.Send([]byte(`{not json`)))
	require.NoError(t, view.tr.Send([]byte(`{"id":"no type"}`)))
	view.send("somethingElse", map[string]any{"x": 1})
	require.NoError(t, view.tr.Send([]byte(`{"type":"positionReport","lat":"north"}`)))

	assert.Eventually(t, func() bool {
		return metrics.droppedCount("malformed") == 3 && metrics.droppedCount("unknown") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, mapcontrol.Ready, c.State())
}

func TestControl_PositionReportEvent(t *testing.T) {
	c, view := readyBridge(t)
	// drain the ready event
	<-c.Events()

	view.send(protocol.TypePositionReport, protocol.PositionReport{Lat: 35, Lng: -120, Accuracy: core.Float64(4), Timestamp: 1700000000000})

	select {
	case e := <-c.Events():
		require.Equal(t, mapcontrol.EventPosition, e.Type)
		require.NotNil(t, e.Fix)
		assert.Equal(t, 35.0, e.Fix.Latitude)
		assert.Equal(t, 4.0, *e.Fix.AccuracyMeters)
	case <-time.After(time.Second):
		t.Fatal("no position event")
	}
}

func TestControl_DisposeReleasesWaiter(t *testing.T) {
	c, _ := readyBridge(t)
	done := make(chan *core.OverlayDescriptor)
	go func() {
		done <- c.AddRasterOverlay(context.Background(), "farm", "overlay://farm")
	}()
	time.Sleep(20 * time.Millisecond)
	c.Dispose()

	select {
	case desc := <-done:
		assert.Nil(t, desc)
	case <-time.After(time.Second):
		t.Fatal("waiter not released on dispose")
	}
}
