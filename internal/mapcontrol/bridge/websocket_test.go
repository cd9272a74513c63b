package bridge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrascout/fieldmap/internal/logging"
	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/internal/pmtiles"
	"github.com/terrascout/fieldmap/pkg/core"
	"github.com/terrascout/fieldmap/pkg/protocol"
)

// Compile-time interface checks.
var (
	_ Transport = (*wsTransport)(nil)
	_ Transport = (*pipeEnd)(nil)
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hostServer serves a bridge host backed by an in-process view.
func hostServer(t *testing.T) (*httptest.Server, *style.Renderer, *Host) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := style.NewRenderer(mapcontrol.BaseStyle(core.DefaultTileSource))
	view := mapcontrol.NewInProcess(r, &mapcontrol.URLResolver{
		Payloads: func(context.Context, string) ([]byte, error) {
			return pmtiles.Synthetic(core.Bounds{West: 1, South: 1, East: 2, North: 2}, pmtiles.TileTypePng), nil
		},
	}, mapcontrol.WithPulseInterval(time.Hour), mapcontrol.WithLogger(discard()))
	t.Cleanup(view.Dispose)
	require.NoError(t, view.Init(ctx))

	host, err := NewHost(ctx, view, logging.NewDispatcherLogger(zerolog.Nop(), "bridge-host"), discard())
	require.NoError(t, err)

	upgrader := &ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		tr, err := Accept(w, req, upgrader, discard())
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		host.Serve(ctx, tr)
	}))
	t.Cleanup(srv.Close)
	return srv, r, host
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocket_EndToEnd(t *testing.T) {
	srv, r, _ := hostServer(t)

	tr, err := Dial(wsURL(srv), nil, discard())
	require.NoError(t, err)

	c := NewControl(tr, WithLogger(discard()), WithResponseTimeout(2*time.Second))
	defer c.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Init(ctx))

	desc := c.AddRasterOverlay(ctx, "plot", mapcontrol.OverlayURL("plot"))
	require.NotNil(t, desc)
	assert.Equal(t, 2.0, desc.Bounds.North)
	assert.True(t, r.HasLayer(mapcontrol.OverlayLayerID("plot")))

	c.SetTileSource(core.TileSourceTopo)
	assert.Eventually(t, func() bool {
		l, _ := r.Snapshot().Layer("topo-tiles")
		return l.Visible()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebsocket_HostForwardsPositions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := style.NewRenderer(mapcontrol.BaseStyle(core.DefaultTileSource))
	view := mapcontrol.NewInProcess(r, &mapcontrol.URLResolver{}, mapcontrol.WithPulseInterval(time.Hour))
	defer view.Dispose()
	require.NoError(t, view.Init(ctx))
	<-view.Events() // ready

	host, err := NewHost(ctx, view, logging.NewDispatcherLogger(zerolog.Nop(), "bridge-host"), discard())
	require.NoError(t, err)
	go host.Run(ctx)

	local, remote := NewPipe()
	go host.Serve(ctx, remote)
	c := NewControl(local, WithLogger(discard()))
	defer c.Dispose()
	require.NoError(t, c.Init(ctx))
	<-c.Events() // ready

	require.Eventually(t, func() bool { return host.Peers() == 1 }, time.Second, 5*time.Millisecond)
	view.ReportPosition(core.PositionFix{Latitude: 48.1, Longitude: 11.5, CapturedAt: time.UnixMilli(1700000000000)})

	select {
	case e := <-c.Events():
		require.Equal(t, mapcontrol.EventPosition, e.Type)
		assert.Equal(t, 48.1, e.Fix.Latitude)
		assert.Equal(t, int64(1700000000000), e.Fix.CapturedAtMillis())
	case <-time.After(2 * time.Second):
		t.Fatal("position not forwarded")
	}
}

func TestWebsocket_Reconnect(t *testing.T) {
	var conns atomic.Int32
	var mu sync.Mutex
	var received []string

	upgrader := &ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)
		if n == 1 {
			// drop the first connection straight away
			return
		}
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, string(msg))
			mu.Unlock()
		}
	}))
	defer srv.Close()

	tr, err := Dial(wsURL(srv), nil, discard())
	require.NoError(t, err)
	wt := tr.(*wsTransport)
	wt.mu.Lock()
	wt.initialBackoff = 10 * time.Millisecond
	wt.mu.Unlock()
	defer tr.Close()

	require.Eventually(t, func() bool { return conns.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)

	data, err := protocol.Encode(protocol.TypeHideLocation, nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_ = tr.Send(data)
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWebsocket_CloseIsIdempotent(t *testing.T) {
	srv, _, _ := hostServer(t)
	tr, err := Dial(wsURL(srv), nil, discard())
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send([]byte(`{}`)), ErrClosed)

	select {
	case <-tr.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestPipe_CloseClosesBothEnds(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Send([]byte(`{"type":"x"}`)))
	assert.Equal(t, `{"type":"x"}`, string(<-b.Receive()))

	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Send([]byte(`{}`)), ErrClosed)
	<-a.Done()
}

func TestDial_Failure(t *testing.T) {
	_, err := Dial("ws://127.0.0.1:1/bridge", nil, discard())
	assert.Error(t, err)
}
