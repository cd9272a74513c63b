package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrascout/fieldmap/internal/logging"
	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/pkg/core"
	"github.com/terrascout/fieldmap/pkg/protocol"
)

var _ Reconnector = (*wsTransport)(nil)

// redialingPipe is a pipe end that reports reconnects on demand.
type redialingPipe struct {
	Transport
	reconnected chan struct{}
}

func (p redialingPipe) Reconnected() <-chan struct{} { return p.reconnected }

func TestHost_ResendsReadyAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	view := mapcontrol.NewInProcess(style.NewRenderer(mapcontrol.BaseStyle(core.DefaultTileSource)),
		&mapcontrol.URLResolver{}, mapcontrol.WithPulseInterval(time.Hour), mapcontrol.WithLogger(discard()))
	t.Cleanup(view.Dispose)
	require.NoError(t, view.Init(ctx))
	host, err := NewHost(ctx, view, logging.NewDispatcherLogger(zerolog.Nop(), "bridge-host"), discard())
	require.NoError(t, err)

	local, remote := NewPipe()
	link := redialingPipe{Transport: local, reconnected: make(chan struct{}, 1)}
	go host.Serve(ctx, link)

	server := fakeView{t: t, tr: remote}
	typ, _ := server.next()
	assert.Equal(t, protocol.TypeMapInitialized, typ)

	link.reconnected <- struct{}{}
	typ, _ = server.next()
	assert.Equal(t, protocol.TypeMapInitialized, typ, "a reconnected link is told again")
}

func TestControl_FreshViewGetsTileSourceAndReloadEvent(t *testing.T) {
	c, view := readyBridge(t)
	c.SetTileSource(core.TileSourceTopo)
	typ, _ := view.next()
	require.Equal(t, protocol.TypeSetTileSource, typ)

	view.send(protocol.TypeMapInitialized, nil)
	typ, data := view.next()
	require.Equal(t, protocol.TypeSetTileSource, typ)
	var msg protocol.SetTileSource
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, core.TileSourceTopo, msg.Source)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-c.Events():
			if e.Type == mapcontrol.EventReloaded {
				assert.Equal(t, mapcontrol.Ready, c.State())
				return
			}
		case <-deadline:
			t.Fatal("no reload event")
		}
	}
}
