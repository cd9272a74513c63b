package mapcontrol

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/internal/pmtiles"
	"github.com/terrascout/fieldmap/pkg/core"
)

var farmBounds = core.Bounds{West: -120.6, South: 35.2, East: -120.4, North: 35.4}

// payloads is a PayloadLoader over an in-memory map.
func payloads(m map[string][]byte) PayloadLoader {
	return func(_ context.Context, id string) ([]byte, error) {
		data, ok := m[id]
		if !ok {
			return nil, fmt.Errorf("no payload for %s", id)
		}
		return data, nil
	}
}

func newTestControl(t *testing.T) (*InProcess, *style.Renderer) {
	t.Helper()
	r := style.NewRenderer(BaseStyle(core.DefaultTileSource))
	resolver := &URLResolver{Payloads: payloads(map[string][]byte{
		"farm":    pmtiles.Synthetic(farmBounds, pmtiles.TileTypePng),
		"corrupt": []byte("not an archive"),
	})}
	c := NewInProcess(r, resolver, WithPulseInterval(time.Hour))
	t.Cleanup(c.Dispose)
	return c, r
}

func readyControl(t *testing.T) (*InProcess, *style.Renderer) {
	t.Helper()
	c, r := newTestControl(t)
	require.NoError(t, c.Init(context.Background()))
	return c, r
}
