package mapcontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrascout/fieldmap/pkg/core"
)

func TestBaseStyle_OnlyActiveVisible(t *testing.T) {
	doc := BaseStyle(core.TileSourceTopo)

	for _, ts := range core.TileSources {
		ids := BasemapLayerIDs(ts)
		require.NotEmpty(t, ids, ts)
		for _, id := range ids {
			l, ok := doc.Layer(id)
			require.True(t, ok, id)
			assert.Equal(t, ts == core.TileSourceTopo, l.Visible(), id)
			if l.Source != "" {
				_, ok := doc.Sources[l.Source]
				assert.True(t, ok, "layer %s references missing source %s", id, l.Source)
			}
		}
	}
}

func TestBaseStyle_UnknownFallsBack(t *testing.T) {
	doc := BaseStyle("nope")
	l, ok := doc.Layer("osm-tiles")
	require.True(t, ok)
	assert.True(t, l.Visible())
}

func TestBasemapLayerIDs_VectorHasSeveral(t *testing.T) {
	assert.Greater(t, len(BasemapLayerIDs(core.TileSourceVector)), 1)
	assert.Equal(t, []string{"hybrid-imagery", "hybrid-labels"}, BasemapLayerIDs(core.TileSourceHybrid))
}
