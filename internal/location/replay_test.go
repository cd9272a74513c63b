package location

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terrascout/fieldmap/pkg/core"
)

func collect(ch <-chan core.PositionFix) []core.PositionFix {
	var out []core.PositionFix
	for f := range ch {
		out = append(out, f)
	}
	return out
}

func TestReplay_PlaysTrack(t *testing.T) {
	track := []core.PositionFix{fixAt(50, 10, 0), fixAt(50.00001, 10, time.Second), fixAt(50.01, 10, 2*time.Second)}
	r := NewReplay(track, 0)

	before, err := r.CurrentFix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, track[0], before)

	ch, err := r.Start(context.Background(), Options{MinDistanceMeters: 5})
	require.NoError(t, err)
	got := collect(ch)
	require.Len(t, got, 2, "the 1 m step is throttled")
	assert.Equal(t, 50.01, got[1].Latitude)

	last, err := r.CurrentFix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50.01, last.Latitude)

	r.Stop()
	_, err = r.Start(context.Background(), Options{})
	require.NoError(t, err, "startable again after Stop")
	r.Stop()
}

func TestReplay_StopInterrupts(t *testing.T) {
	r := NewReplay([]core.PositionFix{fixAt(1, 1, 0), fixAt(2, 2, 0)}, time.Hour)
	ch, err := r.Start(context.Background(), Options{})
	require.NoError(t, err)
	<-ch
	r.Stop()
	_, open := <-ch
	assert.False(t, open)
}

func TestReplay_Empty(t *testing.T) {
	r := NewReplay(nil, 0)
	_, err := r.Start(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrFixUnavailable)
	_, err = r.CurrentFix(context.Background())
	assert.ErrorIs(t, err, ErrFixUnavailable)
}

func TestLoadReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [10.5, 50.5]},
     "properties": {"accuracy": 8, "heading": 45, "time": "2026-05-01T08:00:00Z"}},
    {"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[10.6, 50.6], [10.7, 50.7]]},
     "properties": {}}
  ]
}`), 0o644))

	r, err := LoadReplay(path, time.Second)
	require.NoError(t, err)
	require.Len(t, r.fixes, 3)
	assert.Equal(t, 50.5, r.fixes[0].Latitude)
	assert.Equal(t, 10.5, r.fixes[0].Longitude)
	assert.Equal(t, 8.0, *r.fixes[0].AccuracyMeters)
	assert.Equal(t, 45.0, *r.fixes[0].HeadingDegrees)
	assert.Equal(t, t0, r.fixes[0].CapturedAt)
	assert.Equal(t, 10.7, r.fixes[2].Longitude)
	assert.Nil(t, r.fixes[2].AccuracyMeters)

	empty := filepath.Join(t.TempDir(), "empty.geojson")
	require.NoError(t, os.WriteFile(empty, []byte(`{"type":"FeatureCollection","features":[]}`), 0o644))
	_, err = LoadReplay(empty, 0)
	assert.ErrorIs(t, err, ErrFixUnavailable)
}
