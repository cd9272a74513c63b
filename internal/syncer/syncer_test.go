package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terrascout/fieldmap/internal/logging"
	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/internal/pmtiles"
	"github.com/terrascout/fieldmap/internal/remote"
	remotemem "github.com/terrascout/fieldmap/internal/remote/memory"
	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/internal/storage/memory"
	"github.com/terrascout/fieldmap/pkg/core"
	"golang.org/x/oauth2"
)

var testBounds = core.Bounds{West: 10, South: 50, East: 11, North: 51}

func archive() []byte {
	return pmtiles.Synthetic(testBounds, pmtiles.TileTypePng)
}

func session(t *testing.T) *remote.Session {
	t.Helper()
	s, err := remote.NewSession(&oauth2.Token{AccessToken: "token", Expiry: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	return s
}

type fakeSink struct {
	mu      sync.Mutex
	added   []string
	urls    []string
	opacity map[string]float64
	hidden  map[string]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{opacity: map[string]float64{}, hidden: map[string]bool{}}
}

func (s *fakeSink) AddRasterOverlay(_ context.Context, id, url string) *core.OverlayDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, id)
	s.urls = append(s.urls, url)
	return &core.OverlayDescriptor{ID: id, Opacity: core.DefaultOpacity}
}

func (s *fakeSink) SetOverlayOpacity(id string, opacity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opacity[id] = opacity
}

func (s *fakeSink) ToggleOverlayVisibility(id string, visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[id] = !visible
}

type recordingObserver struct {
	results []Result
	errs    []error
}

func (o *recordingObserver) ObservePass(_ context.Context, res Result, err error) {
	o.results = append(o.results, res)
	o.errs = append(o.errs, err)
}

func putOverlay(t *testing.T, store storage.Store, id, name string) {
	t.Helper()
	require.NoError(t, store.PutOverlay(context.Background(), core.NewOverlay(id, name, archive(), testBounds)))
}

func readMetadata(t *testing.T, files *remotemem.Service) core.SyncMetadata {
	t.Helper()
	raw, ok := files.Content(core.MetadataFilename)
	require.True(t, ok, "metadata document published")
	var meta core.SyncMetadata
	require.NoError(t, json.Unmarshal(raw, &meta))
	return meta
}

func TestSync_UploadsBeforeDownloads(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	files := remotemem.New()
	putOverlay(t, store, "x", "X")
	files.Seed("Y.pmtiles", archive())

	sink := newFakeSink()
	e := NewEngine(store, files, session(t), WithSink(sink))
	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, StatusSynced, e.Status())

	var uploadX, downloadY int
	for _, c := range files.Calls() {
		switch {
		case c.Op == remotemem.OpUpload && c.Name == "X.pmtiles":
			uploadX = c.Seq
		case c.Op == remotemem.OpDownload && c.Name == "Y.pmtiles":
			downloadY = c.Seq
		}
	}
	require.NotZero(t, uploadX)
	require.NotZero(t, downloadY)
	assert.Less(t, uploadX, downloadY)

	// the download pass saw the re-listing and did not fetch X back
	for _, c := range files.CallsOf(remotemem.OpDownload) {
		assert.NotEqual(t, "X.pmtiles", c.Name)
	}

	y, err := store.GetOverlay(ctx, "Y")
	require.NoError(t, err)
	assert.Equal(t, "Y", y.DisplayName)
	assert.Equal(t, core.DefaultOpacity, y.Opacity)
	assert.True(t, y.Visible)
	assert.Equal(t, core.DefaultGroupID, y.GroupID)
	assert.Equal(t, testBounds, y.Bounds)
	assert.Equal(t, []string{"Y"}, sink.added)

	// metadata published last and covers both overlays
	calls := files.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, remotemem.OpUpload, last.Op)
	assert.Equal(t, core.MetadataFilename, last.Name)

	meta := readMetadata(t, files)
	assert.Equal(t, core.SyncSchemaVersion, meta.SchemaVersion)
	require.Len(t, meta.Overlays, 2)
	for _, m := range meta.Overlays {
		assert.NotEmpty(t, m.RemoteFileID, m.Filename)
	}
}

func TestSync_OverlayURL(t *testing.T) {
	files := remotemem.New()
	files.Seed("Y.pmtiles", archive())

	sink := newFakeSink()
	e := NewEngine(memory.New(), files, session(t), WithSink(sink))
	_, err := e.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{mapcontrol.OverlayURL("Y")}, sink.urls)

	files = remotemem.New()
	files.Seed("Z.pmtiles", archive())
	sink = newFakeSink()
	e = NewEngine(memory.New(), files, session(t), WithSink(sink),
		WithOverlayURL(func(id string) string { return "https://tiles.example/" + id }))
	_, err = e.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://tiles.example/Z"}, sink.urls)
}

func TestSync_LogsCarryPassNumber(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logging.NewContextHandler(slog.NewTextHandler(&buf, nil), nil))
	files := remotemem.New()
	files.Seed("Y.pmtiles", archive())

	e := NewEngine(memory.New(), files, session(t), WithLogger(logger))
	_, err := e.Sync(context.Background())
	require.NoError(t, err)
	_, err = e.Sync(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Regexp(t, `msg="sync started" .*syncPass=1`, out)
	assert.Regexp(t, `msg="sync finished" .*syncPass=2`, out)
}

func TestSync_SecondPassIsQuiet(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	files := remotemem.New()
	putOverlay(t, store, "x", "X")

	e := NewEngine(store, files, session(t))
	_, err := e.Sync(ctx)
	require.NoError(t, err)
	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Uploaded)
	assert.Zero(t, res.Downloaded)

	// the metadata document is overwritten in place
	assert.Equal(t, []string{"X.pmtiles", core.MetadataFilename}, files.Names())
}

func TestSync_AppliesRemoteMetadata(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	files := remotemem.New()
	files.Seed("Farm.pmtiles", archive())
	files.Seed("Creek.pmtiles", archive())

	doc := core.SyncMetadata{
		SchemaVersion: 1,
		Overlays: []core.OverlayMeta{
			{ID: "farm-1", Filename: "Farm.pmtiles", Opacity: 0.4, Visible: false, GroupID: "fields"},
			{ID: "creek", Filename: "Creek.pmtiles", Opacity: 0.6, Visible: true, GroupID: "missing"},
		},
		Groups: []core.OverlayGroup{
			{ID: "fields", DisplayName: "Fields", Order: 1},
			{ID: "water", DisplayName: "Water", Order: 0},
			core.DefaultGroup(),
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	files.Seed(core.MetadataFilename, raw)

	sink := newFakeSink()
	e := NewEngine(store, files, session(t), WithSink(sink))
	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 2, res.GroupsImported)

	farm, err := store.GetOverlay(ctx, "farm-1")
	require.NoError(t, err)
	assert.Equal(t, 0.4, farm.Opacity)
	assert.False(t, farm.Visible)
	assert.Equal(t, "fields", farm.GroupID, "assigned once the group was imported")

	creek, err := store.GetOverlay(ctx, "creek")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultGroupID, creek.GroupID, "unknown group falls back")

	groups, err := store.ListGroups(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	assert.Equal(t, []string{"water", "fields", core.DefaultGroupID}, ids)

	assert.Equal(t, 0.4, sink.opacity["farm-1"])
	assert.True(t, sink.hidden["farm-1"])
	assert.False(t, sink.hidden["creek"])
}

func TestSync_KeepsLocalGroups(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.PutGroup(ctx, &core.OverlayGroup{ID: "mine", DisplayName: "Mine"}))

	files := remotemem.New()
	raw, _ := json.Marshal(core.SyncMetadata{Groups: []core.OverlayGroup{{ID: "theirs", DisplayName: "Theirs"}}})
	files.Seed(core.MetadataFilename, raw)

	res, err := NewEngine(store, files, session(t)).Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.GroupsImported)

	groups, err := store.ListGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 2)
}

func TestSync_UnreadableInputsAreSkipped(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	files := remotemem.New()
	files.Seed(core.MetadataFilename, []byte("{not json"))
	files.Seed("Broken.pmtiles", []byte("garbage"))
	files.Seed("notes.txt", []byte("ignored"))

	res, err := NewEngine(store, files, session(t)).Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Downloaded)
	assert.Equal(t, 1, res.Skipped)

	ids, err := store.ListOverlayIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSync_TransferFailureAborts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	files := remotemem.New()
	putOverlay(t, store, "a", "A")
	putOverlay(t, store, "b", "B")
	files.Seed("C.pmtiles", archive())
	boom := errors.New("connection reset")
	files.FailOn(remotemem.OpUpload, "B.pmtiles", boom)

	obs := &recordingObserver{}
	e := NewEngine(store, files, session(t), WithObserver(obs))
	res, err := e.Sync(ctx)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailed, e.Status())
	assert.Equal(t, 1, res.Uploaded, "completed transfers are kept")

	assert.Empty(t, files.CallsOf(remotemem.OpDownload))
	_, ok := files.Content(core.MetadataFilename)
	assert.False(t, ok)

	require.Len(t, obs.errs, 1)
	assert.ErrorIs(t, obs.errs[0], boom)
	last, lastErr := e.Last()
	assert.Equal(t, res, last)
	assert.ErrorIs(t, lastErr, boom)
}

func TestSync_AuthExpiry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	files := remotemem.New()
	files.ExpireAuth()

	s := session(t)
	e := NewEngine(store, files, s)
	_, err := e.Sync(ctx)
	require.ErrorIs(t, err, remote.ErrAuthExpired)
	assert.False(t, s.Valid(), "session invalidated")
	assert.Equal(t, StatusAuthExpired, e.Status())

	// with the session gone no transfer is attempted
	before := len(files.Calls())
	_, err = e.Sync(ctx)
	require.ErrorIs(t, err, remote.ErrAuthExpired)
	assert.Len(t, files.Calls(), before)
}

func TestSync_SignedOut(t *testing.T) {
	files := remotemem.New()
	e := NewEngine(memory.New(), files, nil)
	assert.Equal(t, StatusSignedOut, e.Status())

	_, err := e.Sync(context.Background())
	require.ErrorIs(t, err, remote.ErrAuthExpired)
	assert.Equal(t, StatusSignedOut, e.Status())
	assert.Empty(t, files.Calls())

	e.SetSession(session(t))
	assert.Equal(t, StatusIdle, e.Status())
	_, err = e.Sync(context.Background())
	assert.NoError(t, err)
}

func TestSync_SetSessionInvalidatesPrevious(t *testing.T) {
	first := session(t)
	e := NewEngine(memory.New(), remotemem.New(), first)
	e.SetSession(nil)
	assert.False(t, first.Valid())
	assert.Nil(t, e.Session())
}

func TestSync_RejectsConcurrentPass(t *testing.T) {
	e := NewEngine(memory.New(), remotemem.New(), session(t))
	e.run.Lock()
	defer e.run.Unlock()
	_, err := e.Sync(context.Background())
	assert.ErrorIs(t, err, ErrInProgress)
}
