// Package storetest holds the behaviour every storage.Store must share.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/pkg/core"
)

// Factory returns a fresh, initialized store.
type Factory func(t *testing.T) storage.Store

// Payload is a stand-in tile archive body.
var Payload = []byte{0x50, 0x4d, 0x54, 0x69, 0x6c, 0x65, 0x73, 0x03}

// NewOverlay builds a valid overlay with defaults.
func NewOverlay(id string) *core.Overlay {
	return core.NewOverlay(id, id, Payload, core.Bounds{West: -1, South: -1, East: 1, North: 1})
}

// Run executes the shared suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"RoundTrip", testRoundTrip},
		{"StampsCreatedAt", testStampsCreatedAt},
		{"DuplicateRejected", testDuplicateRejected},
		{"MissingRecords", testMissingRecords},
		{"FieldHelpersPreserveOtherFields", testFieldHelpers},
		{"UpdateOverlayKeepsPayload", testUpdateOverlay},
		{"UnknownGroupRejected", testUnknownGroup},
		{"GroupSort", testGroupSort},
		{"DefaultGroupInvariant", testDefaultGroupInvariant},
		{"DeleteGroupReparents", testDeleteGroupReparents},
		{"GroupFieldHelpers", testGroupFieldHelpers},
		{"ConcurrentFieldUpdatesSameID", testConcurrentSameID},
		{"DeleteGroupDuringFieldUpdates", testDeleteGroupDuringFieldUpdates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	before := time.Now().UnixMilli()

	o := core.NewOverlay("farm", "North Farm", Payload, core.Bounds{West: 10, South: 20, East: 11, North: 21})
	require.NoError(t, s.PutOverlay(ctx, o))

	all, err := s.ListOverlays(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	got := all[0]
	assert.Equal(t, "farm", got.ID)
	assert.Equal(t, "North Farm", got.DisplayName)
	assert.Equal(t, Payload, got.Data)
	assert.Equal(t, 0.8, got.Opacity)
	assert.True(t, got.Visible)
	assert.Equal(t, core.DefaultGroupID, got.GroupID)
	assert.Equal(t, core.Bounds{West: 10, South: 20, East: 11, North: 21}, got.Bounds)
	assert.GreaterOrEqual(t, got.CreatedAtMillis(), before)

	one, err := s.GetOverlay(ctx, "farm")
	require.NoError(t, err)
	assert.Equal(t, got, *one)

	ids, err := s.ListOverlayIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"farm"}, ids)
}

func testStampsCreatedAt(t *testing.T, s storage.Store) {
	ctx := context.Background()
	before := time.Now().UnixMilli()

	data := append([]byte(nil), Payload...)
	o := &core.Overlay{
		ID:          "bare",
		DisplayName: "Bare",
		Data:        data,
		Opacity:     core.DefaultOpacity,
		Visible:     true,
		GroupID:     core.DefaultGroupID,
	}
	require.NoError(t, s.PutOverlay(ctx, o))
	data[0] ^= 0xff

	got, err := s.GetOverlay(ctx, "bare")
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())
	assert.GreaterOrEqual(t, got.CreatedAtMillis(), before)
	assert.Equal(t, Payload, got.Data, "stored payload is independent of the caller's slice")
}

func testDuplicateRejected(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutOverlay(ctx, NewOverlay("a")))

	err := s.PutOverlay(ctx, NewOverlay("a"))
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	all, err := s.ListOverlays(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testMissingRecords(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetOverlay(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.NoError(t, s.DeleteOverlay(ctx, "nope"))
	assert.NoError(t, s.SetOverlayOpacity(ctx, "nope", 0.1))
	assert.NoError(t, s.SetOverlayVisibility(ctx, "nope", false))
	assert.NoError(t, s.RenameOverlay(ctx, "nope", "x"))
	assert.NoError(t, s.RenameGroup(ctx, "nope", "x"))
	assert.NoError(t, s.DeleteGroup(ctx, "nope"))

	err = s.UpdateOverlay(ctx, NewOverlay("nope"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := s.ListOverlays(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testFieldHelpers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutGroup(ctx, &core.OverlayGroup{ID: "g1", DisplayName: "Fields", Order: 1}))
	require.NoError(t, s.PutOverlay(ctx, NewOverlay("a")))
	before, err := s.GetOverlay(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, s.SetOverlayOpacity(ctx, "a", 0.3))
	require.NoError(t, s.SetOverlayVisibility(ctx, "a", false))
	require.NoError(t, s.SetOverlayGroup(ctx, "a", "g1"))
	require.NoError(t, s.RenameOverlay(ctx, "a", "Renamed"))

	got, err := s.GetOverlay(ctx, "a")
	require.NoError(t, err)
	want := *before
	want.Opacity, want.Visible, want.GroupID, want.DisplayName = 0.3, false, "g1", "Renamed"
	if diff := cmp.Diff(want, *got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("overlay after field updates (-want +got):\n%s", diff)
	}

	require.NoError(t, s.SetOverlayOpacity(ctx, "a", 7))
	got, err = s.GetOverlay(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Opacity)
}

func testUpdateOverlay(t *testing.T, s storage.Store) {
	ctx := context.Background()
	orig := NewOverlay("a")
	require.NoError(t, s.PutOverlay(ctx, orig))
	stored, err := s.GetOverlay(ctx, "a")
	require.NoError(t, err)

	upd := *stored
	upd.DisplayName = "B"
	upd.Opacity = 0.5
	upd.Data = []byte{1}
	upd.CreatedAt = time.Unix(0, 0)
	require.NoError(t, s.UpdateOverlay(ctx, &upd))

	got, err := s.GetOverlay(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "B", got.DisplayName)
	assert.Equal(t, 0.5, got.Opacity)
	assert.Equal(t, Payload, got.Data)
	assert.Equal(t, stored.CreatedAtMillis(), got.CreatedAtMillis())
}

func testUnknownGroup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	o := NewOverlay("a")
	o.GroupID = "ghost"
	assert.ErrorIs(t, s.PutOverlay(ctx, o), storage.ErrUnknownGroup)

	require.NoError(t, s.PutOverlay(ctx, NewOverlay("b")))
	assert.ErrorIs(t, s.SetOverlayGroup(ctx, "b", "ghost"), storage.ErrUnknownGroup)

	got, err := s.GetOverlay(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultGroupID, got.GroupID)
}

func testGroupSort(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutGroup(ctx, &core.OverlayGroup{ID: "A", DisplayName: "A", Order: 5}))
	require.NoError(t, s.PutGroup(ctx, &core.OverlayGroup{ID: "B", DisplayName: "B", Order: 1}))

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	assert.Equal(t, []string{"B", "A", core.DefaultGroupID}, ids)
}

func countDefault(groups []core.OverlayGroup) int {
	n := 0
	for _, g := range groups {
		if g.IsDefault() {
			n++
		}
	}
	return n
}

func testDefaultGroupInvariant(t *testing.T, s storage.Store) {
	ctx := context.Background()

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, countDefault(groups))

	assert.ErrorIs(t, s.DeleteGroup(ctx, core.DefaultGroupID), storage.ErrDefaultGroup)
	assert.ErrorIs(t, s.PutGroup(ctx, &core.OverlayGroup{ID: core.DefaultGroupID, DisplayName: "dup"}), storage.ErrDuplicate)

	require.NoError(t, s.PutGroup(ctx, &core.OverlayGroup{ID: "x", DisplayName: "X"}))
	require.NoError(t, s.DeleteGroup(ctx, "x"))

	groups, err = s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, countDefault(groups))
	assert.Len(t, groups, 1)
}

func testDeleteGroupReparents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutGroup(ctx, &core.OverlayGroup{ID: "g1", DisplayName: "G1", Order: 1}))
	for i := 0; i < 3; i++ {
		o := NewOverlay(fmt.Sprintf("o%d", i))
		o.GroupID = "g1"
		require.NoError(t, s.PutOverlay(ctx, o))
	}
	require.NoError(t, s.PutOverlay(ctx, NewOverlay("loose")))

	require.NoError(t, s.DeleteGroup(ctx, "g1"))

	all, err := s.ListOverlays(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	for _, o := range all {
		assert.Equal(t, core.DefaultGroupID, o.GroupID, o.ID)
	}

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func testGroupFieldHelpers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutGroup(ctx, &core.OverlayGroup{ID: "g1", DisplayName: "G1", Order: 2}))

	require.NoError(t, s.RenameGroup(ctx, "g1", "Fields"))
	require.NoError(t, s.SetGroupExpanded(ctx, "g1", true))
	require.NoError(t, s.UpdateGroup(ctx, &core.OverlayGroup{ID: "g1", DisplayName: "Fields", Expanded: true, Order: 7}))
	require.NoError(t, s.SetGroupExpanded(ctx, core.DefaultGroupID, false))

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, core.OverlayGroup{ID: "g1", DisplayName: "Fields", Expanded: true, Order: 7}, groups[0])
	assert.True(t, groups[1].IsDefault())
	assert.False(t, groups[1].Expanded)
}

// Concurrent helpers touching different fields of one record must all land.
func testConcurrentSameID(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutOverlay(ctx, NewOverlay("a")))

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			errs <- s.SetOverlayOpacity(ctx, "a", 0.5)
		}()
		go func() {
			defer wg.Done()
			errs <- s.SetOverlayVisibility(ctx, "a", false)
		}()
		go func() {
			defer wg.Done()
			errs <- s.RenameOverlay(ctx, "a", "Renamed")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetOverlay(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Opacity)
	assert.False(t, got.Visible)
	assert.Equal(t, "Renamed", got.DisplayName)
}

// Field updates racing a group delete must neither fail nor write the
// deleted group back.
func testDeleteGroupDuringFieldUpdates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.PutGroup(ctx, &core.OverlayGroup{ID: "crops", DisplayName: "Crops", Order: 1}))
	var ids []string
	for i := 0; i < 6; i++ {
		o := NewOverlay(fmt.Sprintf("field%d", i))
		o.GroupID = "crops"
		require.NoError(t, s.PutOverlay(ctx, o))
		ids = append(ids, o.ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids)*5+1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- s.DeleteGroup(ctx, "crops")
	}()
	for _, id := range ids {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.SetOverlayOpacity(ctx, id, 0.4)
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range ids {
		got, err := s.GetOverlay(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.DefaultGroupID, got.GroupID, id)
		assert.Equal(t, 0.4, got.Opacity, id)
	}
	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}
