package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terrascout/fieldmap/internal/remote"
)

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.Upload(ctx, "a.pmtiles", []byte("one"), "")
	require.NoError(t, err)

	files, err := s.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, remote.File{ID: id, Name: "a.pmtiles", Size: 3, ModifiedTime: files[0].ModifiedTime}, files[0])

	sameID, err := s.Upload(ctx, "a.pmtiles", []byte("two!"), id)
	require.NoError(t, err)
	assert.Equal(t, id, sameID)

	data, err := s.Download(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("two!"), data)

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Download(ctx, id)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), remote.ErrNotFound)

	_, err = s.Upload(ctx, "b.pmtiles", nil, "missing")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestService_CallLog(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := s.Seed("y.pmtiles", []byte("y"))

	_, _ = s.ListFiles(ctx)
	_, _ = s.Upload(ctx, "x.pmtiles", []byte("x"), "")
	_, _ = s.Download(ctx, id)

	calls := s.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []Op{OpList, OpUpload, OpDownload}, []Op{calls[0].Op, calls[1].Op, calls[2].Op})
	assert.Equal(t, "y.pmtiles", calls[2].Name)
	assert.Less(t, calls[1].Seq, calls[2].Seq)
	assert.Len(t, s.CallsOf(OpUpload), 1)
	assert.Equal(t, []string{"x.pmtiles", "y.pmtiles"}, s.Names())
}

func TestService_FailuresAndAuth(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("connection reset")
	s.FailOn(OpUpload, "bad.pmtiles", boom)

	_, err := s.Upload(ctx, "bad.pmtiles", []byte("x"), "")
	assert.ErrorIs(t, err, boom)
	_, err = s.Upload(ctx, "good.pmtiles", []byte("x"), "")
	assert.NoError(t, err)

	s.ExpireAuth()
	_, err = s.ListFiles(ctx)
	assert.ErrorIs(t, err, remote.ErrAuthExpired)

	content, ok := s.Content("good.pmtiles")
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), content)
}
