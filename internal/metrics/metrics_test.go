package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terrascout/fieldmap/internal/remote"
	"github.com/terrascout/fieldmap/internal/syncer"
)

func TestRegistry_Bridge(t *testing.T) {
	r := New()
	r.CommandSent("addOverlay")
	r.CommandSent("addOverlay")
	r.CommandSent("flyTo")
	r.ResponseTimeout()
	r.MessageDropped("malformed")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.BridgeCommands.WithLabelValues("addOverlay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BridgeCommands.WithLabelValues("flyTo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BridgeTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.BridgeDropped.WithLabelValues("malformed")))
}

func TestRegistry_ObservePass(t *testing.T) {
	r := New()
	ctx := context.Background()
	r.ObservePass(ctx, syncer.Result{Uploaded: 2, Downloaded: 1, GroupsImported: 3, Duration: time.Second}, nil)
	r.ObservePass(ctx, syncer.Result{Uploaded: 1}, errors.New("boom"))
	r.ObservePass(ctx, syncer.Result{}, remote.ErrAuthExpired)
	r.ObservePass(ctx, syncer.Result{}, syncer.ErrInProgress)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.SyncPasses.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SyncPasses.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SyncPasses.WithLabelValues("auth_expired")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.SyncTransfers.WithLabelValues("upload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SyncTransfers.WithLabelValues("download")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.SyncGroups))
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.ResponseTimeout()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fieldmap_bridge_timeouts_total 1")
}
