// Package metrics exposes prometheus counters for the bridge and the sync
// engine.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/terrascout/fieldmap/internal/mapcontrol/bridge"
	"github.com/terrascout/fieldmap/internal/remote"
	"github.com/terrascout/fieldmap/internal/syncer"
)

var (
	_ bridge.Metrics  = (*Registry)(nil)
	_ syncer.Observer = (*Registry)(nil)
)

// Registry owns one prometheus registry and the collectors registered on it.
type Registry struct {
	reg *prometheus.Registry

	BridgeCommands   *prometheus.CounterVec
	BridgeTimeouts   prometheus.Counter
	BridgeDropped    *prometheus.CounterVec
	SyncPasses       *prometheus.CounterVec
	SyncTransfers    *prometheus.CounterVec
	SyncGroups       prometheus.Counter
	SyncPassDuration prometheus.Histogram
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		BridgeCommands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldmap_bridge_commands_total",
			Help: "Commands sent to the isolated map view",
		}, []string{"type"}),
		BridgeTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldmap_bridge_timeouts_total",
			Help: "Overlay registrations that got no answer in time",
		}),
		BridgeDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldmap_bridge_dropped_total",
			Help: "Inbound bridge messages that were discarded",
		}, []string{"reason"}),
		SyncPasses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldmap_sync_passes_total",
			Help: "Finished sync passes by outcome",
		}, []string{"outcome"}),
		SyncTransfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldmap_sync_transfers_total",
			Help: "Overlay files moved by sync",
		}, []string{"direction"}),
		SyncGroups: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldmap_sync_groups_imported_total",
			Help: "Groups adopted from the remote metadata document",
		}),
		SyncPassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldmap_sync_pass_duration_seconds",
			Help:    "Wall time of a sync pass",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the registry in the prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) CommandSent(msgType string) {
	r.BridgeCommands.WithLabelValues(msgType).Inc()
}

func (r *Registry) ResponseTimeout() {
	r.BridgeTimeouts.Inc()
}

func (r *Registry) MessageDropped(reason string) {
	r.BridgeDropped.WithLabelValues(reason).Inc()
}

func (r *Registry) ObservePass(_ context.Context, res syncer.Result, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, remote.ErrAuthExpired):
		outcome = "auth_expired"
	case errors.Is(err, syncer.ErrInProgress):
		return
	case err != nil:
		outcome = "error"
	}
	r.SyncPasses.WithLabelValues(outcome).Inc()
	r.SyncTransfers.WithLabelValues("upload").Add(float64(res.Uploaded))
	r.SyncTransfers.WithLabelValues("download").Add(float64(res.Downloaded))
	r.SyncGroups.Add(float64(res.GroupsImported))
	if res.Duration > 0 {
		r.SyncPassDuration.Observe(res.Duration.Seconds())
	}
}
