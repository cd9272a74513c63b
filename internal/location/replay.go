package location

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/terrascout/fieldmap/pkg/core"
)

var _ Source = (*Replay)(nil)

// Replay plays back a recorded track, one fix per interval.
type Replay struct {
	fixes    []core.PositionFix
	interval time.Duration

	mu      sync.Mutex
	current *core.PositionFix
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewReplay(fixes []core.PositionFix, interval time.Duration) *Replay {
	return &Replay{fixes: fixes, interval: interval}
}

// LoadReplay reads a GeoJSON track. Point features become one fix each and
// may carry "accuracy", "heading" and "time" (RFC 3339) properties; the
// vertices of LineString features become fixes without extras.
func LoadReplay(path string, interval time.Duration) (*Replay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay track: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("parse replay track %s: %w", path, err)
	}

	var fixes []core.PositionFix
	for _, f := range fc.Features {
		switch g := f.Geometry.(type) {
		case orb.Point:
			fix := core.PositionFix{Longitude: g.Lon(), Latitude: g.Lat()}
			if v, ok := f.Properties["accuracy"].(float64); ok {
				fix.AccuracyMeters = core.Float64(v)
			}
			if v, ok := f.Properties["heading"].(float64); ok {
				fix.HeadingDegrees = core.Float64(v)
			}
			if ts := f.Properties.MustString("time", ""); ts != "" {
				if t, err := time.Parse(time.RFC3339, ts); err == nil {
					fix.CapturedAt = t
				}
			}
			fixes = append(fixes, fix)
		case orb.LineString:
			for _, p := range g {
				fixes = append(fixes, core.PositionFix{Longitude: p.Lon(), Latitude: p.Lat()})
			}
		}
	}
	if len(fixes) == 0 {
		return nil, fmt.Errorf("replay track %s: %w", path, ErrFixUnavailable)
	}
	return NewReplay(fixes, interval), nil
}

func (r *Replay) Start(ctx context.Context, opts Options) (<-chan core.PositionFix, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil, ErrAlreadyStarted
	}
	if len(r.fixes) == 0 {
		return nil, ErrFixUnavailable
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done

	out := make(chan core.PositionFix)
	throttle := NewThrottle(opts)
	go func() {
		defer close(done)
		defer close(out)

		var tick <-chan time.Time
		if r.interval > 0 {
			t := time.NewTicker(r.interval)
			defer t.Stop()
			tick = t.C
		}
		for i, fix := range r.fixes {
			if i > 0 && tick != nil {
				select {
				case <-tick:
				case <-ctx.Done():
					return
				}
			}
			if fix.CapturedAt.IsZero() {
				fix.CapturedAt = time.Now()
			}
			r.mu.Lock()
			r.current = &fix
			r.mu.Unlock()
			if !throttle.Accept(fix) {
				continue
			}
			select {
			case out <- fix:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *Replay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentFix returns the last played fix, or the first of the track before
// playback started.
func (r *Replay) CurrentFix(ctx context.Context) (core.PositionFix, error) {
	if err := ctx.Err(); err != nil {
		return core.PositionFix{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return *r.current, nil
	}
	if len(r.fixes) == 0 {
		return core.PositionFix{}, ErrFixUnavailable
	}
	return r.fixes[0], nil
}
