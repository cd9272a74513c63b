// Package location produces position fixes for the map. Sources push fixes on
// a channel; a Throttle drops reports that moved too little or came too soon.
package location

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/terrascout/fieldmap/pkg/core"
)

var (
	// ErrPermissionDenied means the platform refused access to the receiver.
	// Callers report it once and do not retry.
	ErrPermissionDenied = errors.New("location permission denied")
	ErrFixUnavailable   = errors.New("no position fix available")
	ErrAlreadyStarted   = errors.New("location source already started")
)

type AccuracyClass int

const (
	AccuracyHigh AccuracyClass = iota
	AccuracyBalanced
	AccuracyLow
)

// ParseAccuracyClass maps a config value to a class. Unknown values mean high.
func ParseAccuracyClass(s string) AccuracyClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "balanced":
		return AccuracyBalanced
	case "low":
		return AccuracyLow
	}
	return AccuracyHigh
}

func (c AccuracyClass) String() string {
	switch c {
	case AccuracyBalanced:
		return "balanced"
	case AccuracyLow:
		return "low"
	}
	return "high"
}

// MaxErrorMeters is the worst reported accuracy a class still accepts.
// Zero accepts everything.
func (c AccuracyClass) MaxErrorMeters() float64 {
	switch c {
	case AccuracyBalanced:
		return 100
	case AccuracyLow:
		return 1000
	}
	return 0
}

// Options shape the fixes a source delivers.
type Options struct {
	AccuracyClass     AccuracyClass
	MinDistanceMeters float64
	MinInterval       time.Duration
}

// Source delivers position fixes until Stop is called or ctx ends. The
// returned channel is closed when the source stops.
type Source interface {
	Start(ctx context.Context, opts Options) (<-chan core.PositionFix, error)
	Stop()
	// CurrentFix returns the latest fix, waiting for one if none is known.
	CurrentFix(ctx context.Context) (core.PositionFix, error)
}

// Throttle filters a fix stream. A fix passes when it is accurate enough for
// the class, at least MinInterval after the last accepted fix and at least
// MinDistanceMeters away from it. The first acceptable fix always passes.
type Throttle struct {
	opts Options
	last *core.PositionFix
}

func NewThrottle(opts Options) *Throttle {
	return &Throttle{opts: opts}
}

func (t *Throttle) Accept(fix core.PositionFix) bool {
	if maxErr := t.opts.AccuracyClass.MaxErrorMeters(); maxErr > 0 && fix.HasAccuracy() && *fix.AccuracyMeters > maxErr {
		return false
	}
	if t.last != nil {
		if t.opts.MinInterval > 0 && !fix.CapturedAt.IsZero() && !t.last.CapturedAt.IsZero() &&
			fix.CapturedAt.Sub(t.last.CapturedAt) < t.opts.MinInterval {
			return false
		}
		if t.opts.MinDistanceMeters > 0 && Distance(*t.last, fix) < t.opts.MinDistanceMeters {
			return false
		}
	}
	t.last = &fix
	return true
}

// Distance is the great circle distance between two fixes in meters.
func Distance(a, b core.PositionFix) float64 {
	return geo.DistanceHaversine(orb.Point{a.Longitude, a.Latitude}, orb.Point{b.Longitude, b.Latitude})
}

// Disabled is a source that never produces fixes.
type Disabled struct {
	Err error
}

func (d Disabled) Start(context.Context, Options) (<-chan core.PositionFix, error) {
	return nil, d.err()
}

func (Disabled) Stop() {}

func (d Disabled) CurrentFix(context.Context) (core.PositionFix, error) {
	return core.PositionFix{}, d.err()
}

func (d Disabled) err() error {
	if d.Err == nil {
		return ErrFixUnavailable
	}
	return d.Err
}
