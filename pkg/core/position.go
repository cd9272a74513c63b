// pkg/core/position.go
package core

import "time"

// PositionFix is a single normalized location report from a position source.
type PositionFix struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters *float64 // nil when the source did not report accuracy
	HeadingDegrees *float64 // nil when stationary or unknown
	CapturedAt     time.Time
}

// CapturedAtMillis returns the capture time as unix milliseconds, or 0 when unset.
func (f PositionFix) CapturedAtMillis() int64 {
	if f.CapturedAt.IsZero() {
		return 0
	}
	return f.CapturedAt.UnixMilli()
}

// HasAccuracy reports whether the fix carries an accuracy estimate.
func (f PositionFix) HasAccuracy() bool {
	return f.AccuracyMeters != nil
}

// Float64 returns a pointer to v. Handy for optional fix fields.
func Float64(v float64) *float64 {
	return &v
}

// TimeFromMillis converts unix milliseconds to UTC time. Zero maps to the zero time.
func TimeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
